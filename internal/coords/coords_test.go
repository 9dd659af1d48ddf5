package coords

import "testing"

func TestToPixelsOrigin(t *testing.T) {
	x, y := ToPixels(0, 0, 1920, 1080, 0, 0)
	if x != 0 || y != 0 {
		t.Fatalf("got (%d,%d), want (0,0)", x, y)
	}
}

func TestToPixelsFarCorner(t *testing.T) {
	x, y := ToPixels(1000, 1000, 1920, 1080, 0, 0)
	if x != 1919 || y != 1079 {
		t.Fatalf("got (%d,%d), want (1919,1079)", x, y)
	}
}

func TestToPixelsHappyPath(t *testing.T) {
	// spec.md S1: (5, 998) on a 1920x1080 screen -> (10, 1078)
	x, y := ToPixels(5, 998, 1920, 1080, 0, 0)
	if x != 10 || y != 1078 {
		t.Fatalf("got (%d,%d), want (10,1078)", x, y)
	}
}

func TestToPixelsAppliesOffset(t *testing.T) {
	x, y := ToPixels(500, 500, 1000, 1000, 5, -5)
	if x != 505 || y != 495 {
		t.Fatalf("got (%d,%d), want (505,495)", x, y)
	}
}

func TestToPixelsClampsNegativeOffset(t *testing.T) {
	x, y := ToPixels(0, 0, 1000, 1000, -10, -10)
	if x != 0 || y != 0 {
		t.Fatalf("got (%d,%d), want (0,0) after clamp", x, y)
	}
}

func TestClampNormalized(t *testing.T) {
	if ClampNormalized(-5) != 0 {
		t.Fatal("expected clamp to 0")
	}
	if ClampNormalized(2000) != NormalizedMax {
		t.Fatal("expected clamp to 1000")
	}
	if ClampNormalized(500) != 500 {
		t.Fatal("expected unchanged")
	}
}

func TestInBounds(t *testing.T) {
	if !InBounds(0) || !InBounds(1000) {
		t.Fatal("boundary values should be in bounds")
	}
	if InBounds(-1) || InBounds(1001) {
		t.Fatal("out-of-range values should not be in bounds")
	}
}
