package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandHomeResolvesTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory available: %v", err)
	}
	got, err := expandHome("~/.pilotd")
	if err != nil {
		t.Fatalf("expandHome: %v", err)
	}
	want := filepath.Join(home, ".pilotd")
	if got != want {
		t.Fatalf("expandHome(~/.pilotd) = %q, want %q", got, want)
	}
}

func TestExpandHomeLeavesAbsolutePathAlone(t *testing.T) {
	got, err := expandHome("/var/lib/pilotd")
	if err != nil {
		t.Fatalf("expandHome: %v", err)
	}
	if got != "/var/lib/pilotd" {
		t.Fatalf("expandHome(/var/lib/pilotd) = %q, want unchanged", got)
	}
}

func TestIsAddrInUseDetectsBindFailure(t *testing.T) {
	if !isAddrInUse(errAddrInUse{}) {
		t.Fatalf("expected address-in-use error to be detected")
	}
}

type errAddrInUse struct{}

func (errAddrInUse) Error() string { return "listen tcp 127.0.0.1:8000: bind: address already in use" }
