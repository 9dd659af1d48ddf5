package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDisabledProviderIsANoop(t *testing.T) {
	p, err := New(false, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.RecordTaskOutcome(context.Background(), "DONE")
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestEnabledProviderWritesSpanLogAndShutsDownCleanly(t *testing.T) {
	root := t.TempDir()
	p, err := New(true, root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.RecordTaskOutcome(context.Background(), "ERROR")

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "logs", "spans.jsonl")); err != nil {
		t.Fatalf("expected span log to exist: %v", err)
	}
}
