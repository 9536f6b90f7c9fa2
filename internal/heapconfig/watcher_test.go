package heapconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherPicksUpTunableChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.conf")

	if err := os.WriteFile(path, []byte("schema-version=1.0.0\nenable-debug=false\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	w, err := Watch(path, Default())
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	sub := w.Subscribe()

	if err := os.WriteFile(path, []byte("schema-version=1.0.0\nenable-debug=true\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case cfg := <-sub:
		if !cfg.EnableDebug {
			t.Error("expected EnableDebug to become true after reload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcherRejectsIncompatibleSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.conf")

	if err := os.WriteFile(path, []byte("schema-version=1.0.0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	w, err := Watch(path, Default())
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	before := w.Current()

	if err := os.WriteFile(path, []byte("schema-version=3.0.0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	after := w.Current()
	if after.SchemaVersion != before.SchemaVersion {
		t.Errorf("incompatible schema should not have been applied: %s -> %s", before.SchemaVersion, after.SchemaVersion)
	}
}
