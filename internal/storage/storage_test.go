package storage

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()

	if _, ok := s.Get("colormode"); ok {
		t.Error("empty store should miss")
	}
	if err := s.Set("colormode", "dark"); err != nil {
		t.Fatal(err)
	}
	if v, ok := s.Get("colormode"); !ok || v != "dark" {
		t.Errorf("Get() = %q, %v", v, ok)
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.yaml")
	logger := zaptest.NewLogger(t)

	s, err := OpenFileStore(path, logger)
	if err != nil {
		t.Fatalf("OpenFileStore() on missing file failed: %v", err)
	}
	if err := s.Set("colormode", "light"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set("zoom", "1.5"); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFileStore(path, logger)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if v, ok := reopened.Get("colormode"); !ok || v != "light" {
		t.Errorf("colormode = %q, %v", v, ok)
	}
	if v, _ := reopened.Get("zoom"); v != "1.5" {
		t.Errorf("zoom = %q, want 1.5", v)
	}
}

func TestFileStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("- not\n- a map\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := OpenFileStore(path, zaptest.NewLogger(t)); err == nil {
		t.Error("a non-map document should fail to load")
	}
}
