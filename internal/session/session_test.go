package session

import (
	"os"
	"testing"
)

func TestSession_OwnsDirectory(t *testing.T) {
	base := t.TempDir()
	s, err := New(base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ID() == "" {
		t.Fatal("session id is empty")
	}
	if _, err := os.Stat(s.Root()); err != nil {
		t.Fatalf("session root does not exist: %v", err)
	}
}

func TestSession_TeardownRemovesEverything(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"normalized.wav", "chunk_000.wav", "chunk_001.wav"} {
		if err := os.WriteFile(s.Path(name), []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s.Teardown()

	if _, err := os.Stat(s.Root()); !os.IsNotExist(err) {
		t.Fatalf("session root still exists after teardown: %v", err)
	}
	if !s.TornDown() {
		t.Error("TornDown() = false after teardown")
	}
}

func TestSession_TeardownIdempotent(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Teardown()
	s.Teardown() // second call must not panic or error
}
