// Package session provides per-request scratch directories on local disk.
//
// A Session owns every file created for one transcription call: the
// normalized audio, the prepared chunks, and any other intermediates. When a
// session is torn down, every file under its root is unlinked before the
// session id is forgotten — success or failure, the caller defers Teardown
// at creation time.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/castwave/castwave/internal/observe"
)

// Session is a scoped scratch directory identified by a server-generated
// opaque id. It is safe for concurrent use; file creation inside the
// directory is the caller's concern.
type Session struct {
	id   string
	root string

	mu       sync.Mutex
	tornDown bool
}

// New creates a session directory under baseDir. When baseDir is empty the
// OS temp directory is used.
func New(baseDir string) (*Session, error) {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	id := uuid.NewString()
	root := filepath.Join(baseDir, "castwave-session-"+id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("session: create %q: %w", root, err)
	}
	observe.DefaultMetrics().ActiveSessions.Add(context.Background(), 1)
	return &Session{id: id, root: root}, nil
}

// ID returns the opaque session id carried by chunk tasks.
func (s *Session) ID() string { return s.id }

// Root returns the session directory path.
func (s *Session) Root() string { return s.root }

// Path returns the path of name inside the session directory.
func (s *Session) Path(name string) string {
	return filepath.Join(s.root, name)
}

// Teardown removes the session directory and everything under it. It is
// idempotent; repeated calls after the first are no-ops.
func (s *Session) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return
	}
	s.tornDown = true
	observe.DefaultMetrics().ActiveSessions.Add(context.Background(), -1)
	if err := os.RemoveAll(s.root); err != nil {
		slog.Warn("session teardown failed", "session_id", s.id, "root", s.root, "err", err)
		return
	}
	slog.Debug("session torn down", "session_id", s.id)
}

// TornDown reports whether Teardown has run. Used by result collectors to
// drop late chunk results addressed to a dead session.
func (s *Session) TornDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tornDown
}
