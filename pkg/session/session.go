// Package session holds the client's authenticated identity: the bearer
// token plus the user record, persisted to disk so a restarted client can
// resume without signing in again.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/phiwazulumoh/cop/pkg/api"
)

// Session is the client-held identity record. A zero Session means not
// authenticated.
type Session struct {
	Token string   `json:"token"`
	User  api.User `json:"user"`
}

// Authenticated reports whether the session carries both a token and a user
// id. Absence of either is treated as not signed in.
func (s *Session) Authenticated() bool {
	return s != nil && s.Token != "" && s.User.UID != ""
}

// Store persists the session to a JSON file. It is safe for concurrent use.
// Lifecycle: Save on sign-in, Load on startup, Clear on sign-out.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewStore creates a Store backed by the given file path. The file is not
// touched until Load or Save is called.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Load hydrates the session from disk. A missing file is not an error: it
// returns nil with no session, meaning the user must sign in.
func (s *Store) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.current = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", s.path, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// A corrupt session file is recoverable: treat it as signed out.
		s.logger.Warn("discarding unreadable session file", "path", s.path, "error", err)
		s.current = nil
		return nil, nil
	}
	if !sess.Authenticated() {
		s.current = nil
		return nil, nil
	}

	s.current = &sess
	return &sess, nil
}

// Save persists the session to disk and makes it the current one. The write
// goes through a temp file and rename so a crash never leaves a half-written
// session.
func (s *Store) Save(sess *Session) error {
	if !sess.Authenticated() {
		return fmt.Errorf("session: refusing to save unauthenticated session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("session: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("session: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: chmod: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: rename: %w", err)
	}

	s.current = sess
	return nil
}

// Clear removes the persisted session and forgets the current one. Clearing
// an already-clear store is a no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = nil
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: remove %s: %w", s.path, err)
	}
	return nil
}

// Current returns the session most recently loaded or saved, or nil.
func (s *Store) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Token implements api.TokenSource against the current session. An empty
// string is returned when signed out.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}
