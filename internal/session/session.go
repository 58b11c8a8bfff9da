// Package session is the web viewer's session-storage equivalent: a small
// disk-backed key/value store holding the last-applied configuration and
// state. It exists only as a recovery fallback for re-entering
// initialization when the injected props are missing.
package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Keys cached by the bridge session.
const (
	ConfigKey = "calendar.config"
	StateKey  = "calendar.state"
)

// Store persists JSON values under a directory, one file per key.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	if dir == "" {
		// Caller should set this explicitly; fall back to a relative dir so
		// development runs without special permissions.
		dir = "./var/session"
	}
	return &Store{dir: dir}
}

// Set stores a value under key. Writes are atomic (temp file + rename) so a
// crash mid-write never leaves a corrupt entry behind.
func (s *Store) Set(key string, v any) error {
	if key == "" {
		return errors.New("session: key is empty")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	path := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".session-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Get loads the value stored under key into out. It reports false for a
// missing or unreadable entry; recovery callers treat that as "no cached
// session".
func (s *Store) Get(key string, out any) bool {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

// Clear removes a stored key; missing entries are not an error.
func (s *Store) Clear(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}
