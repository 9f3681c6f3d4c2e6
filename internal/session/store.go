// Package session keeps the authenticated browser session between runs.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/louca1221/price-tracker/internal/model"
)

// ErrEmptySession is returned when saving a session with no content.
var ErrEmptySession = errors.New("session is empty")

// Store persists the authenticated browser session between runs.
type Store interface {
	// Load returns the saved session. ok is false when none exists.
	Load() (s model.Session, ok bool, err error)
	// Save replaces the saved session.
	Save(s model.Session) error
	// Discard forgets the saved session.
	Discard() error
}

// FileStore keeps the session in a single file, replaced atomically on save.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore creates a store at path. The file need not exist.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger.With().Str("component", "session").Logger()}
}

// Load reads the session file. A missing or empty file means no session.
func (f *FileStore) Load() (model.Session, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read session: %w", err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return model.Session(data), true, nil
}

// Save atomically replaces the session file. An empty session is
// rejected; Load would report it as absent.
func (f *FileStore) Save(s model.Session) error {
	if len(s) == 0 {
		return ErrEmptySession
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := renameio.WriteFile(f.path, s, 0o600, renameio.WithStaticPermissions(0o600)); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}

	f.logger.Info().Str("path", f.path).Str("size", humanize.Bytes(uint64(len(s)))).Msg("session saved")
	return nil
}

// Discard removes the session file. Removing a missing file is not an error.
func (f *FileStore) Discard() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard session: %w", err)
	}
	f.logger.Info().Str("path", f.path).Msg("session discarded")
	return nil
}
