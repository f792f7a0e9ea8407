// Package storage provides the Persister backends the gamification stores
// write their records through.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const appDirName = "mindlabs-quest"

// validName restricts record names to something safe to use as a file name,
// a Redis key suffix or a table key.
var validName = regexp.MustCompile(`^[a-z0-9_]+$`)

// ErrInvalidName is returned for record names outside [a-z0-9_]+.
var ErrInvalidName = errors.New("invalid record name")

func checkName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// FileStore keeps each record as <dir>/<name>.json.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir. The directory is created
// (with parents) on the first Save if it does not exist. Pass an empty
// string to use the default XDG state path.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultStateDir()
	}
	return &FileStore{dir: dir}
}

// Dir returns the directory records are stored in.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the full path of the named record.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads the named record. A missing file yields (nil, nil).
func (s *FileStore) Load(_ context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// Save writes the record using an atomic temp-file-then-rename pattern.
func (s *FileStore) Save(_ context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path(name)); err != nil {
		return fmt.Errorf("renaming %s: %w", name, err)
	}
	committed = true

	return nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (s *FileStore) Delete(_ context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := os.Remove(s.Path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

// DefaultStateDir returns ~/.local/state/mindlabs-quest, respecting
// XDG_STATE_HOME if set.
func DefaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
