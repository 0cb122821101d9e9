package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/audetic/agent/internal/logging"
)

var log = logging.L("state")

// renameFile is swapped by tests to simulate a crash before the commit point.
var renameFile = os.Rename

// Store persists UpdateState as JSON. It performs no locking; callers hold
// the update lock while writing.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

func (s *Store) tempPattern() string {
	return "." + filepath.Base(s.path) + ".*.tmp"
}

// Load returns the persisted state, or def when no file exists. Fields
// missing from the file keep their values from def.
func (s *Store) Load(def UpdateState) (UpdateState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return def, nil
		}
		return def, fmt.Errorf("read update state: %w", err)
	}

	st := def
	st.Pending = nil
	if err := json.Unmarshal(data, &st); err != nil {
		return def, fmt.Errorf("decode update state %s: %w", s.path, err)
	}
	return st, nil
}

// Save writes st atomically: temp file in the same directory, fsync, rename
// over the target, then fsync the directory. A crash at any point leaves
// either the previous or the new record, never a partial one.
func (s *Store) Save(st UpdateState) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	s.removeStaleTemps()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode update state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, s.tempPattern())
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := renameFile(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace update state: %w", err)
	}
	committed = true

	syncDir(dir)
	return nil
}

// removeStaleTemps deletes temp files left behind by an interrupted Save.
func (s *Store) removeStaleTemps() {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(s.path), s.tempPattern()))
	if err != nil {
		return
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".tmp") {
			if err := os.Remove(m); err == nil {
				log.Debug("removed stale state temp file", "path", m)
			}
		}
	}
}

// syncDir flushes the directory entry after a rename. Not every platform
// supports fsync on a directory handle, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
