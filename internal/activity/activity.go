// Package activity records that the service is mid-use so updates wait.
//
// A session is a small JSON marker under <data_dir>/activity stamped with the
// owning process. Markers are shared across processes: the daemon writes them
// while recording and an operator's `audetic update` reads them. A marker whose
// owner has exited is stale and ignored.
package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/procutil"
)

var log = logging.L("activity")

const dirName = "activity"

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Marker is the on-disk record of one active session.
type Marker struct {
	Name              string    `json:"name"`
	PID               int       `json:"pid"`
	ProcessCreateTime int64     `json:"process_create_time,omitempty"`
	Since             time.Time `json:"since"`
}

// ownerAlive is swapped in tests.
var ownerAlive = procutil.Alive

// unreadableGrace is how long an empty or corrupt marker is assumed to be
// mid-write by its owner.
const unreadableGrace = 5 * time.Second

func dir(dataDir string) string { return filepath.Join(dataDir, dirName) }

// Begin marks name active until the returned end func is called.
func Begin(dataDir, name string) (end func() error, err error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid activity name %q", name)
	}
	if err := os.MkdirAll(dir(dataDir), 0o755); err != nil {
		return nil, fmt.Errorf("create activity dir: %w", err)
	}

	m := Marker{
		Name:              name,
		PID:               os.Getpid(),
		ProcessCreateTime: procutil.SelfCreateTime(),
		Since:             time.Now().UTC(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir(dataDir), name+".json")
	if err := writeMarker(path, data); err != nil {
		return nil, fmt.Errorf("write activity marker: %w", err)
	}
	log.Debug("activity started", "name", name)

	var once sync.Once
	return func() error {
		var rmErr error
		once.Do(func() {
			rmErr = os.Remove(path)
			if errors.Is(rmErr, os.ErrNotExist) {
				rmErr = nil
			}
			log.Debug("activity ended", "name", name)
		})
		return rmErr
	}, nil
}

// Active lists live markers and removes stale ones.
func Active(dataDir string) ([]Marker, error) {
	entries, err := os.ReadDir(dir(dataDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var live []Marker
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir(dataDir), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m Marker
		if err := json.Unmarshal(data, &m); err != nil || m.PID == 0 {
			info, statErr := e.Info()
			if statErr == nil && time.Since(info.ModTime()) <= unreadableGrace {
				// Possibly mid-write: count it as live for now.
				live = append(live, Marker{Name: strings.TrimSuffix(e.Name(), ".json"), Since: info.ModTime()})
				continue
			}
			log.Info("removing unreadable activity marker", "path", path)
			_ = os.Remove(path)
			continue
		}
		if !ownerAlive(m.PID, m.ProcessCreateTime) {
			log.Info("removing stale activity marker", "path", path)
			_ = os.Remove(path)
			continue
		}
		live = append(live, m)
	}
	return live, nil
}

// Predicate returns the busy check handed to the scheduler and coordinator.
// An unreadable directory counts as idle.
func Predicate(dataDir string) func() bool {
	return func() bool {
		live, err := Active(dataDir)
		if err != nil {
			log.Warn("activity markers unreadable, treating service as idle", logging.KeyError, err)
			return false
		}
		return len(live) > 0
	}
}

// writeMarker replaces path in one rename so readers never see a partial
// record.
func writeMarker(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
	}
	return err
}
