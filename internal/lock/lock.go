package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/procutil"
)

var log = logging.L("lock")

// ErrContention means another live run holds the lock. It is not a failure:
// the caller should do nothing.
var ErrContention = errors.New("update lock held by another run")

// unreadableGrace is how long an empty or corrupt lock file is assumed to be
// mid-write by its creator.
const unreadableGrace = 5 * time.Second

// Record is the lock file content.
type Record struct {
	PID               int       `json:"pid"`
	StartedAt         time.Time `json:"started_at"`
	ProcessCreateTime int64     `json:"process_create_time,omitempty"`
	Token             string    `json:"token"`
	Trigger           string    `json:"trigger,omitempty"`
}

// held tracks tokens owned by this process image. After an exec-based
// restart the PID is unchanged but this set is empty, which is how a lock
// left by the previous image is recognised as stale.
var (
	heldMu sync.Mutex
	held   = make(map[string]bool)
)

// processAlive is swapped in tests.
var processAlive = procutil.Alive

// Lock is a held update lock.
type Lock struct {
	path string
	rec  Record
	once sync.Once
	err  error

	reclaimed *Record
}

// Acquire takes the lock at path without waiting. A live holder yields
// ErrContention; a stale one is reclaimed.
func Acquire(path, trigger string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	rec := Record{
		PID:               os.Getpid(),
		StartedAt:         time.Now().UTC(),
		ProcessCreateTime: procutil.SelfCreateTime(),
		Token:             uuid.NewString(),
		Trigger:           trigger,
	}

	// Registered before the file exists so a concurrent Acquire in this
	// process never mistakes our record for one left by a previous image.
	heldMu.Lock()
	held[rec.Token] = true
	heldMu.Unlock()

	l, err := acquire(path, rec)
	if err != nil {
		heldMu.Lock()
		delete(held, rec.Token)
		heldMu.Unlock()
		return nil, err
	}
	return l, nil
}

// AcquireWait retries Acquire while the lock is contended, until it is taken
// or ctx is done. Any other error ends the wait.
func AcquireWait(ctx context.Context, path, trigger string) (*Lock, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	var (
		l       *Lock
		lastErr error
	)
	op := func() error {
		var err error
		l, err = Acquire(path, trigger)
		if err != nil && !errors.Is(err, ErrContention) {
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if lastErr != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w (gave up waiting: %v)", lastErr, ctx.Err())
		}
		return nil, err
	}
	return l, nil
}

func acquire(path string, rec Record) (*Lock, error) {
	var reclaimed *Record
	for attempt := 0; attempt < 2; attempt++ {
		err := create(path, rec)
		if err == nil {
			return &Lock{path: path, rec: rec, reclaimed: reclaimed}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		existing, stale, err := judge(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // released between our create and read
			}
			return nil, err
		}
		if !stale {
			return nil, fmt.Errorf("%w: pid %d (%s) since %s",
				ErrContention, existing.PID, existing.Trigger, existing.StartedAt.Format(time.RFC3339))
		}
		if err := reclaim(path, existing); err != nil {
			return nil, err
		}
		log.Warn("reclaimed stale update lock",
			"pid", existing.PID,
			"trigger", existing.Trigger,
			"startedAt", existing.StartedAt,
		)
		reclaimed = &existing
	}
	return nil, fmt.Errorf("%w: lost race reclaiming stale lock", ErrContention)
}

func create(path string, rec Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("write lock record: %w", err)
	}
	return nil
}

// judge reads the lock at path and decides whether its owner is gone.
func judge(path string) (Record, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Record{}, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.Token == "" {
		// Either mid-write or garbage; only the latter is reclaimable.
		stale := time.Since(info.ModTime()) > unreadableGrace
		return rec, stale, nil
	}

	if rec.PID == os.Getpid() {
		heldMu.Lock()
		ours := held[rec.Token]
		heldMu.Unlock()
		return rec, !ours, nil
	}
	return rec, !processAlive(rec.PID, rec.ProcessCreateTime), nil
}

// reclaim moves the stale file aside. If what was moved turns out to be a
// fresh lock from a concurrent reclaimer, it is put back and contention is
// reported.
func reclaim(path string, stale Record) error {
	aside := path + ".stale-" + uuid.NewString()
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reclaim stale lock: %w", err)
	}

	var moved Record
	data, err := os.ReadFile(aside)
	if err == nil {
		_ = json.Unmarshal(data, &moved)
	}
	if moved.Token != stale.Token {
		if err := os.Link(aside, path); err == nil {
			_ = os.Remove(aside)
		}
		return fmt.Errorf("%w: lock changed hands during reclaim", ErrContention)
	}
	return os.Remove(aside)
}

// Record returns what was written to the lock file.
func (l *Lock) Record() Record { return l.rec }

// Reclaimed returns the stale record this acquisition replaced, if any.
func (l *Lock) Reclaimed() (Record, bool) {
	if l.reclaimed == nil {
		return Record{}, false
	}
	return *l.reclaimed, true
}

// Release removes the lock file if it still carries our token. Safe to call
// more than once.
func (l *Lock) Release() error {
	l.once.Do(func() {
		heldMu.Lock()
		delete(held, l.rec.Token)
		heldMu.Unlock()

		data, err := os.ReadFile(l.path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				l.err = err
			}
			return
		}
		var rec Record
		if json.Unmarshal(data, &rec) == nil && rec.Token != l.rec.Token {
			log.Warn("update lock was taken over, leaving it in place", "owner", rec.PID)
			return
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.err = err
		}
	})
	return l.err
}

// Inspect reports the current holder, if any, and whether it is live.
func Inspect(path string) (Record, bool, error) {
	rec, stale, err := judge(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, !stale, nil
}
