package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/audetic/agent/internal/audit"
	"github.com/audetic/agent/internal/lock"
	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/release"
	"github.com/audetic/agent/internal/state"
	"github.com/audetic/agent/internal/supervisor"
)

// SelfTest verifies that a freshly started binary can do its job.
type SelfTest func(ctx context.Context) error

// Reconcile runs once at startup. When the state file carries a pending
// marker it decides whether the swap is kept: the running binary must be the
// committed version and must pass selfTest within the health timeout.
// Otherwise the backup is restored and the failure counted.
func (c *Coordinator) Reconcile(ctx context.Context, selfTest SelfTest) (*Report, error) {
	rep := &Report{
		RunID:          uuid.NewString(),
		Phase:          PhaseIdle,
		Source:         SourceStartup,
		CurrentVersion: c.cfg.CurrentVersion,
	}
	logger := logging.WithRun(log, rep.RunID, string(SourceStartup))

	if c.cfg.DataDir != "" {
		if v, ok, err := supervisor.ConsumePendingApply(c.cfg.DataDir); err != nil {
			logger.Warn("failed to read pending-apply flag", logging.KeyError, err)
		} else if ok {
			logger.Info("starting with update applied at launch", logging.KeyVersion, v)
		}
	}

	// A pending swap must be judged now, so a concurrent run is waited out
	// for up to the health timeout instead of skipped.
	var l *lock.Lock
	var err error
	if c.hasPending() {
		wctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
		l, err = lock.AcquireWait(wctx, c.cfg.LockPath, string(SourceStartup))
		cancel()
		if err == nil {
			c.noteReclaim(l, rep.RunID)
		}
	} else {
		l, err = c.acquire(string(SourceStartup), rep.RunID)
		if errors.Is(err, lock.ErrContention) {
			rep.Outcome = OutcomeContention
			rep.Message = "Another update run is in progress"
			return rep, nil
		}
	}
	if errors.Is(err, lock.ErrContention) {
		rep.Outcome = OutcomeContention
		rep.Message = "Post-update health check could not take the update lock"
		logger.Error(rep.Message, logging.KeyPhase, PhaseHealthChecking, logging.KeyError, err)
		return rep, phaseErr(PhaseHealthChecking, err)
	}
	if err != nil {
		rep.Outcome = OutcomeFailed
		rep.Message = err.Error()
		return rep, phaseErr(PhaseHealthChecking, err)
	}
	defer l.Release()

	st, err := c.loadState()
	if err != nil {
		rep.Outcome = OutcomeFailed
		rep.Message = err.Error()
		return rep, phaseErr(PhaseHealthChecking, err)
	}
	rep.State = st
	rep.Channel = st.Channel

	if st.Pending == nil {
		rep.Outcome = OutcomeIdle
		rep.Message = "No pending update"
		if _, perr := release.ParseVersion(c.cfg.CurrentVersion); perr == nil && st.CurrentVersion != c.cfg.CurrentVersion {
			// The binary was replaced outside the engine, e.g. by the installer.
			logger.Info("recording running version", "recorded", st.CurrentVersion, "running", c.cfg.CurrentVersion)
			st.CurrentVersion = c.cfg.CurrentVersion
			if err := c.save(&st, rep); err != nil {
				return rep, phaseErr(PhaseIdle, err)
			}
		}
		return rep, nil
	}

	pending := *st.Pending
	rep.Phase = PhaseHealthChecking
	rep.RemoteVersion = pending.Version
	runningNew := sameVersion(pending.Version, c.cfg.CurrentVersion)

	var healthErr error
	if runningNew {
		logger.Info("running post-update self-test", logging.KeyPhase, PhaseHealthChecking, logging.KeyVersion, pending.Version)
		tctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
		start := time.Now()
		healthErr = selfTest(tctx)
		cancel()
		logger.Info("self-test finished", logging.KeyDurationMs, time.Since(start).Milliseconds(), "passed", healthErr == nil)
	} else {
		healthErr = fmt.Errorf("running %s but %s was committed; the new binary never came up", c.cfg.CurrentVersion, pending.Version)
	}

	if healthErr == nil {
		st.CurrentVersion = pending.Version
		st.LastSuccessVersion = pending.Version
		st.Pending = nil
		st.FailureCount = 0
		st.TransientFailures = 0
		st.DisabledUntil = 0
		st.LastError = ""
		if err := c.save(&st, rep); err != nil {
			return rep, phaseErr(PhaseHealthChecking, err)
		}
		c.cfg.Audit.Log(audit.EventHealthPassed, rep.RunID, map[string]any{
			"version":  pending.Version,
			"previous": pending.PreviousVersion,
		})
		if c.cfg.Fetcher != nil {
			if err := c.cfg.Fetcher.Prune(c.cfg.KeepStaged, pending.Version); err != nil {
				logger.Warn("failed to prune staging dirs", logging.KeyError, err)
			}
		}
		rep.Phase = PhaseCommitted
		rep.Outcome = OutcomeCommitted
		rep.Message = fmt.Sprintf("Update to %s committed", pending.Version)
		logger.Info("update committed after health check", logging.KeyVersion, pending.Version)
		return rep, nil
	}

	return c.rollbackFailed(ctx, rep, st, pending, runningNew, healthErr)
}

// hasPending peeks at the state file without the lock.
func (c *Coordinator) hasPending() bool {
	st, err := c.loadState()
	return err == nil && st.Pending != nil
}

// acquire takes the update lock without waiting.
func (c *Coordinator) acquire(trigger, runID string) (*lock.Lock, error) {
	l, err := lock.Acquire(c.cfg.LockPath, trigger)
	if err != nil {
		return nil, err
	}
	c.noteReclaim(l, runID)
	return l, nil
}

func (c *Coordinator) noteReclaim(l *lock.Lock, runID string) {
	prev, ok := l.Reclaimed()
	if !ok {
		return
	}
	c.cfg.Audit.Log(audit.EventLockReclaimed, runID, map[string]any{
		"pid":       prev.PID,
		"trigger":   prev.Trigger,
		"startedAt": prev.StartedAt,
	})
}

func (c *Coordinator) rollbackFailed(ctx context.Context, rep *Report, st state.UpdateState, pending state.Pending, runningNew bool, healthErr error) (*Report, error) {
	logger := logging.WithRun(log, rep.RunID, string(rep.Source))
	logger.Error("post-update health check failed", logging.KeyPhase, PhaseHealthChecking, logging.KeyVersion, pending.Version, logging.KeyError, healthErr)
	c.cfg.Audit.Log(audit.EventHealthFailed, rep.RunID, map[string]any{
		"version": pending.Version,
		"error":   healthErr.Error(),
	})

	restoreErr := c.restoreBackup(pending.BackupPath)

	st.Pending = nil
	st.FailureCount++
	st.LastError = fmt.Sprintf("health check for %s failed: %v", pending.Version, healthErr)
	if restoreErr == nil {
		st.CurrentVersion = pending.PreviousVersion
		st.BackupPath = ""
		st.BackupVersion = ""
	}
	disabled := st.FailureCount >= c.cfg.FailureThreshold && st.AutoUpdate
	if disabled {
		st.AutoUpdate = false
	}
	if err := c.save(&st, rep); err != nil {
		restoreErr = errors.Join(restoreErr, err)
	}

	err := fmt.Errorf("%w: %v", ErrHealthCheck, healthErr)
	if restoreErr != nil {
		rep.Outcome = OutcomeFailed
		rep.Message = restoreErr.Error()
		logger.Error("rollback failed", logging.KeyPhase, PhaseRolledBack, logging.KeyError, restoreErr)
		return rep, phaseErr(PhaseRolledBack, errors.Join(err, restoreErr))
	}

	c.cfg.Audit.Log(audit.EventRollback, rep.RunID, map[string]any{
		"from":         pending.Version,
		"to":           pending.PreviousVersion,
		"failureCount": st.FailureCount,
	})
	rep.Phase = PhaseRolledBack
	rep.Outcome = OutcomeRolledBack
	rep.Message = fmt.Sprintf("Update to %s failed its health check; restored %s", pending.Version, pending.PreviousVersion)

	if disabled {
		c.cfg.Audit.Log(audit.EventAutoUpdateChanged, rep.RunID, map[string]any{
			"enabled":      false,
			"reason":       "failure_threshold",
			"failureCount": st.FailureCount,
		})
		rep.Phase = PhaseDisabled
		rep.Message += fmt.Sprintf("; auto-update disabled after %d failures", st.FailureCount)
		logger.Warn("auto-update disabled", "failureCount", st.FailureCount, "threshold", c.cfg.FailureThreshold)
	}

	if runningNew {
		rep.RestartRequired = true
		c.requestRestart(ctx, logger, pending.PreviousVersion)
	}
	return rep, phaseErr(rep.Phase, err)
}

// Rollback restores the backed-up binary outside the normal flow. With no
// backup on disk it returns ErrPrecondition.
func (c *Coordinator) Rollback(ctx context.Context) (*Report, error) {
	rep := &Report{
		RunID:          uuid.NewString(),
		Phase:          PhaseIdle,
		Source:         SourceCLI,
		CurrentVersion: c.cfg.CurrentVersion,
	}
	logger := logging.WithRun(log, rep.RunID, "rollback")

	l, err := c.acquire("rollback", rep.RunID)
	if errors.Is(err, lock.ErrContention) {
		rep.Outcome = OutcomeContention
		rep.Message = "Another update run is in progress"
		return rep, nil
	}
	if err != nil {
		rep.Outcome = OutcomeFailed
		rep.Message = err.Error()
		return rep, phaseErr(PhaseCommitting, err)
	}
	defer l.Release()

	st, err := c.loadState()
	if err != nil {
		rep.Outcome = OutcomeFailed
		rep.Message = err.Error()
		return rep, phaseErr(PhaseCommitting, err)
	}
	rep.State = st

	from := st.CurrentVersion
	if st.Pending != nil {
		from = st.Pending.Version
	}
	to := st.BackupVersion

	if err := c.restoreBackup(st.BackupPath); err != nil {
		rep.Outcome = OutcomeFailed
		rep.Message = err.Error()
		return rep, phaseErr(PhaseCommitting, err)
	}

	if to != "" {
		st.CurrentVersion = to
	}
	st.Pending = nil
	st.BackupPath = ""
	st.BackupVersion = ""
	if err := c.save(&st, rep); err != nil {
		return rep, phaseErr(PhaseRolledBack, err)
	}
	c.cfg.Audit.Log(audit.EventRollback, rep.RunID, map[string]any{
		"from":   from,
		"to":     to,
		"manual": true,
	})
	logger.Info("rolled back", "from", from, "to", to)

	rep.Phase = PhaseRolledBack
	rep.Outcome = OutcomeRolledBack
	rep.RemoteVersion = to
	rep.RestartRequired = true
	if c.requestRestart(ctx, logger, to) {
		rep.Message = fmt.Sprintf("Rolled back to %s; restarting", to)
	} else {
		rep.Message = fmt.Sprintf("Rolled back to %s. Restart audetic to apply it.", to)
	}
	return rep, nil
}

// SetAutoUpdate toggles background installs. Re-enabling clears the failure
// count and any backoff.
func (c *Coordinator) SetAutoUpdate(enabled bool) (state.UpdateState, error) {
	return c.mutate("auto_update", func(st *state.UpdateState) {
		was := st.AutoUpdate
		st.AutoUpdate = enabled
		if enabled {
			st.FailureCount = 0
			st.TransientFailures = 0
			st.DisabledUntil = 0
		}
		c.cfg.Audit.Log(audit.EventAutoUpdateChanged, "", map[string]any{
			"enabled":  enabled,
			"previous": was,
		})
	})
}

// SetChannel persists the release channel used by later runs.
func (c *Coordinator) SetChannel(channel string) (state.UpdateState, error) {
	if err := release.ValidateChannel(channel); err != nil {
		return state.UpdateState{}, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	return c.mutate("channel", func(st *state.UpdateState) {
		if st.Channel != channel {
			c.cfg.Audit.Log(audit.EventChannelChanged, "", map[string]any{
				"from": st.Channel,
				"to":   channel,
			})
		}
		st.Channel = channel
	})
}

func (c *Coordinator) mutate(trigger string, fn func(*state.UpdateState)) (state.UpdateState, error) {
	l, err := c.acquire(trigger, "")
	if err != nil {
		return state.UpdateState{}, err
	}
	defer l.Release()

	st, err := c.loadState()
	if err != nil {
		return st, err
	}
	fn(&st)
	if err := c.store.Save(st); err != nil {
		return st, fmt.Errorf("save update state: %w", err)
	}
	return st, nil
}

// Status is a read-only snapshot for the command surface.
type Status struct {
	RunningVersion  string            `json:"running_version" yaml:"running_version"`
	Target          string            `json:"target" yaml:"target"`
	Channel         string            `json:"channel" yaml:"channel"`
	State           state.UpdateState `json:"state" yaml:"-"`
	LockHeld        bool              `json:"lock_held" yaml:"lock_held"`
	LockOwner       *lock.Record      `json:"lock_owner,omitempty" yaml:"lock_owner,omitempty"`
	BackupAvailable bool              `json:"backup_available" yaml:"backup_available"`
	NextCheck       time.Time         `json:"next_check,omitempty" yaml:"next_check,omitempty"`
	// Supervisor is how a committed update gets restarted.
	Supervisor string `json:"supervisor" yaml:"supervisor"`
}

// Status reads state without taking the lock.
func (c *Coordinator) Status() (Status, error) {
	st, err := c.loadState()
	if err != nil {
		return Status{}, err
	}
	out := Status{
		RunningVersion:  c.cfg.CurrentVersion,
		Target:          string(c.cfg.Target),
		Channel:         st.Channel,
		State:           st,
		BackupAvailable: st.BackupPath != "" && fileExists(st.BackupPath),
		Supervisor:      string(supervisor.KindOf(c.cfg.Broker)),
	}
	if st.BackoffActive(c.now()) {
		out.NextCheck = st.DisabledUntilTime()
	}
	rec, live, err := lock.Inspect(c.cfg.LockPath)
	if err != nil {
		log.Debug("lock file unreadable", "path", c.cfg.LockPath, logging.KeyError, err)
	} else if live {
		out.LockHeld = true
		out.LockOwner = &rec
	}
	return out, nil
}

func sameVersion(a, b string) bool {
	if cmp, ok := release.CompareStrings(a, b); ok {
		return cmp == 0
	}
	return a == b
}
