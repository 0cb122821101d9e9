package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/audetic/agent/internal/artifact"
	"github.com/audetic/agent/internal/audit"
	"github.com/audetic/agent/internal/lock"
	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/release"
	"github.com/audetic/agent/internal/state"
	"github.com/audetic/agent/internal/supervisor"
)

var log = logging.L("updater")

// Mode selects between a dry-run check and a full install.
type Mode string

const (
	ModeInstall   Mode = "install"
	ModeCheckOnly Mode = "check"
)

// Source tags where a run was triggered from. It only feeds logs, audit
// entries and the scheduled-run gates.
type Source string

const (
	SourceScheduler Source = "scheduler"
	SourceCLI       Source = "cli"
	SourceAPI       Source = "api"
	SourceStartup   Source = "startup"
)

// Outcome summarizes a run for the command surface.
type Outcome string

const (
	OutcomeIdle            Outcome = "idle"
	OutcomeUpToDate        Outcome = "up_to_date"
	OutcomeUpdateAvailable Outcome = "update_available"
	OutcomeInstalled       Outcome = "installed"
	OutcomeRestartPending  Outcome = "restart_pending"
	OutcomeDeferred        Outcome = "deferred"
	OutcomeDisabled        Outcome = "disabled"
	OutcomeUnsupported     Outcome = "unsupported"
	OutcomeContention      Outcome = "contention"
	OutcomeFailed          Outcome = "failed"
	OutcomeRolledBack      Outcome = "rolled_back"
	OutcomeCommitted       Outcome = "committed"
)

// Options parameterize a single run. Scheduled and manual triggers differ
// only in these fields.
type Options struct {
	Mode  Mode
	Force bool
	// Channel overrides and persists the channel. Empty keeps the stored one.
	Channel string
	Source  Source
	// BypassActivity lets an explicit operator request commit while the
	// service reports it is in use.
	BypassActivity bool
}

// Report is what a run hands back to the caller.
type Report struct {
	RunID           string            `json:"run_id"`
	Outcome         Outcome           `json:"outcome"`
	Phase           Phase             `json:"phase"`
	Source          Source            `json:"source,omitempty"`
	Channel         string            `json:"channel,omitempty"`
	CurrentVersion  string            `json:"current_version"`
	RemoteVersion   string            `json:"remote_version,omitempty"`
	NotesURL        string            `json:"notes_url,omitempty"`
	Message         string            `json:"message"`
	RestartRequired bool              `json:"restart_required"`
	State           state.UpdateState `json:"state"`
	// NextCheck is the earliest time a scheduled run may proceed, when a
	// backoff is in effect.
	NextCheck time.Time `json:"next_check,omitempty"`
}

// Config wires a Coordinator.
type Config struct {
	// CurrentVersion is the version of the running binary.
	CurrentVersion string
	Channel        string
	Target         release.Target
	// BinaryPath is the live executable that a commit replaces.
	BinaryPath string
	DataDir    string
	LockPath   string

	Resolver *release.Resolver
	Fetcher  *artifact.Fetcher
	Store    *state.Store
	Broker   supervisor.Broker
	Audit    *audit.Logger

	RestartOnSuccess bool
	CheckInterval    time.Duration
	BackoffCap       time.Duration
	FailureThreshold int
	KeepStaged       int
	HealthTimeout    time.Duration

	// Busy reports whether the service is mid-use and must not be restarted.
	Busy func() bool
	Now  func() time.Time
}

// Coordinator is the single entry point for checks, installs, health
// reconciliation and rollback. Every mutating operation holds the update lock.
type Coordinator struct {
	cfg   Config
	store *state.Store
}

func New(cfg Config) *Coordinator {
	if cfg.Channel == "" {
		cfg.Channel = release.DefaultChannel
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 6 * time.Hour
	}
	if cfg.BackoffCap < cfg.CheckInterval {
		cfg.BackoffCap = 24 * time.Hour
		if cfg.BackoffCap < cfg.CheckInterval {
			cfg.BackoffCap = cfg.CheckInterval
		}
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.KeepStaged < 1 {
		cfg.KeepStaged = 2
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 60 * time.Second
	}
	if cfg.Broker == nil {
		cfg.Broker = supervisor.NewManualBroker(cfg.DataDir)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{cfg: cfg, store: cfg.Store}
}

func (c *Coordinator) now() time.Time { return c.cfg.Now() }

// CurrentVersion is the version of the running binary.
func (c *Coordinator) CurrentVersion() string { return c.cfg.CurrentVersion }

func (c *Coordinator) defaultState() state.UpdateState {
	return state.Default(c.cfg.CurrentVersion, c.cfg.Channel)
}

func (c *Coordinator) loadState() (state.UpdateState, error) {
	st, err := c.store.Load(c.defaultState())
	if err != nil {
		return st, err
	}
	if st.Channel == "" {
		st.Channel = c.cfg.Channel
	}
	if st.CurrentVersion == "" {
		st.CurrentVersion = c.cfg.CurrentVersion
	}
	return st, nil
}

func (c *Coordinator) busy() bool {
	return c.cfg.Busy != nil && c.cfg.Busy()
}

// Run executes one check-and-install pass. A losing lock race is not an
// error: the report says contention and nothing else happens. Cancellation
// before the commit rename leaves the state file and live binary untouched.
func (c *Coordinator) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Mode == "" {
		opts.Mode = ModeInstall
	}
	if opts.Source == "" {
		opts.Source = SourceCLI
	}

	rep := &Report{
		RunID:          uuid.NewString(),
		Phase:          PhaseIdle,
		Source:         opts.Source,
		CurrentVersion: c.cfg.CurrentVersion,
	}
	ctx = logging.ContextWithRun(ctx, rep.RunID, string(opts.Source))
	logger := logging.FromContext(ctx, log)

	if c.cfg.Target == "" {
		rep.Outcome = OutcomeUnsupported
		rep.Message = "Auto-update not available on this platform"
		logger.Warn(rep.Message)
		return rep, nil
	}
	if opts.Channel != "" {
		if err := release.ValidateChannel(opts.Channel); err != nil {
			rep.Outcome = OutcomeFailed
			rep.Message = err.Error()
			return rep, fmt.Errorf("%w: %v", ErrPrecondition, err)
		}
	}

	l, err := c.acquire(string(opts.Source), rep.RunID)
	if errors.Is(err, lock.ErrContention) {
		rep.Outcome = OutcomeContention
		rep.Message = "Another update run is in progress"
		logger.Info("update run skipped, lock held", "lock", c.cfg.LockPath)
		return rep, nil
	}
	if err != nil {
		rep.Outcome = OutcomeFailed
		rep.Message = err.Error()
		return rep, phaseErr(PhaseChecking, err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.Warn("failed to release update lock", "error", err)
		}
	}()

	st, err := c.loadState()
	if err != nil {
		rep.Outcome = OutcomeFailed
		rep.Message = err.Error()
		return rep, phaseErr(PhaseChecking, err)
	}
	rep.State = st

	return c.run(ctx, logger, rep, st, opts)
}

func (c *Coordinator) run(ctx context.Context, logger *slog.Logger, rep *Report, st state.UpdateState, opts Options) (*Report, error) {
	now := c.now()
	channel := st.Channel
	if opts.Channel != "" {
		channel = opts.Channel
	}
	rep.Channel = channel

	scheduled := opts.Source == SourceScheduler && !opts.Force
	if scheduled && !st.AutoUpdate {
		rep.Outcome = OutcomeDisabled
		rep.Phase = PhaseDisabled
		rep.Message = "Auto-update disabled. Enable it to install new versions."
		logger.Debug("scheduled run skipped, auto-update disabled")
		return rep, nil
	}
	if scheduled && st.BackoffActive(now) {
		rep.Outcome = OutcomeDeferred
		rep.NextCheck = st.DisabledUntilTime()
		rep.Message = fmt.Sprintf("Backing off after %d failed attempts until %s", st.TransientFailures, rep.NextCheck.Format(time.RFC3339))
		logger.Debug("scheduled run skipped, backoff active", "until", rep.NextCheck)
		return rep, nil
	}
	if opts.Mode == ModeInstall && st.Pending != nil {
		rep.Outcome = OutcomeRestartPending
		rep.Phase = PhaseHealthChecking
		rep.RemoteVersion = st.Pending.Version
		rep.RestartRequired = true
		rep.Message = fmt.Sprintf("Update to %s is installed and waiting for a restart", st.Pending.Version)
		return rep, nil
	}

	// Checking
	rep.Phase = PhaseChecking
	current, curErr := release.ParseVersion(c.cfg.CurrentVersion)
	logger.Info("checking for update", logging.KeyPhase, PhaseChecking, "channel", channel, "current", c.cfg.CurrentVersion)

	wantManifest := opts.Force && opts.Mode == ModeInstall
	res, err := c.cfg.Resolver.Resolve(ctx, channel, current, wantManifest)
	if err == nil && curErr != nil && !opts.Force {
		// An unparseable running version never triggers an unforced install.
		logger.Warn("unable to compare versions", "remote", res.Remote.String(), "local", c.cfg.CurrentVersion)
		res.NeedsUpdate = false
	}
	if err != nil {
		return c.fail(ctx, logger, rep, st, PhaseChecking, err)
	}

	rep.RemoteVersion = res.Remote.String()
	st.Channel = channel
	st.LastCheck = now.Unix()
	st.LastKnownRemote = rep.RemoteVersion
	st.LastError = ""
	c.cfg.Audit.Log(audit.EventUpdateCheck, rep.RunID, map[string]any{
		"source":      string(opts.Source),
		"channel":     channel,
		"current":     c.cfg.CurrentVersion,
		"remote":      rep.RemoteVersion,
		"needsUpdate": res.NeedsUpdate,
	})

	if opts.Mode == ModeCheckOnly {
		if res.Manifest != nil {
			rep.NotesURL = res.Manifest.NotesURL
		}
		if err := c.save(&st, rep); err != nil {
			return rep, phaseErr(PhaseChecking, err)
		}
		rep.Phase = PhaseIdle
		if res.NeedsUpdate {
			rep.Outcome = OutcomeUpdateAvailable
			rep.Message = fmt.Sprintf("Update available: %s -> %s", c.cfg.CurrentVersion, rep.RemoteVersion)
		} else {
			rep.Outcome = OutcomeUpToDate
			rep.Message = fmt.Sprintf("Already running the latest version (%s)", c.cfg.CurrentVersion)
		}
		return rep, nil
	}

	if !res.NeedsUpdate && !opts.Force {
		st.TransientFailures = 0
		st.DisabledUntil = 0
		if err := c.save(&st, rep); err != nil {
			return rep, phaseErr(PhaseChecking, err)
		}
		rep.Phase = PhaseIdle
		rep.Outcome = OutcomeUpToDate
		rep.Message = fmt.Sprintf("Already running the latest version (%s)", c.cfg.CurrentVersion)
		logger.Info("already up to date", "version", c.cfg.CurrentVersion)
		return rep, nil
	}

	if !st.AutoUpdate && !opts.Force {
		if err := c.save(&st, rep); err != nil {
			return rep, phaseErr(PhaseChecking, err)
		}
		rep.Phase = PhaseDisabled
		rep.Outcome = OutcomeDisabled
		rep.Message = "Auto-update disabled. Enable it to install new versions."
		return rep, nil
	}

	if res.Manifest == nil {
		m, err := c.cfg.Resolver.Manifest(ctx, res.Remote)
		if err != nil {
			return c.fail(ctx, logger, rep, st, PhaseChecking, err)
		}
		res.Manifest = m
	}
	rep.NotesURL = res.Manifest.NotesURL

	entry, err := res.Manifest.Entry(c.cfg.Target)
	if err != nil {
		return c.fail(ctx, logger, rep, st, PhaseChecking, err)
	}

	// Downloading / Verifying
	rep.Phase = PhaseDownloading
	logger.Info("downloading update", logging.KeyPhase, PhaseDownloading, logging.KeyVersion, rep.RemoteVersion, "archive", entry.Archive)
	staged, err := c.cfg.Fetcher.Fetch(ctx, artifact.Request{
		Version: res.Remote,
		Target:  c.cfg.Target,
		Entry:   entry,
		Force:   opts.Force,
	})
	if err != nil {
		phase := PhaseDownloading
		if IsIntegrity(err) {
			phase = PhaseVerifying
		}
		return c.fail(ctx, logger, rep, st, phase, err)
	}

	rep.Phase = PhaseStaged
	c.cfg.Audit.Log(audit.EventUpdateStaged, rep.RunID, map[string]any{
		"version":          staged.Version,
		"target":           staged.Target,
		"sha256":           staged.SHA256,
		"reused":           staged.Reused,
		"signatureSkipped": staged.SignatureSkipped,
	})

	if c.busy() && !opts.BypassActivity {
		if err := c.save(&st, rep); err != nil {
			return rep, phaseErr(PhaseStaged, err)
		}
		rep.Outcome = OutcomeDeferred
		rep.Message = fmt.Sprintf("Update to %s staged; waiting until the service is idle", staged.Version)
		logger.Info("commit deferred, service busy", logging.KeyVersion, staged.Version)
		return rep, nil
	}

	if err := ctx.Err(); err != nil {
		rep.Outcome = OutcomeFailed
		rep.Message = err.Error()
		return rep, phaseErr(PhaseStaged, err)
	}

	// Committing
	rep.Phase = PhaseCommitting
	previous := st.CurrentVersion
	if previous == "" {
		previous = c.cfg.CurrentVersion
	}
	if err := c.commit(&st, staged, c.cfg.CurrentVersion); err != nil {
		rep.Outcome = OutcomeFailed
		rep.Message = err.Error()
		rep.State = st
		logger.Error("commit failed", logging.KeyPhase, PhaseCommitting, logging.KeyVersion, staged.Version, logging.KeyError, err)
		c.cfg.Audit.Log(audit.EventUpdateFailed, rep.RunID, map[string]any{
			"phase":   string(PhaseCommitting),
			"version": staged.Version,
			"error":   err.Error(),
		})
		return rep, phaseErr(PhaseCommitting, err)
	}

	st.TransientFailures = 0
	st.DisabledUntil = 0
	if err := c.save(&st, rep); err != nil {
		// The rename is done; the pending marker was already persisted.
		logger.Warn("failed to persist post-commit state", logging.KeyError, err)
	}
	c.cfg.Audit.Log(audit.EventUpdateCommitted, rep.RunID, map[string]any{
		"from":   previous,
		"to":     staged.Version,
		"backup": st.BackupPath,
	})
	logger.Info("update committed", logging.KeyPhase, PhaseCommitting, "from", previous, "to", staged.Version)

	if err := c.cfg.Fetcher.Prune(c.cfg.KeepStaged, staged.Version); err != nil {
		logger.Warn("failed to prune staging dirs", logging.KeyError, err)
	}

	// HealthChecking starts in the restarted process.
	rep.Phase = PhaseHealthChecking
	rep.RestartRequired = true
	if c.requestRestart(ctx, logger, staged.Version) {
		rep.Outcome = OutcomeInstalled
		rep.Message = fmt.Sprintf("Update to %s installed; restarting", staged.Version)
	} else {
		rep.Outcome = OutcomeRestartPending
		rep.Message = fmt.Sprintf("Update to %s installed. Restart audetic to apply it.", staged.Version)
	}
	return rep, nil
}

// requestRestart asks the broker for a supervised restart. When that is
// disabled or unavailable it leaves a pending-apply flag and returns false.
func (c *Coordinator) requestRestart(ctx context.Context, logger *slog.Logger, version string) bool {
	if c.cfg.RestartOnSuccess {
		err := c.cfg.Broker.RequestRestart(ctx)
		if err == nil {
			logger.Info("restart requested", logging.KeyVersion, version)
			return true
		}
		if !errors.Is(err, supervisor.ErrUnsupervised) {
			logger.Warn("supervised restart failed, leaving restart to the operator", logging.KeyError, err)
		}
	}
	if err := c.cfg.Broker.MarkPendingApply(version); err != nil {
		logger.Warn("failed to write pending-apply flag", logging.KeyError, err)
	}
	return false
}

// fail records a failed run. Transient and integrity failures extend the
// backoff; cancellation leaves the state file alone.
func (c *Coordinator) fail(ctx context.Context, logger *slog.Logger, rep *Report, st state.UpdateState, phase Phase, err error) (*Report, error) {
	rep.Outcome = OutcomeFailed
	rep.Phase = phase
	rep.Message = err.Error()

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		logger.Info("update run cancelled", logging.KeyPhase, phase)
		return rep, phaseErr(phase, err)
	}

	st.LastError = err.Error()
	if IsTransient(err) || IsIntegrity(err) {
		st.TransientFailures++
		delay := backoffDelay(c.cfg.CheckInterval, c.cfg.BackoffCap, st.TransientFailures)
		st.DisabledUntil = c.now().Add(delay).Unix()
		rep.NextCheck = st.DisabledUntilTime()
	}
	logger.Warn("update run failed",
		logging.KeyPhase, phase,
		logging.KeyError, err,
		"transientFailures", st.TransientFailures,
		"retryAfter", rep.NextCheck,
	)
	c.cfg.Audit.Log(audit.EventUpdateFailed, rep.RunID, map[string]any{
		"phase":  string(phase),
		"remote": rep.RemoteVersion,
		"error":  err.Error(),
	})

	if saveErr := c.save(&st, rep); saveErr != nil {
		err = errors.Join(err, saveErr)
	}
	return rep, phaseErr(phase, err)
}

func (c *Coordinator) save(st *state.UpdateState, rep *Report) error {
	rep.State = *st
	if err := c.store.Save(*st); err != nil {
		return fmt.Errorf("save update state: %w", err)
	}
	return nil
}
