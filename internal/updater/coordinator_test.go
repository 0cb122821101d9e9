package updater

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audetic/agent/internal/artifact"
	"github.com/audetic/agent/internal/audit"
	"github.com/audetic/agent/internal/httputil"
	"github.com/audetic/agent/internal/lock"
	"github.com/audetic/agent/internal/release"
	"github.com/audetic/agent/internal/release/releasetest"
	"github.com/audetic/agent/internal/state"
	"github.com/audetic/agent/internal/supervisor"
)

const testTarget = release.Target("linux-x86_64-gnu")

const oldBinary = "#!/bin/sh\necho audetic 1.2.0\n"

type fakeBroker struct {
	mu         sync.Mutex
	restarts   int
	pending    []string
	restartErr error
}

func (b *fakeBroker) RequestRestart(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restarts++
	return b.restartErr
}

func (b *fakeBroker) MarkPendingApply(version string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, version)
	return nil
}

func (b *fakeBroker) counts() (int, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restarts, append([]string(nil), b.pending...)
}

type fixture struct {
	t       *testing.T
	srv     *releasetest.Server
	root    string
	binPath string
	broker  *fakeBroker
	store   *state.Store
	audit   *audit.Logger
	now     time.Time
	busy    atomic.Bool

	restartOnSuccess bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	binPath := filepath.Join(binDir, "audetic")
	require.NoError(t, os.WriteFile(binPath, []byte(oldBinary), 0o755))

	auditLog, err := audit.NewLogger(filepath.Join(root, "data", "update-audit.jsonl"), 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	return &fixture{
		t:                t,
		srv:              releasetest.NewServer(t),
		root:             root,
		binPath:          binPath,
		broker:           &fakeBroker{},
		store:            state.NewStore(filepath.Join(root, "config", "update_state.json")),
		audit:            auditLog,
		now:              time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		restartOnSuccess: true,
	}
}

// coordinator builds the engine as a process running version would.
func (f *fixture) coordinator(version string) *Coordinator {
	client := httputil.NewClient(5*time.Second, "audetic-updater/"+version)
	client.Retry = httputil.NoRetry()
	resolver := release.NewResolver(f.srv.URL, client)
	dataDir := filepath.Join(f.root, "data")

	return New(Config{
		CurrentVersion: version,
		Channel:        release.DefaultChannel,
		Target:         testTarget,
		BinaryPath:     f.binPath,
		DataDir:        dataDir,
		LockPath:       filepath.Join(dataDir, "update.lock"),
		Resolver:       resolver,
		Fetcher: artifact.New(artifact.Config{
			UpdatesDir: filepath.Join(dataDir, "updates"),
			Resolver:   resolver,
			BinaryName: "audetic",
		}),
		Store:            f.store,
		Broker:           f.broker,
		Audit:            f.audit,
		RestartOnSuccess: f.restartOnSuccess,
		CheckInterval:    time.Hour,
		BackoffCap:       24 * time.Hour,
		FailureThreshold: 3,
		HealthTimeout:    time.Second,
		Busy:             f.busy.Load,
		Now:              func() time.Time { return f.now },
	})
}

func binaryBody(version string) string {
	return "#!/bin/sh\necho audetic " + version + "\n"
}

// publish releases version on the stable channel with a correct digest.
func (f *fixture) publish(version string, mutate func(*releasetest.Artifact)) {
	a := releasetest.Artifact{
		Archive: "audetic-" + version + "-" + string(testTarget) + ".tar.gz",
		Body:    releasetest.ReleaseArchive(f.t, "audetic", binaryBody(version)),
	}
	if mutate != nil {
		mutate(&a)
	}
	f.srv.Publish(version, string(testTarget), a)
	f.srv.SetPointer("stable", version)
}

func (f *fixture) liveBody() string {
	f.t.Helper()
	data, err := os.ReadFile(f.binPath)
	require.NoError(f.t, err)
	return string(data)
}

func (f *fixture) state() state.UpdateState {
	f.t.Helper()
	st, err := f.store.Load(state.Default("", ""))
	require.NoError(f.t, err)
	return st
}

func (f *fixture) backups() []string {
	f.t.Helper()
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(f.binPath), "*.bak"))
	require.NoError(f.t, err)
	return matches
}

func passSelfTest(context.Context) error { return nil }

func failSelfTest(context.Context) error { return errors.New("audio subsystem failed to initialize") }

func TestEndToEndInstallCommitsAfterHealthCheck(t *testing.T) {
	f := newFixture(t)
	seed := state.Default("1.2.0", "stable")
	seed.FailureCount = 2
	require.NoError(t, f.store.Save(seed))
	f.publish("1.3.0", nil)

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceCLI})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInstalled, rep.Outcome)
	assert.Equal(t, PhaseHealthChecking, rep.Phase)
	assert.Equal(t, "1.3.0", rep.RemoteVersion)
	assert.True(t, rep.RestartRequired)

	restarts, _ := f.broker.counts()
	assert.Equal(t, 1, restarts)
	assert.Equal(t, binaryBody("1.3.0"), f.liveBody())

	st := f.state()
	require.NotNil(t, st.Pending)
	assert.Equal(t, "1.3.0", st.Pending.Version)
	assert.Equal(t, "1.2.0", st.Pending.PreviousVersion)
	assert.Equal(t, "1.2.0", st.CurrentVersion, "current_version changes only after the health check")

	backup, err := os.ReadFile(filepath.Join(filepath.Dir(f.binPath), "audetic-1.2.0.bak"))
	require.NoError(t, err)
	assert.Equal(t, oldBinary, string(backup))

	// The supervisor restarts the process; the new binary reconciles.
	rep, err = f.coordinator("1.3.0").Reconcile(context.Background(), passSelfTest)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, rep.Outcome)
	assert.Equal(t, PhaseCommitted, rep.Phase)

	st = f.state()
	assert.Equal(t, "1.3.0", st.CurrentVersion)
	assert.Equal(t, "1.3.0", st.LastSuccessVersion)
	assert.Equal(t, 0, st.FailureCount)
	assert.Nil(t, st.Pending)

	require.NoError(t, audit.Verify(f.audit.Path()))
	entries, err := audit.ReadEntries(f.audit.Path())
	require.NoError(t, err)
	var events []string
	for _, e := range entries {
		events = append(events, e.EventType)
	}
	assert.Contains(t, events, audit.EventUpdateCommitted)
	assert.Contains(t, events, audit.EventHealthPassed)
}

func TestEndToEndWrongChecksumLeavesInstallUntouched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(state.Default("1.2.0", "stable")))
	f.publish("1.3.0", func(a *releasetest.Artifact) {
		a.SHA256 = strings.Repeat("0", 64)
	})

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceCLI})
	require.Error(t, err)
	assert.ErrorIs(t, err, artifact.ErrChecksumMismatch)
	assert.Equal(t, PhaseVerifying, PhaseOf(err))
	assert.Equal(t, OutcomeFailed, rep.Outcome)

	st := f.state()
	assert.Equal(t, "1.2.0", st.CurrentVersion)
	assert.Nil(t, st.Pending)
	assert.Equal(t, 1, st.TransientFailures)
	assert.Equal(t, f.now.Add(time.Hour).Unix(), st.DisabledUntil)

	assert.Equal(t, oldBinary, f.liveBody())
	assert.Empty(t, f.backups(), "no backup binary may be created")
	restarts, pending := f.broker.counts()
	assert.Zero(t, restarts)
	assert.Empty(t, pending)
}

func TestRunIsIdempotentWhenUpToDate(t *testing.T) {
	f := newFixture(t)
	f.publish("1.2.0", nil)
	c := f.coordinator("1.2.0")

	for i := 0; i < 2; i++ {
		rep, err := c.Run(context.Background(), Options{Source: SourceScheduler})
		require.NoError(t, err)
		assert.Equal(t, OutcomeUpToDate, rep.Outcome)
		assert.Equal(t, i+1, f.srv.Hits("/cli/version"), "one pointer fetch per invocation")
	}
	assert.Zero(t, f.srv.ArchiveHits())
	assert.Zero(t, f.srv.Hits("/cli/releases/1.2.0/manifest.json"))
	assert.Equal(t, oldBinary, f.liveBody())
}

func TestConcurrentTriggersYieldOneRun(t *testing.T) {
	f := newFixture(t)
	f.publish("1.2.0", nil)
	entered, unblock := f.srv.Hold("/cli/version")
	defer unblock()

	c := f.coordinator("1.2.0")
	type result struct {
		rep *Report
		err error
	}
	first := make(chan result, 1)
	go func() {
		rep, err := c.Run(context.Background(), Options{Source: SourceCLI})
		first <- result{rep, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the version pointer")
	}

	rep, err := c.Run(context.Background(), Options{Source: SourceScheduler})
	require.NoError(t, err, "contention is not an error")
	assert.Equal(t, OutcomeContention, rep.Outcome)

	unblock()
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeUpToDate, res.rep.Outcome)
	assert.Equal(t, 1, f.srv.Hits("/cli/version"))
}

func TestRunNoopsWhileLockHeld(t *testing.T) {
	f := newFixture(t)
	f.publish("1.3.0", nil)
	c := f.coordinator("1.2.0")

	held, err := lock.Acquire(c.cfg.LockPath, "test")
	require.NoError(t, err)
	defer held.Release()

	for _, src := range []Source{SourceCLI, SourceScheduler} {
		rep, err := c.Run(context.Background(), Options{Source: src, Force: true})
		require.NoError(t, err)
		assert.Equal(t, OutcomeContention, rep.Outcome)
	}
	assert.Zero(t, f.srv.Hits("/cli/version"))
	_, statErr := os.Stat(f.store.Path())
	assert.True(t, os.IsNotExist(statErr), "contention must not touch the state file")
}

func TestFailedHealthChecksRollBackAndDisable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(state.Default("1.2.0", "stable")))
	f.publish("1.3.0", nil)

	for i := 1; i <= 3; i++ {
		rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceScheduler})
		require.NoError(t, err, "attempt %d", i)
		require.Equal(t, OutcomeInstalled, rep.Outcome, "attempt %d", i)
		require.Equal(t, binaryBody("1.3.0"), f.liveBody())

		rep, err = f.coordinator("1.3.0").Reconcile(context.Background(), failSelfTest)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHealthCheck)
		assert.Equal(t, OutcomeRolledBack, rep.Outcome)
		assert.True(t, rep.RestartRequired)

		st := f.state()
		assert.Equal(t, i, st.FailureCount)
		assert.Equal(t, "1.2.0", st.CurrentVersion)
		assert.Nil(t, st.Pending)
		assert.Equal(t, oldBinary, f.liveBody(), "prior binary restored")
		assert.Equal(t, i < 3, st.AutoUpdate, "attempt %d", i)
	}
	assert.Equal(t, 1, f.srv.ArchiveHits(), "the staged artifact is reused across attempts")

	pointerHits := f.srv.Hits("/cli/version")
	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisabled, rep.Outcome)
	assert.Equal(t, pointerHits, f.srv.Hits("/cli/version"), "disabled scheduled runs do no work")

	st, err := f.coordinator("1.2.0").SetAutoUpdate(true)
	require.NoError(t, err)
	assert.True(t, st.AutoUpdate)
	assert.Zero(t, st.FailureCount)

	rep, err = f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInstalled, rep.Outcome)
}

func TestReconcileWhenNewBinaryNeverCameUp(t *testing.T) {
	f := newFixture(t)
	f.publish("1.3.0", nil)
	_, err := f.coordinator("1.2.0").Run(context.Background(), Options{})
	require.NoError(t, err)
	restartsBefore, _ := f.broker.counts()

	// The old image started again instead of the new one.
	rep, err := f.coordinator("1.2.0").Reconcile(context.Background(), passSelfTest)
	require.ErrorIs(t, err, ErrHealthCheck)
	assert.Equal(t, OutcomeRolledBack, rep.Outcome)
	assert.False(t, rep.RestartRequired)
	assert.Equal(t, oldBinary, f.liveBody())
	assert.Equal(t, 1, f.state().FailureCount)

	restarts, _ := f.broker.counts()
	assert.Equal(t, restartsBefore, restarts)
}

func TestReconcileWaitsOutConcurrentRun(t *testing.T) {
	f := newFixture(t)
	f.publish("1.3.0", nil)
	_, err := f.coordinator("1.2.0").Run(context.Background(), Options{})
	require.NoError(t, err)

	c := f.coordinator("1.3.0")
	held, err := lock.Acquire(c.cfg.LockPath, string(SourceCLI))
	require.NoError(t, err)
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = held.Release()
	}()

	rep, err := c.Reconcile(context.Background(), failSelfTest)
	require.ErrorIs(t, err, ErrHealthCheck)
	assert.Equal(t, OutcomeRolledBack, rep.Outcome)

	st := f.state()
	assert.Nil(t, st.Pending)
	assert.Equal(t, 1, st.FailureCount)
	assert.Equal(t, oldBinary, f.liveBody(), "the failing binary must not stay live")
}

func TestReconcileReportsLockNeverFreed(t *testing.T) {
	f := newFixture(t)
	f.publish("1.3.0", nil)
	_, err := f.coordinator("1.2.0").Run(context.Background(), Options{})
	require.NoError(t, err)

	c := f.coordinator("1.3.0")
	held, err := lock.Acquire(c.cfg.LockPath, string(SourceCLI))
	require.NoError(t, err)
	defer held.Release()

	rep, err := c.Reconcile(context.Background(), passSelfTest)
	require.ErrorIs(t, err, lock.ErrContention)
	assert.Equal(t, OutcomeContention, rep.Outcome)
	assert.Equal(t, PhaseHealthChecking, PhaseOf(err))
	assert.NotNil(t, f.state().Pending, "the swap is still awaiting its verdict")
}

func TestStaleLockReclaimIsAudited(t *testing.T) {
	f := newFixture(t)
	f.publish("1.2.0", nil)
	c := f.coordinator("1.2.0")

	require.NoError(t, os.MkdirAll(filepath.Dir(c.cfg.LockPath), 0o755))
	require.NoError(t, os.WriteFile(c.cfg.LockPath,
		[]byte(`{"pid":1073741824,"token":"crashed","trigger":"scheduler"}`), 0o644))

	rep, err := c.Run(context.Background(), Options{Source: SourceCLI, Mode: ModeCheckOnly})
	require.NoError(t, err)

	entries, err := audit.ReadEntries(f.audit.Path())
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.EventType == audit.EventLockReclaimed {
			found = true
			assert.Equal(t, rep.RunID, e.RunID)
			assert.Equal(t, "scheduler", e.Details["trigger"])
		}
	}
	assert.True(t, found, "reclaiming a dead run's lock is recorded")
}

func TestReconcileWithoutPendingRecordsRunningVersion(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(state.Default("1.1.0", "beta")))

	rep, err := f.coordinator("1.2.0").Reconcile(context.Background(), failSelfTest)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, rep.Outcome)

	st := f.state()
	assert.Equal(t, "1.2.0", st.CurrentVersion)
	assert.Equal(t, "beta", st.Channel)
}

func TestTransientFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	f.publish("1.2.0", nil)
	c := f.coordinator("1.2.0")

	f.srv.FailNext("/cli/version", 2)
	_, err := c.Run(context.Background(), Options{Source: SourceScheduler})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, PhaseChecking, PhaseOf(err))
	assert.Equal(t, f.now.Add(time.Hour).Unix(), f.state().DisabledUntil)

	// Scheduled runs wait out the backoff without touching the network.
	rep, err := c.Run(context.Background(), Options{Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, rep.Outcome)
	assert.True(t, rep.NextCheck.Equal(f.now.Add(time.Hour)), "NextCheck = %s", rep.NextCheck)
	assert.Equal(t, 1, f.srv.Hits("/cli/version"))

	// A manual trigger is not gated and doubles the backoff when it fails.
	_, err = c.Run(context.Background(), Options{Source: SourceCLI})
	require.Error(t, err)
	st := f.state()
	assert.Equal(t, 2, st.TransientFailures)
	assert.Equal(t, f.now.Add(2*time.Hour).Unix(), st.DisabledUntil)

	// Success resets.
	rep, err = c.Run(context.Background(), Options{Source: SourceCLI})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpToDate, rep.Outcome)
	st = f.state()
	assert.Zero(t, st.TransientFailures)
	assert.Zero(t, st.DisabledUntil)
	assert.Empty(t, st.LastError)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Hour},
		{2, 2 * time.Hour},
		{3, 4 * time.Hour},
		{5, 16 * time.Hour},
		{6, 24 * time.Hour},
		{100, 24 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(time.Hour, 24*time.Hour, tt.failures), "failures=%d", tt.failures)
	}
}

func TestUnparseableRemoteIsCheckingFailure(t *testing.T) {
	f := newFixture(t)
	f.srv.SetPointer("stable", "not-a-version")

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{})
	require.ErrorIs(t, err, release.ErrParse)
	assert.Equal(t, PhaseChecking, PhaseOf(err))
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Equal(t, 1, f.state().TransientFailures)
}

func TestCheckOnlyNeverDownloads(t *testing.T) {
	f := newFixture(t)
	f.publish("1.3.0", nil)

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{Mode: ModeCheckOnly})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdateAvailable, rep.Outcome)
	assert.Equal(t, "1.3.0", rep.RemoteVersion)
	assert.Zero(t, f.srv.ArchiveHits())
	assert.Equal(t, oldBinary, f.liveBody())

	st := f.state()
	assert.Equal(t, "1.3.0", st.LastKnownRemote)
	assert.Equal(t, f.now.Unix(), st.LastCheck)
}

func TestChannelOverrideIsPersisted(t *testing.T) {
	f := newFixture(t)
	f.srv.SetPointer("beta", "1.2.0")

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{Mode: ModeCheckOnly, Channel: "beta"})
	require.NoError(t, err)
	assert.Equal(t, "beta", rep.Channel)
	assert.Equal(t, 1, f.srv.Hits("/cli/version-beta"))
	assert.Equal(t, "beta", f.state().Channel)

	_, err = f.coordinator("1.2.0").Run(context.Background(), Options{Mode: ModeCheckOnly, Channel: "../x"})
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestBusyServiceDefersCommit(t *testing.T) {
	f := newFixture(t)
	f.publish("1.3.0", nil)
	f.busy.Store(true)

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, rep.Outcome)
	assert.Equal(t, PhaseStaged, rep.Phase)
	assert.Equal(t, oldBinary, f.liveBody())
	assert.Empty(t, f.backups())

	rep, err = f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceCLI, BypassActivity: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInstalled, rep.Outcome)
	assert.Equal(t, 1, f.srv.ArchiveHits(), "staged artifact reused")
}

func TestRestartSuppressedMarksPendingApply(t *testing.T) {
	f := newFixture(t)
	f.restartOnSuccess = false
	f.publish("1.3.0", nil)

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestartPending, rep.Outcome)
	restarts, pending := f.broker.counts()
	assert.Zero(t, restarts)
	assert.Equal(t, []string{"1.3.0"}, pending)

	// The old process keeps running; further triggers wait for the restart.
	rep, err = f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestartPending, rep.Outcome)
	assert.Equal(t, 1, f.srv.ArchiveHits())
}

func TestUnsupervisedRestartFallsBackToPendingApply(t *testing.T) {
	f := newFixture(t)
	f.broker.restartErr = supervisor.ErrUnsupervised
	f.publish("1.3.0", nil)

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestartPending, rep.Outcome)
	_, pending := f.broker.counts()
	assert.Equal(t, []string{"1.3.0"}, pending)
}

func TestDisabledAutoUpdate(t *testing.T) {
	f := newFixture(t)
	seed := state.Default("1.2.0", "stable")
	seed.AutoUpdate = false
	require.NoError(t, f.store.Save(seed))
	f.publish("1.3.0", nil)

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceScheduler})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisabled, rep.Outcome)
	assert.Zero(t, f.srv.Hits("/cli/version"))

	rep, err = f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceCLI})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisabled, rep.Outcome)
	assert.Equal(t, "1.3.0", rep.RemoteVersion)
	assert.Zero(t, f.srv.ArchiveHits())

	rep, err = f.coordinator("1.2.0").Run(context.Background(), Options{Source: SourceCLI, Force: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInstalled, rep.Outcome)
}

func TestForcedReinstallOfSameVersion(t *testing.T) {
	f := newFixture(t)
	f.publish("1.2.0", nil)

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInstalled, rep.Outcome)
	assert.Equal(t, binaryBody("1.2.0"), f.liveBody())
}

func TestUnsupportedTarget(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator("1.2.0")
	c.cfg.Target = ""

	rep, err := c.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnsupported, rep.Outcome)
	assert.Zero(t, f.srv.Hits("/cli/version"))
}

func TestCancelledRunLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	f.publish("1.3.0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coordinator("1.2.0").Run(ctx, Options{})
	require.Error(t, err)
	_, statErr := os.Stat(f.store.Path())
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, oldBinary, f.liveBody())
}

func TestRenameFailureNeedsManualIntervention(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(state.Default("1.2.0", "stable")))
	f.publish("1.3.0", nil)

	orig := replaceLive
	replaceLive = func(string, string) error { return errors.New("read-only file system") }
	t.Cleanup(func() { replaceLive = orig })

	rep, err := f.coordinator("1.2.0").Run(context.Background(), Options{})
	require.ErrorIs(t, err, ErrManualIntervention)
	assert.Equal(t, PhaseCommitting, PhaseOf(err))
	assert.Equal(t, OutcomeFailed, rep.Outcome)

	assert.Equal(t, oldBinary, f.liveBody())
	st := f.state()
	assert.Nil(t, st.Pending, "pending marker cleared when the rename never happened")
	assert.Equal(t, "1.2.0", st.CurrentVersion)

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(f.binPath), "*.tmp"))
	assert.Empty(t, leftovers)
	assert.Empty(t, f.backups())
}

func TestExplicitRollback(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator("1.2.0")

	_, err := c.Rollback(context.Background())
	require.ErrorIs(t, err, ErrPrecondition)

	f.publish("1.3.0", nil)
	_, err = c.Run(context.Background(), Options{})
	require.NoError(t, err)
	_, err = f.coordinator("1.3.0").Reconcile(context.Background(), passSelfTest)
	require.NoError(t, err)

	rep, err := f.coordinator("1.3.0").Rollback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRolledBack, rep.Outcome)
	assert.Equal(t, "1.2.0", rep.RemoteVersion)
	assert.Equal(t, oldBinary, f.liveBody())

	st := f.state()
	assert.Equal(t, "1.2.0", st.CurrentVersion)
	assert.Empty(t, st.BackupPath)

	_, err = f.coordinator("1.2.0").Rollback(context.Background())
	assert.ErrorIs(t, err, ErrPrecondition, "the backup is consumed by a rollback")
}

func TestSetChannelAndStatus(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator("1.2.0")

	st, err := c.SetChannel("beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", st.Channel)

	_, err = c.SetChannel("Not A Channel")
	assert.ErrorIs(t, err, ErrPrecondition)

	status, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "beta", status.Channel)
	assert.Equal(t, "1.2.0", status.RunningVersion)
	assert.Equal(t, string(testTarget), status.Target)
	assert.False(t, status.LockHeld)
	assert.False(t, status.BackupAvailable)
	assert.Equal(t, "manual", status.Supervisor, "brokers without a kind restart manually")

	held, err := lock.Acquire(c.cfg.LockPath, "test")
	require.NoError(t, err)
	defer held.Release()

	status, err = c.Status()
	require.NoError(t, err)
	assert.True(t, status.LockHeld)
	require.NotNil(t, status.LockOwner)
	assert.Equal(t, "test", status.LockOwner.Trigger)

	_, err = c.SetAutoUpdate(false)
	assert.ErrorIs(t, err, lock.ErrContention)
}
