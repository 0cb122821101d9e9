package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audetic/agent/internal/updater"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []updater.Options
	started chan updater.Options
	gate    chan struct{}
	report  func(updater.Options) *updater.Report
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan updater.Options, 16)}
}

func (r *fakeRunner) Run(ctx context.Context, opts updater.Options) (*updater.Report, error) {
	r.mu.Lock()
	r.calls = append(r.calls, opts)
	gate := r.gate
	r.mu.Unlock()
	r.started <- opts
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.report != nil {
		return r.report(opts), nil
	}
	return &updater.Report{Outcome: updater.OutcomeUpToDate, Source: opts.Source}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func startScheduler(t *testing.T, cfg Config, runner Runner) *Scheduler {
	t.Helper()
	s := New(cfg, runner)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func waitStarted(t *testing.T, r *fakeRunner) updater.Options {
	t.Helper()
	select {
	case opts := <-r.started:
		return opts
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not invoked")
		return updater.Options{}
	}
}

func TestScheduledTickRunsAsScheduler(t *testing.T) {
	r := newFakeRunner()
	startScheduler(t, Config{Interval: time.Hour, StartupDelay: time.Millisecond}, r)

	opts := waitStarted(t, r)
	assert.Equal(t, updater.SourceScheduler, opts.Source)
	assert.Equal(t, updater.ModeInstall, opts.Mode)
	assert.False(t, opts.Force)
	assert.False(t, opts.BypassActivity)
}

func TestManualTriggerReturnsResult(t *testing.T) {
	r := newFakeRunner()
	s := startScheduler(t, Config{Interval: time.Hour, StartupDelay: time.Hour}, r)

	ch, err := s.Trigger(context.Background(), Request{Force: true, Channel: "beta", CheckOnly: true})
	require.NoError(t, err)

	opts := waitStarted(t, r)
	assert.Equal(t, updater.SourceAPI, opts.Source)
	assert.Equal(t, updater.ModeCheckOnly, opts.Mode)
	assert.True(t, opts.Force)
	assert.Equal(t, "beta", opts.Channel)

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		assert.Equal(t, updater.OutcomeUpToDate, res.Report.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
	}

	require.Eventually(t, func() bool { return s.Last() != nil }, 5*time.Second, 5*time.Millisecond)
}

func TestBusyServiceDefersScheduledTickButNotTrigger(t *testing.T) {
	r := newFakeRunner()
	var busy atomic.Bool
	busy.Store(true)
	s := startScheduler(t, Config{
		Interval:     20 * time.Millisecond,
		StartupDelay: time.Millisecond,
		Busy:         busy.Load,
	}, r)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, r.callCount(), "busy service must defer scheduled runs")

	_, err := s.Trigger(context.Background(), Request{Source: updater.SourceCLI})
	require.NoError(t, err)
	opts := waitStarted(t, r)
	assert.False(t, opts.BypassActivity, "a trigger never bypasses activity implicitly")

	// Deferred, not dropped: the next tick after the service goes idle runs.
	busy.Store(false)
	opts = waitStarted(t, r)
	assert.Equal(t, updater.SourceScheduler, opts.Source)
}

func TestQuietHoursDeferScheduledTick(t *testing.T) {
	r := newFakeRunner()
	q, err := ParseQuietHours("22:00-07:00")
	require.NoError(t, err)
	night := time.Date(2025, 6, 1, 23, 30, 0, 0, time.Local)

	startScheduler(t, Config{
		Interval:     20 * time.Millisecond,
		StartupDelay: time.Millisecond,
		QuietHours:   q,
		Now:          func() time.Time { return night },
	}, r)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, r.callCount())
}

func TestTriggersCoalesceWhileRunQueued(t *testing.T) {
	r := newFakeRunner()
	r.gate = make(chan struct{})
	s := startScheduler(t, Config{Interval: time.Hour, StartupDelay: time.Hour}, r)

	first, err := s.Trigger(context.Background(), Request{})
	require.NoError(t, err)
	waitStarted(t, r)

	second, err := s.Trigger(context.Background(), Request{})
	require.NoError(t, err, "one run may wait behind the active one")

	_, err = s.Trigger(context.Background(), Request{})
	assert.True(t, errors.Is(err, ErrCoalesced))
	assert.Equal(t, 2, s.Queued(), "one running and one waiting")

	close(r.gate)
	for _, ch := range []<-chan Result{first, second} {
		select {
		case res := <-ch:
			require.NoError(t, res.Err)
		case <-time.After(5 * time.Second):
			t.Fatal("queued run never finished")
		}
	}
	assert.Equal(t, 2, r.callCount())
}

func TestDisabledSchedulerStillServesTriggers(t *testing.T) {
	r := newFakeRunner()
	s := startScheduler(t, Config{
		Interval:     10 * time.Millisecond,
		StartupDelay: time.Millisecond,
		Disabled:     true,
	}, r)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, r.callCount())

	ch, err := s.Trigger(context.Background(), Request{})
	require.NoError(t, err)
	res := <-ch
	require.NoError(t, res.Err)
	assert.Equal(t, 1, r.callCount())
}

func TestBackoffPostponesNextTick(t *testing.T) {
	r := newFakeRunner()
	now := time.Now()
	r.report = func(opts updater.Options) *updater.Report {
		return &updater.Report{Outcome: updater.OutcomeFailed, NextCheck: now.Add(time.Hour)}
	}
	startScheduler(t, Config{
		Interval:     20 * time.Millisecond,
		StartupDelay: time.Millisecond,
		Now:          func() time.Time { return now },
	}, r)

	waitStarted(t, r)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, r.callCount(), "no tick before the persisted backoff expires")
}

func TestTriggerHonorsContext(t *testing.T) {
	s := New(Config{Interval: time.Hour}, newFakeRunner())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Trigger(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled, "no loop is running to accept the trigger")
}

func TestNextDelayWithinJitter(t *testing.T) {
	s := New(Config{Interval: time.Hour, Jitter: 10 * time.Minute}, newFakeRunner())
	for i := 0; i < 200; i++ {
		d := s.nextDelay()
		if d < 50*time.Minute || d > 70*time.Minute {
			t.Fatalf("delay %s outside interval±jitter", d)
		}
	}
}

func TestJitterClampedToHalfInterval(t *testing.T) {
	s := New(Config{Interval: time.Hour, Jitter: 2 * time.Hour}, newFakeRunner())
	assert.Equal(t, 30*time.Minute, s.cfg.Jitter)
}

func TestQuietHours(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2025, 6, 1, h, m, 0, 0, time.Local) }

	wrap, err := ParseQuietHours("22:00-07:00")
	require.NoError(t, err)
	assert.True(t, wrap.Contains(at(23, 0)))
	assert.True(t, wrap.Contains(at(3, 15)))
	assert.False(t, wrap.Contains(at(7, 0)), "end is exclusive")
	assert.False(t, wrap.Contains(at(12, 0)))
	assert.Equal(t, "22:00-07:00", wrap.String())

	day, err := ParseQuietHours("09:30-17:00")
	require.NoError(t, err)
	assert.True(t, day.Contains(at(9, 30)))
	assert.False(t, day.Contains(at(17, 0)))
	assert.False(t, day.Contains(at(8, 0)))

	empty, err := ParseQuietHours("")
	require.NoError(t, err)
	assert.False(t, empty.Contains(at(3, 0)))

	same, err := ParseQuietHours("05:00-05:00")
	require.NoError(t, err)
	assert.False(t, same.Contains(at(5, 0)), "zero-length window never blocks")

	for _, bad := range []string{"22:00", "25:00-07:00", "22:60-07:00", "aa:bb-cc:dd"} {
		_, err := ParseQuietHours(bad)
		assert.Error(t, err, bad)
	}
}
