package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/updater"
	"github.com/audetic/agent/internal/workerpool"
)

var log = logging.L("scheduler")

// ErrCoalesced is returned by Trigger when a run is already queued.
var ErrCoalesced = errors.New("an update run is already queued")

const drainTimeout = 10 * time.Second

// Runner is the single install entry point every trigger goes through.
type Runner interface {
	Run(ctx context.Context, opts updater.Options) (*updater.Report, error)
}

// Config controls background polling.
type Config struct {
	Interval time.Duration
	// Jitter spreads ticks uniformly over Interval±Jitter.
	Jitter time.Duration
	// StartupDelay is the wait before the first scheduled check.
	StartupDelay time.Duration
	QuietHours   QuietHours
	// Busy is the activity predicate. A busy service defers scheduled runs.
	Busy func() bool
	// Disabled stops timed checks. Triggers still run.
	Disabled bool
	Now      func() time.Time
}

// Request is a manual trigger.
type Request struct {
	Force          bool
	BypassActivity bool
	CheckOnly      bool
	Channel        string
	Source         updater.Source
}

// Result is delivered once a triggered run finishes.
type Result struct {
	Report *updater.Report
	Err    error
}

type job struct {
	opts     updater.Options
	reply    chan Result
	accepted chan bool
}

// Scheduler wakes on a jittered interval or on Trigger and hands runs to a
// single-worker pool, so the loop never blocks on network or disk.
type Scheduler struct {
	cfg    Config
	runner Runner
	pool   *workerpool.Pool

	triggers chan job
	done     chan *updater.Report

	mu   sync.Mutex
	last *updater.Report
}

func New(cfg Config, runner Runner) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > cfg.Interval/2 {
		cfg.Jitter = cfg.Interval / 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		pool:     workerpool.New(1, 1),
		triggers: make(chan job),
		done:     make(chan *updater.Report, 4),
	}
}

// Queued counts runs waiting in or running on the pool.
func (s *Scheduler) Queued() int { return s.pool.Pending() }

// Last returns the most recent finished run, or nil.
func (s *Scheduler) Last() *updater.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Trigger queues a manual run and returns a channel that receives its
// result. When a run is already waiting in the queue the request is
// coalesced with it and ErrCoalesced is returned. Trigger blocks until Run
// is serving the loop or ctx ends.
func (s *Scheduler) Trigger(ctx context.Context, req Request) (<-chan Result, error) {
	mode := updater.ModeInstall
	if req.CheckOnly {
		mode = updater.ModeCheckOnly
	}
	source := req.Source
	if source == "" {
		source = updater.SourceAPI
	}
	j := job{
		opts: updater.Options{
			Mode:           mode,
			Force:          req.Force,
			Channel:        req.Channel,
			Source:         source,
			BypassActivity: req.BypassActivity,
		},
		reply:    make(chan Result, 1),
		accepted: make(chan bool, 1),
	}
	select {
	case s.triggers <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !<-j.accepted {
		return nil, ErrCoalesced
	}
	return j.reply, nil
}

// Run drives the schedule until ctx is cancelled, then drains the pool.
func (s *Scheduler) Run(ctx context.Context) error {
	delay := s.cfg.StartupDelay
	if s.cfg.Disabled {
		log.Info("background update checks disabled")
	} else {
		log.Info("starting update scheduler",
			"interval", s.cfg.Interval,
			"jitter", s.cfg.Jitter,
			"firstCheck", delay,
			"quietHours", s.cfg.QuietHours.String(),
		)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	if s.cfg.Disabled {
		timer.Stop()
	}
	deadline := s.cfg.Now().Add(delay)

	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		s.pool.Shutdown(dctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			s.tick()
			delay = s.nextDelay()
			deadline = s.cfg.Now().Add(delay)
			timer.Reset(delay)

		case j := <-s.triggers:
			j.accepted <- s.submit(j)

		case rep := <-s.done:
			s.mu.Lock()
			s.last = rep
			s.mu.Unlock()
			// A persisted backoff pushes the next scheduled check out.
			if !s.cfg.Disabled && rep != nil && rep.NextCheck.After(deadline) {
				delay = rep.NextCheck.Sub(s.cfg.Now())
				deadline = rep.NextCheck
				timer.Reset(delay)
				log.Info("next update check postponed by backoff", "at", rep.NextCheck)
			}
		}
	}
}

// tick starts a scheduled run unless policy blocks it. A blocked tick is
// deferred to the next interval, not dropped.
func (s *Scheduler) tick() {
	now := s.cfg.Now()
	if s.cfg.QuietHours.Contains(now) {
		log.Info("scheduled update check deferred, inside quiet hours", "quietHours", s.cfg.QuietHours.String())
		return
	}
	if s.cfg.Busy != nil && s.cfg.Busy() {
		log.Info("scheduled update check deferred, service busy")
		return
	}
	j := job{opts: updater.Options{Mode: updater.ModeInstall, Source: updater.SourceScheduler}}
	if !s.submit(j) {
		log.Debug("scheduled update check coalesced with queued run")
	}
}

func (s *Scheduler) submit(j job) bool {
	return s.pool.Submit(func(ctx context.Context) {
		rep, err := s.runner.Run(ctx, j.opts)
		if err != nil {
			log.Warn("update run failed",
				logging.KeyTrigger, string(j.opts.Source),
				logging.KeyPhase, string(updater.PhaseOf(err)),
				logging.KeyError, err,
			)
		} else if rep != nil {
			log.Info("update run finished",
				logging.KeyTrigger, string(j.opts.Source),
				"outcome", string(rep.Outcome),
				"message", rep.Message,
			)
		}
		if j.reply != nil {
			j.reply <- Result{Report: rep, Err: err}
		}
		select {
		case s.done <- rep:
		case <-ctx.Done():
		}
	})
}

// nextDelay is Interval shifted uniformly by up to ±Jitter.
func (s *Scheduler) nextDelay() time.Duration {
	d := s.cfg.Interval
	if s.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*s.cfg.Jitter)+1)) - s.cfg.Jitter
	}
	if d <= 0 {
		d = s.cfg.Interval
	}
	return d
}
