package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audetic/agent/internal/api"
	"github.com/audetic/agent/internal/audit"
	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/scheduler"
	"github.com/audetic/agent/internal/updater"
)

const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := startDaemon()
		if err != nil {
			return err
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info("shutting down")
		case err := <-d.fatal:
			log.Error("component failed, shutting down", logging.KeyError, err)
			d.stop()
			return err
		}
		d.stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// daemon is the running service.
type daemon struct {
	eng    *engine
	sched  *scheduler.Scheduler
	api    *api.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
	fatal  chan error
	once   sync.Once
}

func startDaemon() (*daemon, error) {
	eng, err := setup(true)
	if err != nil {
		return nil, err
	}
	cfg := eng.cfg

	log.Info("starting audetic", logging.KeyVersion, version, "dataDir", cfg.DataPath())
	eng.audit.Log(audit.EventServiceStart, "", map[string]any{"version": version})

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{eng: eng, cancel: cancel, fatal: make(chan error, 1)}

	// Decide whether a freshly swapped binary is kept before anything else runs.
	rep, err := eng.coord.Reconcile(ctx, eng.selfTest)
	switch {
	case err != nil:
		log.Error("startup health reconciliation failed",
			logging.KeyPhase, string(updater.PhaseOf(err)),
			logging.KeyError, err,
		)
	case rep.Outcome == updater.OutcomeCommitted:
		log.Info("update committed after self-test", logging.KeyVersion, version)
	}
	if err == nil && rep.Outcome != updater.OutcomeCommitted {
		// Probes still populate the health endpoint on ordinary starts.
		if stErr := eng.selfTest(ctx); stErr != nil {
			log.Warn("self-test reported problems", logging.KeyError, stErr)
		}
	}

	quiet, err := scheduler.ParseQuietHours(cfg.Update.QuietHours)
	if err != nil {
		cancel()
		eng.Close()
		return nil, preconditionError("update.quiet_hours: %w", err)
	}
	d.sched = scheduler.New(scheduler.Config{
		Interval:     cfg.Update.CheckInterval,
		Jitter:       cfg.Update.Jitter,
		StartupDelay: startupDelay,
		QuietHours:   quiet,
		Busy:         eng.busy,
		Disabled:     cfg.Update.DisableScheduler,
	}, eng.coord)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sched.Run(ctx); err != nil {
			log.Error("scheduler stopped", logging.KeyError, err)
		}
	}()

	if cfg.APIListen != "" {
		d.api = api.New(eng.coord, d.sched, eng.monitor)
		if err := d.api.Listen(cfg.APIListen); err != nil {
			d.stop()
			return nil, err
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.api.Serve(); err != nil {
				select {
				case d.fatal <- err:
				default:
				}
			}
		}()
	}

	return d, nil
}

// startupDelay keeps the first check off the restart path.
const startupDelay = 30 * time.Second

func (d *daemon) stop() {
	d.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if d.api != nil {
			if err := d.api.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("control API shutdown", logging.KeyError, err)
			}
		}
		d.cancel()
		d.wg.Wait()
		d.eng.audit.Log(audit.EventServiceStop, "", map[string]any{"version": version})
		d.eng.Close()
	})
}
