package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/audetic/agent/internal/activity"
	"github.com/audetic/agent/internal/artifact"
	"github.com/audetic/agent/internal/audit"
	"github.com/audetic/agent/internal/config"
	"github.com/audetic/agent/internal/health"
	"github.com/audetic/agent/internal/httputil"
	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/release"
	"github.com/audetic/agent/internal/signing"
	"github.com/audetic/agent/internal/state"
	"github.com/audetic/agent/internal/supervisor"
	"github.com/audetic/agent/internal/updater"
)

// engine bundles everything a command needs to drive updates.
type engine struct {
	cfg     *config.Config
	coord   *updater.Coordinator
	audit   *audit.Logger
	monitor *health.Monitor
	busy    func() bool

	logCloser io.Closer
}

// loadConfig reads and validates config. Fatal problems surface as
// precondition errors so the process exits with code 2.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, preconditionError("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", logging.KeyError, w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			log.Error("config validation", logging.KeyError, f)
		}
		return nil, preconditionError("invalid config: %w", result.Fatals[0])
	}
	return cfg, nil
}

// initLogging points the global logger at stderr, teed into log_file for
// the daemon.
func initLogging(cfg *config.Config, toFile bool) io.Closer {
	path := ""
	if toFile {
		path = cfg.LogFile
	}
	w, closer, err := logging.Output(path, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	logging.Init(cfg.LogFormat, cfg.LogLevel, w)
	if err != nil {
		log.Warn("failed to open log file, logging to stderr only", "path", cfg.LogFile, logging.KeyError, err)
	}
	return closer
}

// newEngine wires the coordinator. probeSupervisor makes restart detection
// look for an installed unit even when this process was not started by one.
func newEngine(cfg *config.Config, probeSupervisor bool, logCloser io.Closer) (*engine, error) {
	dataDir := cfg.DataPath()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	binaryPath, err := livePath()
	if err != nil {
		return nil, preconditionError("cannot locate running executable: %w", err)
	}

	var keys []signing.PublicKey
	if cfg.Update.PublicKeyFile != "" {
		keys, err = signing.LoadPublicKeys(cfg.Update.PublicKeyFile)
		if err != nil {
			return nil, preconditionError("failed to load update public keys: %w", err)
		}
	}
	if cfg.Update.RequireSignature && len(keys) == 0 {
		return nil, preconditionError("update.require_signature is set but no public key is configured")
	}

	auditLog, err := audit.NewLogger(cfg.AuditFile(), cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	client := httputil.NewClient(cfg.Update.HTTPTimeout, "audetic-updater/"+version)
	resolver := release.NewResolver(cfg.Update.BaseURL, client)
	fetcher := artifact.New(artifact.Config{
		UpdatesDir:       cfg.UpdatesDir(),
		Resolver:         resolver,
		PublicKeys:       keys,
		RequireSignature: cfg.Update.RequireSignature,
		DownloadTimeout:  cfg.Update.DownloadTimeout,
	})

	broker := supervisor.Detect(supervisor.Options{
		ServiceName: cfg.Update.ServiceName,
		DataDir:     dataDir,
		Probe:       probeSupervisor,
	})

	busy := activity.Predicate(dataDir)
	coord := updater.New(updater.Config{
		CurrentVersion:   version,
		Channel:          cfg.Update.Channel,
		Target:           release.DetectTarget(),
		BinaryPath:       binaryPath,
		DataDir:          dataDir,
		LockPath:         cfg.LockFile(),
		Resolver:         resolver,
		Fetcher:          fetcher,
		Store:            state.NewStore(cfg.StateFile()),
		Broker:           broker,
		Audit:            auditLog,
		RestartOnSuccess: cfg.Update.RestartOnSuccess,
		CheckInterval:    cfg.Update.CheckInterval,
		BackoffCap:       cfg.Update.BackoffCap,
		FailureThreshold: cfg.Update.FailureThreshold,
		KeepStaged:       cfg.Update.KeepStaged,
		HealthTimeout:    cfg.Update.HealthTimeout,
		Busy:             busy,
	})

	return &engine{
		cfg:       cfg,
		coord:     coord,
		audit:     auditLog,
		monitor:   health.NewMonitor(),
		busy:      busy,
		logCloser: logCloser,
	}, nil
}

// probes are the startup checks a freshly swapped binary must pass.
func (e *engine) probes() []health.Probe {
	return []health.Probe{
		health.Func("config", func(context.Context) error {
			if res := e.cfg.ValidateTiered(); res.HasFatals() {
				return res.Fatals[0]
			}
			return nil
		}),
		health.DirWritable("data_dir", e.cfg.DataPath()),
		health.FileReadable("state_file", e.cfg.StateFile(), false),
		health.Func("audit_log", func(context.Context) error {
			if e.audit.DroppedCount() > 0 {
				return fmt.Errorf("%d audit entries dropped", e.audit.DroppedCount())
			}
			return nil
		}),
	}
}

func (e *engine) selfTest(ctx context.Context) error {
	return health.SelfTest(ctx, e.monitor, e.probes()...)
}

func (e *engine) Close() {
	if err := e.audit.Close(); err != nil {
		log.Warn("failed to close audit log", logging.KeyError, err)
	}
	if e.logCloser != nil {
		_ = e.logCloser.Close()
	}
}

// livePath is the resolved path of the running executable.
func livePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe, nil
}

// setup loads config, initialises logging and wires the engine.
func setup(daemon bool) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	closer := initLogging(cfg, daemon)
	e, err := newEngine(cfg, !daemon, closer)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	return e, nil
}
