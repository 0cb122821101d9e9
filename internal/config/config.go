package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment toggles read directly, outside the AUDETIC_ key mapping.
const (
	EnvInstallURL         = "AUDETIC_INSTALL_URL"
	EnvChannel            = "AUDETIC_CHANNEL"
	EnvUpdateIntervalSecs = "AUDETIC_UPDATE_INTERVAL_SECS"
	EnvDisableAutoRestart = "AUDETIC_DISABLE_AUTO_RESTART"
	EnvDisableAutoUpdate  = "AUDETIC_DISABLE_AUTO_UPDATE"
	EnvConfigDir          = "AUDETIC_CONFIG_DIR"
	EnvDataDir            = "AUDETIC_DATA_DIR"
)

const (
	appName        = "audetic"
	DefaultBaseURL = "https://install.audetic.ai"
	DefaultChannel = "stable"
)

type Config struct {
	LogLevel        string       `mapstructure:"log_level"`
	LogFormat       string       `mapstructure:"log_format"`
	LogFile         string       `mapstructure:"log_file"`
	LogMaxSizeMB    int          `mapstructure:"log_max_size_mb"`
	LogMaxBackups   int          `mapstructure:"log_max_backups"`
	AuditMaxSizeMB  int          `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int          `mapstructure:"audit_max_backups"`
	APIListen       string       `mapstructure:"api_listen"`
	DataDir         string       `mapstructure:"data_dir"`
	Update          UpdateConfig `mapstructure:"update"`
}

// UpdateConfig holds everything the self-update engine reads at startup.
type UpdateConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Channel          string        `mapstructure:"channel"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	Jitter           time.Duration `mapstructure:"jitter"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RequireSignature bool          `mapstructure:"require_signature"`
	PublicKeyFile    string        `mapstructure:"public_key_file"`
	QuietHours       string        `mapstructure:"quiet_hours"`
	RestartOnSuccess bool          `mapstructure:"restart_on_success"`
	DisableScheduler bool          `mapstructure:"disable_scheduler"`
	ServiceName      string        `mapstructure:"service_name"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	DownloadTimeout  time.Duration `mapstructure:"download_timeout"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	KeepStaged       int           `mapstructure:"keep_staged"`
}

func Default() *Config {
	return &Config{
		LogLevel:        "info",
		LogFormat:       "text",
		LogMaxSizeMB:    10,
		LogMaxBackups:   3,
		AuditMaxSizeMB:  5,
		AuditMaxBackups: 3,
		APIListen:       "127.0.0.1:7337",
		Update: UpdateConfig{
			BaseURL:          DefaultBaseURL,
			Channel:          DefaultChannel,
			CheckInterval:    6 * time.Hour,
			Jitter:           30 * time.Minute,
			BackoffCap:       24 * time.Hour,
			FailureThreshold: 3,
			RestartOnSuccess: true,
			ServiceName:      appName,
			HTTPTimeout:      30 * time.Second,
			DownloadTimeout:  10 * time.Minute,
			HealthTimeout:    60 * time.Second,
			KeepStaged:       2,
		},
	}
}

// Load reads cfgFile (or config.yaml from the config dir) on top of Default(),
// then applies the AUDETIC_* environment overrides.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
	}

	v.SetEnvPrefix("AUDETIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("update.base_url", EnvInstallURL)
	_ = v.BindEnv("update.channel", EnvChannel)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(cfgFile == "" && os.IsNotExist(err)) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv(EnvUpdateIntervalSecs); raw != "" {
		if secs, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64); err == nil && secs > 0 {
			cfg.Update.CheckInterval = time.Duration(secs) * time.Second
		}
	}
	if envFlag(EnvDisableAutoRestart) {
		cfg.Update.RestartOnSuccess = false
	}
	if envFlag(EnvDisableAutoUpdate) {
		cfg.Update.DisableScheduler = true
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.DataDir = dir
	}
}

// envFlag treats "1", "true", "yes" (any case) as set.
func envFlag(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ConfigDir is where config.yaml and the update state file live.
func ConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Audetic")
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "Audetic")
		}
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", appName)
	}
	return filepath.Join(os.TempDir(), appName)
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(ConfigDir(), "data")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", appName)
	}
	return filepath.Join(os.TempDir(), appName, "data")
}

// DataPath returns the data directory: data_dir when configured, else the
// per-OS default.
func (c *Config) DataPath() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return defaultDataDir()
}

// UpdatesDir holds per-(version, target) staging directories.
func (c *Config) UpdatesDir() string { return filepath.Join(c.DataPath(), "updates") }

// LockFile is the advisory lock shared by every update trigger.
func (c *Config) LockFile() string { return filepath.Join(c.DataPath(), "update.lock") }

// AuditFile is the hash-chained update audit log.
func (c *Config) AuditFile() string { return filepath.Join(c.DataPath(), "update-audit.jsonl") }

// StateFile is the persisted update record shared with the bootstrap installer.
// It sits next to the data dir when data_dir is overridden so tests and
// portable installs stay self-contained.
func (c *Config) StateFile() string {
	if c.DataDir != "" {
		return filepath.Join(c.DataDir, "update_state.json")
	}
	return filepath.Join(ConfigDir(), "update_state.json")
}
