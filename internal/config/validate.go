package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var channelRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,31}$`)

var quietHoursRegex = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d-([01]\d|2[0-3]):[0-5]\d$`)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

const (
	minCheckInterval = time.Minute
	maxCheckInterval = 7 * 24 * time.Hour
	maxBackoffCap    = 7 * 24 * time.Hour
)

// ValidationResult separates problems that must stop startup from values
// that were clamped to a safe default.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	out := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	out = append(out, r.Fatals...)
	return append(out, r.Warnings...)
}

// Validate checks the config and returns every problem found, logging each
// one as a warning.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	errs := result.All()
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

// ValidateTiered checks the config. Dangerous zero-values are clamped in
// place and reported as warnings; values the engine cannot work with are
// fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	u := &c.Update

	if u.BaseURL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("update.base_url is required"))
	} else if parsed, err := url.Parse(u.BaseURL); err != nil {
		r.Fatals = append(r.Fatals, fmt.Errorf("update.base_url %q is not a valid URL: %w", u.BaseURL, err))
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		r.Fatals = append(r.Fatals, fmt.Errorf("update.base_url scheme must be http or https, got %q", parsed.Scheme))
	}

	if !channelRegex.MatchString(u.Channel) {
		r.Fatals = append(r.Fatals, fmt.Errorf("update.channel %q is not a valid channel name", u.Channel))
	}

	if u.QuietHours != "" && !quietHoursRegex.MatchString(u.QuietHours) {
		r.Fatals = append(r.Fatals, fmt.Errorf("update.quiet_hours %q must look like 22:00-07:00", u.QuietHours))
	}

	if u.RequireSignature && u.PublicKeyFile == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("update.require_signature is set without update.public_key_file; signed releases will be rejected"))
	}

	// Clamp intervals so jitter and backoff math never divides by zero.
	if u.CheckInterval < minCheckInterval {
		r.Warnings = append(r.Warnings, fmt.Errorf("update.check_interval %s is below minimum %s, clamping", u.CheckInterval, minCheckInterval))
		u.CheckInterval = minCheckInterval
	} else if u.CheckInterval > maxCheckInterval {
		r.Warnings = append(r.Warnings, fmt.Errorf("update.check_interval %s exceeds maximum %s, clamping", u.CheckInterval, maxCheckInterval))
		u.CheckInterval = maxCheckInterval
	}

	if u.Jitter < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("update.jitter %s is negative, clamping to 0", u.Jitter))
		u.Jitter = 0
	} else if u.Jitter > u.CheckInterval/2 {
		r.Warnings = append(r.Warnings, fmt.Errorf("update.jitter %s exceeds half the check interval, clamping", u.Jitter))
		u.Jitter = u.CheckInterval / 2
	}

	if u.BackoffCap < u.CheckInterval {
		r.Warnings = append(r.Warnings, fmt.Errorf("update.backoff_cap %s is below the check interval, clamping", u.BackoffCap))
		u.BackoffCap = u.CheckInterval
	} else if u.BackoffCap > maxBackoffCap {
		r.Warnings = append(r.Warnings, fmt.Errorf("update.backoff_cap %s exceeds maximum %s, clamping", u.BackoffCap, maxBackoffCap))
		u.BackoffCap = maxBackoffCap
	}

	if u.FailureThreshold < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("update.failure_threshold %d is below minimum 1, clamping", u.FailureThreshold))
		u.FailureThreshold = 1
	}

	clampTimeout(&r, "update.http_timeout", &u.HTTPTimeout, 5*time.Second)
	clampTimeout(&r, "update.download_timeout", &u.DownloadTimeout, 30*time.Second)
	clampTimeout(&r, "update.health_timeout", &u.HealthTimeout, 5*time.Second)

	if u.KeepStaged < 1 {
		u.KeepStaged = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.APIListen != "" {
		host, _, err := net.SplitHostPort(c.APIListen)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("api_listen %q is not host:port: %w", c.APIListen, err))
		} else if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			r.Fatals = append(r.Fatals, fmt.Errorf("api_listen %q must bind a loopback address", c.APIListen))
		}
	}

	return r
}

func clampTimeout(r *ValidationResult, key string, d *time.Duration, min time.Duration) {
	if *d < min {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %s is below minimum %s, clamping", key, *d, min))
		*d = min
	}
}
