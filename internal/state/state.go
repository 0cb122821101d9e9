package state

import (
	"time"
)

// UpdateState is the single persisted update record. The first seven fields
// are shared with the bootstrap installer; the rest are additive and
// decode to zero values when absent. Timestamps are Unix seconds.
type UpdateState struct {
	CurrentVersion     string `json:"current_version"`
	Channel            string `json:"channel"`
	LastCheck          int64  `json:"last_check,omitempty"`
	AutoUpdate         bool   `json:"auto_update"`
	LastSuccessVersion string `json:"last_success_version,omitempty"`
	FailureCount       int    `json:"failure_count"`
	DisabledUntil      int64  `json:"disabled_until,omitempty"`

	Pending           *Pending `json:"pending,omitempty"`
	BackupPath        string   `json:"backup_path,omitempty"`
	BackupVersion     string   `json:"backup_version,omitempty"`
	TransientFailures int      `json:"transient_failures,omitempty"`
	LastError         string   `json:"last_error,omitempty"`
	LastKnownRemote   string   `json:"last_known_remote,omitempty"`
}

// Pending marks a swap whose new binary has not yet passed its self-test.
type Pending struct {
	Version         string `json:"version"`
	PreviousVersion string `json:"previous_version"`
	BackupPath      string `json:"backup_path"`
	CommittedAt     int64  `json:"committed_at"`
}

// Default is the record used before the installer has written one.
func Default(runningVersion, channel string) UpdateState {
	return UpdateState{
		CurrentVersion: runningVersion,
		Channel:        channel,
		AutoUpdate:     true,
	}
}

// BackoffActive reports whether scheduled runs must wait until DisabledUntil.
func (s UpdateState) BackoffActive(now time.Time) bool {
	return s.DisabledUntil > 0 && now.Unix() < s.DisabledUntil
}

// LastCheckTime converts LastCheck; zero when never checked.
func (s UpdateState) LastCheckTime() time.Time {
	if s.LastCheck == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastCheck, 0).UTC()
}

// DisabledUntilTime converts DisabledUntil; zero when no backoff is set.
func (s UpdateState) DisabledUntilTime() time.Time {
	if s.DisabledUntil == 0 {
		return time.Time{}
	}
	return time.Unix(s.DisabledUntil, 0).UTC()
}
