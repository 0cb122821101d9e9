package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/audetic/agent/internal/activity"
	"github.com/audetic/agent/internal/updater"
	"github.com/audetic/agent/pkg/api"
)

const daemonProbeTimeout = 2 * time.Second

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show update status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(false)
		if err != nil {
			return err
		}
		defer eng.Close()

		st, err := eng.coord.Status()
		if err != nil {
			return err
		}
		active, err := activity.Active(eng.cfg.DataPath())
		if err != nil {
			log.Debug("activity markers unreadable", "error", err)
		}
		v := newStatusView(st, active)
		v.Service = probeDaemon(cmd.Context(), eng.cfg.APIListen)
		return writeStatus(cmd.OutOrStdout(), statusOutput, v)
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}

// statusView flattens updater.Status for printing.
type statusView struct {
	updater.Status `yaml:",inline"`

	AutoUpdate     bool      `json:"auto_update" yaml:"auto_update"`
	LastCheck      time.Time `json:"last_check,omitempty" yaml:"last_check,omitempty"`
	LastSuccess    string    `json:"last_success_version,omitempty" yaml:"last_success_version,omitempty"`
	FailureCount   int       `json:"failure_count" yaml:"failure_count"`
	LastError      string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	PendingVersion string    `json:"pending_version,omitempty" yaml:"pending_version,omitempty"`
	LatestKnown    string    `json:"latest_known,omitempty" yaml:"latest_known,omitempty"`
	ActiveSessions []string  `json:"active_sessions,omitempty" yaml:"active_sessions,omitempty"`
	// Service is the running daemon's health, "not running" when its
	// control API does not answer.
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
}

func probeDaemon(ctx context.Context, addr string) string {
	if addr == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, daemonProbeTimeout)
	defer cancel()
	h, err := api.NewClient(addr, daemonProbeTimeout).Health(ctx)
	if err != nil {
		log.Debug("control API unreachable", "addr", addr, "error", err)
		return "not running"
	}
	return "running (" + h.Status + ")"
}

func newStatusView(st updater.Status, active []activity.Marker) statusView {
	v := statusView{
		Status:       st,
		AutoUpdate:   st.State.AutoUpdate,
		LastCheck:    st.State.LastCheckTime(),
		LastSuccess:  st.State.LastSuccessVersion,
		FailureCount: st.State.FailureCount,
		LastError:    st.State.LastError,
		LatestKnown:  st.State.LastKnownRemote,
	}
	if st.State.Pending != nil {
		v.PendingVersion = st.State.Pending.Version
	}
	for _, m := range active {
		v.ActiveSessions = append(v.ActiveSessions, m.Name)
	}
	return v
}

func writeStatus(w io.Writer, format string, v statusView) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
	default:
		return preconditionError("unknown output format %q", format)
	}

	fmt.Fprintf(w, "Version:      %s (%s)\n", v.RunningVersion, orNone(v.Target))
	if v.Service != "" {
		fmt.Fprintf(w, "Service:      %s\n", v.Service)
	}
	fmt.Fprintf(w, "Channel:      %s\n", v.Channel)
	if v.Supervisor != "" {
		fmt.Fprintf(w, "Supervisor:   %s\n", v.Supervisor)
	}
	fmt.Fprintf(w, "Auto-update:  %s\n", onOff(v.AutoUpdate))
	if !v.LastCheck.IsZero() {
		fmt.Fprintf(w, "Last check:   %s\n", v.LastCheck.Local().Format(time.RFC3339))
	}
	if v.LatestKnown != "" {
		fmt.Fprintf(w, "Latest:       %s\n", v.LatestKnown)
	}
	if v.PendingVersion != "" {
		fmt.Fprintf(w, "Pending:      %s (awaiting health check)\n", v.PendingVersion)
	}
	if v.FailureCount > 0 {
		fmt.Fprintf(w, "Failures:     %d\n", v.FailureCount)
	}
	if v.LastError != "" {
		fmt.Fprintf(w, "Last error:   %s\n", v.LastError)
	}
	if !v.NextCheck.IsZero() {
		fmt.Fprintf(w, "Backoff until: %s\n", v.NextCheck.Local().Format(time.RFC3339))
	}
	if v.LockHeld && v.LockOwner != nil {
		fmt.Fprintf(w, "Update run:   in progress (pid %d, %s)\n", v.LockOwner.PID, v.LockOwner.Trigger)
	}
	fmt.Fprintf(w, "Rollback:     %s\n", yesNo(v.BackupAvailable))
	if len(v.ActiveSessions) > 0 {
		fmt.Fprintf(w, "In use:       %v\n", v.ActiveSessions)
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "unsupported platform"
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func yesNo(b bool) string {
	if b {
		return "available"
	}
	return "none"
}
