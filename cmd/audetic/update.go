package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audetic/agent/internal/lock"
	"github.com/audetic/agent/internal/updater"
)

var (
	updateCheck    bool
	updateForce    bool
	updateChannel  string
	updateEnable   bool
	updateDisable  bool
	updateRollback bool
	updateNow      bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check for and install a new version",
	Long: `Check for and install a new version.

With --check only the remote version is reported. --enable and --disable toggle
background installs. --channel is persisted for later runs. --rollback restores
the binary that was live before the last update.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if updateEnable && updateDisable {
			return preconditionError("--enable and --disable are mutually exclusive")
		}
		if updateRollback && (updateCheck || updateForce) {
			return preconditionError("--rollback cannot be combined with --check or --force")
		}

		eng, err := setup(false)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runUpdate(ctx, cmd.OutOrStdout(), eng.coord)
	},
}

func init() {
	f := updateCmd.Flags()
	f.BoolVar(&updateCheck, "check", false, "only report whether an update is available")
	f.BoolVar(&updateForce, "force", false, "reinstall even when already on the latest version")
	f.StringVar(&updateChannel, "channel", "", "release channel to use and persist")
	f.BoolVar(&updateEnable, "enable", false, "enable background updates")
	f.BoolVar(&updateDisable, "disable", false, "disable background updates")
	f.BoolVar(&updateRollback, "rollback", false, "restore the previous binary")
	f.BoolVar(&updateNow, "now", false, "install even while the service is in use")

	rootCmd.AddCommand(updateCmd)
}

func runUpdate(ctx context.Context, out io.Writer, d *updater.Coordinator) error {
	toggled := false
	if updateChannel != "" {
		if _, err := d.SetChannel(updateChannel); err != nil {
			return settingError("channel", err)
		}
		fmt.Fprintf(out, "Channel set to %s\n", updateChannel)
	}
	if updateEnable || updateDisable {
		st, err := d.SetAutoUpdate(updateEnable)
		if err != nil {
			return settingError("auto-update", err)
		}
		if st.AutoUpdate {
			fmt.Fprintln(out, "Auto-update enabled")
		} else {
			fmt.Fprintln(out, "Auto-update disabled")
		}
		toggled = true
	}

	if updateRollback {
		rep, err := d.Rollback(ctx)
		printReport(out, rep)
		return err
	}
	// A bare toggle does not also install.
	if toggled && !updateCheck && !updateForce {
		return nil
	}

	mode := updater.ModeInstall
	if updateCheck {
		mode = updater.ModeCheckOnly
	}
	rep, err := d.Run(ctx, updater.Options{
		Mode:           mode,
		Force:          updateForce,
		Source:         updater.SourceCLI,
		BypassActivity: updateNow,
	})
	printReport(out, rep)
	return err
}

func settingError(what string, err error) error {
	if errors.Is(err, lock.ErrContention) {
		return fmt.Errorf("cannot change %s while an update run is in progress: %w", what, err)
	}
	return err
}

func printReport(out io.Writer, rep *updater.Report) {
	if rep == nil {
		return
	}
	fmt.Fprintln(out, rep.Message)
	if rep.RemoteVersion != "" && rep.RemoteVersion != rep.CurrentVersion {
		fmt.Fprintf(out, "  current: %s  remote: %s\n", rep.CurrentVersion, rep.RemoteVersion)
	}
	if rep.NotesURL != "" {
		fmt.Fprintf(out, "  release notes: %s\n", rep.NotesURL)
	}
	if rep.RestartRequired {
		fmt.Fprintln(out, "  restart audetic to run the new version")
	}
}
