package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/updater"
)

var log = logging.L("main")

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
)

// Exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitPrecondition = 2
)

// exitError carries an explicit exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func preconditionError(format string, args ...any) error {
	return &exitError{code: exitPrecondition, err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, updater.ErrPrecondition) {
		return exitPrecondition
	}
	return exitFailure
}

var rootCmd = &cobra.Command{
	Use:           "audetic",
	Short:         "Audetic background service",
	Long:          `Audetic - local background service with self-update`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("audetic v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yaml in the config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from config")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if isWindowsService() {
		if err := runAsService(); err != nil {
			os.Exit(exitFailure)
		}
		return
	}

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(exitCode(err))
}
