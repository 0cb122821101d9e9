package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/audetic/agent/internal/supervisor"
)

var selfTestCmd = &cobra.Command{
	Use:   "self-test",
	Short: "Run the startup health checks and report the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := setup(false)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), eng.cfg.Update.HealthTimeout)
		defer cancel()

		testErr := eng.selfTest(ctx)
		checks := eng.monitor.All()
		sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
		out := cmd.OutOrStdout()
		for _, c := range checks {
			if c.Message != "" {
				fmt.Fprintf(out, "%-12s %-10s %s\n", c.Name, c.Status, c.Message)
			} else {
				fmt.Fprintf(out, "%-12s %s\n", c.Name, c.Status)
			}
		}
		fmt.Fprintf(out, "overall: %s\n", eng.monitor.Overall())
		return testErr
	},
}

var restartServiceName string

// restartServiceCmd is spawned detached by the Windows service broker.
var restartServiceCmd = &cobra.Command{
	Use:    supervisor.HelperCommand,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return supervisor.RestartService(cmd.Context(), restartServiceName)
	},
}

func init() {
	restartServiceCmd.Flags().StringVar(&restartServiceName, "name", "audetic", "service name")
	rootCmd.AddCommand(selfTestCmd, restartServiceCmd)
}
