package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single sweep cycle and print its report",
	Long: `Expires stale orders, matches every active instrument once and settles
the matches, then prints the cycle report as JSON. Useful from cron on nodes
that do not run the scheduler, and for debugging a stuck book.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.Node)
		if err != nil {
			return err
		}
		defer logger.Sync()

		n, err := buildNode(cmd.Context(), cfg, logger.Sugar())
		if err != nil {
			return err
		}
		defer n.Close()

		report := n.engine.RunCycle(cmd.Context())

		// publish the cycle's trade events before exiting
		drained, cancel := context.WithCancel(context.WithoutCancel(cmd.Context()))
		cancel()
		n.stream.Run(drained)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		return report.Err
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
