package main

import (
	"github.com/spf13/cobra"

	"github.com/inkwell-ai/inkwell/internal/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one recovery sweep and exit",
	Long: `Scan for generating stories whose progress stopped moving, restart
them, and exit once the restarted generations finish. Useful from cron or
for a one-off recovery after an incident.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		cfg := a.mgr.Get()
		sw := sweeper.New(a.store, a.orch, sweeper.Config{
			Interval:           cfg.SweeperInterval(),
			StalenessThreshold: cfg.StalenessThreshold(),
			MaxRecoveryRetries: cfg.Sweeper.MaxRecoveryRetries,
		}, a.logger)

		recovered, failed, err := sw.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		a.logger.Info("sweep complete", "recovered", recovered, "failed", failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
