package main

import (
	"github.com/spf13/cobra"

	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation backplane",
	Long: `Run the generation backplane until interrupted.

On startup the sweeper scans for stories orphaned by a previous crash and
restarts them, then keeps sweeping on its interval. Config changes to
config.yaml are picked up without a restart.

Examples:
  inkwell serve
  inkwell serve --config /etc/inkwell/config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.close()

		a.mgr.OnChange(func(cfg *config.Config) {
			a.orch.ApplyScannerLimits(cfg.Generation.ScannerLimits)
			a.logger.Info("config reloaded", "scanner_limits", len(cfg.Generation.ScannerLimits))
		})
		a.mgr.WatchConfig()

		cfg := a.mgr.Get()
		sw := sweeper.New(a.store, a.orch, sweeper.Config{
			Interval:           cfg.SweeperInterval(),
			StalenessThreshold: cfg.StalenessThreshold(),
			MaxRecoveryRetries: cfg.Sweeper.MaxRecoveryRetries,
		}, a.logger)

		a.logger.Info("inkwell backplane started",
			"store", cfg.Store.Path,
			"sweep_interval", cfg.SweeperInterval(),
			"staleness_threshold", cfg.StalenessThreshold())

		// Blocks until the signal context is cancelled.
		sw.Start(ctx)

		a.logger.Info("shutting down, waiting for in-flight generations")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
