package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/costs"
	"github.com/inkwell-ai/inkwell/internal/editor"
	"github.com/inkwell-ai/inkwell/internal/generate"
	"github.com/inkwell-ai/inkwell/internal/ingest"
	"github.com/inkwell-ai/inkwell/internal/orchestrator"
	"github.com/inkwell-ai/inkwell/internal/providers"
	"github.com/inkwell-ai/inkwell/internal/store"
	"github.com/inkwell-ai/inkwell/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "inkwell",
	Short: "Generation backplane for serialized novels",
	Long: `Inkwell generates twelve-chapter serialized novels one batch at a
time, pausing at reader checkpoints and folding feedback into the next
chapters.

The pipeline includes:
  - Premise, bible and arc planning
  - Constraint-driven chapter generation with quality review
  - Editor briefs built from checkpoint feedback
  - A self-healing sweeper for stalled stories`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.inkwell/config.yaml)",
	)

	rootCmd.AddCommand(versionCmd)
}

// app is everything a command needs, wired from config.
type app struct {
	mgr      *config.Manager
	store    *store.Store
	orch     *orchestrator.Service
	feedback *ingest.Service
	logger   *slog.Logger
}

func buildApp() (*app, error) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	st, err := store.New(store.Config{Path: cfg.Store.Path, Logger: logger})
	if err != nil {
		return nil, err
	}

	registry, err := providers.NewRegistry(cfg.ToRegistryConfig())
	if err != nil {
		st.Close()
		return nil, err
	}
	prose, ok := registry.LimitedClient(cfg.Roles.Generation)
	if !ok {
		st.Close()
		return nil, fmt.Errorf("generation role points at missing provider %q", cfg.Roles.Generation)
	}
	cheap, ok := registry.LimitedClient(cfg.Roles.Validation)
	if !ok {
		st.Close()
		return nil, fmt.Errorf("validation role points at missing provider %q", cfg.Roles.Validation)
	}
	extraction, ok := registry.LimitedClient(cfg.Roles.Extraction)
	if !ok {
		st.Close()
		return nil, fmt.Errorf("extraction role points at missing provider %q", cfg.Roles.Extraction)
	}

	recorder := costs.NewRecorder(st, logger)

	orch := orchestrator.New(st, prose, cheap, extraction, recorder, orchestrator.Config{
		Generation: generate.Config{
			MaxRegenerations: cfg.Generation.MaxRegenerations,
			WordMin:          cfg.Generation.ChapterWordMin,
			WordMax:          cfg.Generation.ChapterWordMax,
			QualityThreshold: cfg.Generation.QualityPassThreshold,
			ReadingLevel:     cfg.Generation.ReadingLevel,
			ScannerLimits:    cfg.Generation.ScannerLimits,
		},
		ConcurrentStoriesCap: cfg.Generation.ConcurrentStoriesCap,
	}, logger)

	fb := ingest.New(st, editor.NewBuilder(cheap, recorder, logger), orch, logger)

	return &app{
		mgr:      mgr,
		store:    st,
		orch:     orch,
		feedback: fb,
		logger:   logger,
	}, nil
}

func (a *app) close() {
	a.orch.Wait()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close store", "error", err)
	}
}
