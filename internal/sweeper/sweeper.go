// Package sweeper is the self-healing loop: it finds generating stories
// whose progress stopped moving and restarts them, with a circuit breaker
// so a story that keeps stalling fails permanently instead of burning
// tokens forever.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/store"
)

// Runner restarts a story's state machine.
type Runner interface {
	Kick(storyID string)
}

// Config tunes the sweep.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// StalenessThreshold is how long a generating story may sit without
	// progress before it counts as stuck.
	StalenessThreshold time.Duration

	// MaxRecoveryRetries is the circuit breaker: recoveries per story
	// before it is marked permanently failed.
	MaxRecoveryRetries int
}

// Sweeper periodically recovers stalled stories.
type Sweeper struct {
	store  *store.Store
	runner Runner
	cfg    Config
	logger *slog.Logger
}

// New creates a sweeper.
func New(st *store.Store, runner Runner, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: st, runner: runner, cfg: cfg, logger: logger}
}

// Start sweeps once immediately, then on every interval tick until the
// context is cancelled. The startup sweep is what recovers stories
// orphaned by a crash: their goroutines are gone but their rows still say
// generating.
func (s *Sweeper) Start(ctx context.Context) {
	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	recovered, failed, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if recovered > 0 || failed > 0 {
		s.logger.Info("sweep finished", "recovered", recovered, "failed", failed)
	}
}

// Sweep runs one pass. Returns how many stories were restarted and how
// many were marked permanently failed.
//
// The store surfaces two kinds of stuck stories: rows whose progress sat
// past the staleness threshold (crashed or hung workers), and rows with a
// recorded stage error (the orchestrator gave up and left last_error set).
// Either way the observed failure is compared against previous_error: a
// story that fails the same way on consecutive sweeps is not going to heal
// on a third try.
func (s *Sweeper) Sweep(ctx context.Context) (recovered, failed int, err error) {
	cutoff := time.Now().UTC().Add(-s.cfg.StalenessThreshold)
	stale, err := s.store.ListStaleGenerating(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}

	for _, story := range stale {
		observed := story.Progress.LastError
		if observed == "" {
			observed = fmt.Sprintf("stalled at %s", story.Progress.CurrentStep)
		}

		switch {
		case story.Progress.HealthCheckRetries >= s.cfg.MaxRecoveryRetries:
			s.fail(ctx, story, observed+"; recovery retries exhausted")
			failed++

		case story.Progress.HealthCheckRetries >= 1 && observed == story.Progress.PreviousError:
			s.fail(ctx, story, observed+"; failed the same way twice")
			failed++

		default:
			if s.recover(ctx, story, observed) {
				recovered++
			}
		}
	}
	return recovered, failed, nil
}

// recover claims the story via CAS and restarts it. A lost race means
// someone else is already moving it, which is the outcome we wanted. The
// observed failure is written to both error fields; the orchestrator clears
// last_error when it takes the stage back, and previous_error stays behind
// as the breaker's memory.
func (s *Sweeper) recover(ctx context.Context, story *novel.Story, observed string) bool {
	exp := story.Progress
	prog := exp
	prog.HealthCheckRetries = exp.HealthCheckRetries + 1
	prog.LastError = observed
	prog.PreviousError = observed
	prog.LastUpdated = time.Now().UTC()

	err := s.store.UpdateProgressCAS(ctx, story.ID, exp.CurrentStep, exp.LastUpdated, prog)
	if errors.Is(err, store.ErrStale) {
		return false
	}
	if err != nil {
		s.logger.Warn("failed to claim stalled story", "story_id", story.ID, "error", err)
		return false
	}

	s.logger.Info("recovering stalled story",
		"story_id", story.ID,
		"step", exp.CurrentStep,
		"retry", prog.HealthCheckRetries,
		"cause", observed)

	s.runner.Kick(story.ID)
	return true
}

func (s *Sweeper) fail(ctx context.Context, story *novel.Story, reason string) {
	if err := s.store.MarkPermanentlyFailed(ctx, story.ID, reason); err != nil {
		s.logger.Warn("failed to mark story permanently failed",
			"story_id", story.ID, "error", err)
		return
	}
	s.logger.Error("story permanently failed",
		"story_id", story.ID,
		"step", story.Progress.CurrentStep,
		"retries", story.Progress.HealthCheckRetries,
		"reason", reason)
}
