// Package orchestrator drives the per-story generation state machine.
// Every transition goes through the store's compare-and-swap guard, so two
// workers (or a worker and the sweeper) can race on the same story and at
// most one of them advances it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/inkwell-ai/inkwell/internal/costs"
	"github.com/inkwell-ai/inkwell/internal/editor"
	"github.com/inkwell-ai/inkwell/internal/generate"
	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/providers"
	"github.com/inkwell-ai/inkwell/internal/revision"
	"github.com/inkwell-ai/inkwell/internal/store"
)

// ErrCapacity is returned when the concurrent-stories cap is reached.
var ErrCapacity = errors.New("generation capacity reached")

// Config tunes the orchestrator.
type Config struct {
	Generation generate.Config

	// ConcurrentStoriesCap bounds stories generating at once. Zero means
	// unlimited.
	ConcurrentStoriesCap int
}

// Service owns story lifecycle operations and the state machine driver.
type Service struct {
	store    *store.Store
	planner  *generate.Planner
	gen      *generate.Generator
	pass     *revision.Pass
	briefs   *editor.Builder
	recorder *costs.Recorder
	cfg      Config
	logger   *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New wires the service. proseClient writes chapters and bibles;
// cheapClient runs review, validation and briefs; extractClient runs the
// structured extraction passes.
func New(st *store.Store, proseClient, cheapClient, extractClient providers.Client, recorder *costs.Recorder, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	var sem *semaphore.Weighted
	if cfg.ConcurrentStoriesCap > 0 {
		sem = semaphore.NewWeighted(int64(cfg.ConcurrentStoriesCap))
	}

	return &Service{
		store:    st,
		planner:  generate.NewPlanner(proseClient, recorder, logger),
		gen:      generate.NewGenerator(proseClient, cheapClient, extractClient, recorder, cfg.Generation, logger),
		pass:     revision.NewPass(cheapClient, proseClient, st, recorder, logger),
		briefs:   editor.NewBuilder(cheapClient, recorder, logger),
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		sem:      sem,
	}
}

// Briefs exposes the editor brief builder for the feedback ingest path.
func (s *Service) Briefs() *editor.Builder {
	return s.briefs
}

// Store exposes the backing store.
func (s *Service) Store() *store.Store {
	return s.store
}

// ApplyScannerLimits forwards reloaded prose-scanner caps to the
// generator. Stories pick them up on their next chapter attempt.
func (s *Service) ApplyScannerLimits(limits map[string]int) {
	s.gen.SetScannerLimits(limits)
}

// ProposePremises generates and persists a premise triple for a reader.
func (s *Service) ProposePremises(ctx context.Context, prefs novel.Preferences) (*novel.PremiseSet, error) {
	set, err := s.planner.GeneratePremises(ctx, prefs)
	if err != nil {
		return nil, err
	}
	if err := s.store.SavePremiseSet(ctx, set); err != nil {
		return nil, err
	}
	return set, nil
}

// SelectPremiseInput chooses a premise, either from a stored set or as a
// reader-written custom pitch.
type SelectPremiseInput struct {
	UserID       string
	PremiseSetID string
	PremiseID    string
	Custom       *novel.Premise
	SeriesID     string
	BookNumber   int
}

// SelectPremise creates the story and kicks off generation in the
// background. Returns ErrCapacity when too many stories are already
// generating.
func (s *Service) SelectPremise(ctx context.Context, in SelectPremiseInput) (*novel.Story, error) {
	var premise novel.Premise
	switch {
	case in.Custom != nil:
		premise = *in.Custom
		if premise.Title == "" || premise.Description == "" {
			return nil, fmt.Errorf("custom premise requires a title and a description")
		}
	case in.PremiseSetID != "" && in.PremiseID != "":
		set, err := s.store.GetPremiseSet(ctx, in.PremiseSetID)
		if err != nil {
			return nil, err
		}
		p, ok := set.Find(in.PremiseID)
		if !ok {
			return nil, fmt.Errorf("premise %s not in set %s", in.PremiseID, in.PremiseSetID)
		}
		premise = p
	default:
		return nil, fmt.Errorf("select premise requires a set reference or a custom premise")
	}

	if s.cfg.ConcurrentStoriesCap > 0 {
		active, err := s.store.CountActiveGenerations(ctx)
		if err != nil {
			return nil, err
		}
		if active >= s.cfg.ConcurrentStoriesCap {
			return nil, ErrCapacity
		}
	}

	story := &novel.Story{
		UserID:     in.UserID,
		Title:      premise.Title,
		Genre:      premise.Genre,
		Premise:    &premise,
		SeriesID:   in.SeriesID,
		BookNumber: in.BookNumber,
	}
	if err := s.store.CreateStory(ctx, story); err != nil {
		return nil, err
	}

	s.logger.Info("story created",
		"story_id", story.ID,
		"user_id", story.UserID,
		"title", story.Title)

	s.Kick(story.ID)
	return story, nil
}

// Kick drives a story's state machine on a background goroutine, bounded by
// the concurrency semaphore. Safe to call for a story another worker owns;
// the CAS guard makes the duplicate a no-op.
func (s *Service) Kick(storyID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx := context.Background()
		if s.sem != nil {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)
		}

		if err := s.Run(ctx, storyID); err != nil {
			s.logger.Error("story generation stopped on error",
				"story_id", storyID, "error", err)
		}
	}()
}

// Wait blocks until all background generation goroutines finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Run drives the state machine until the story blocks on feedback, reaches
// a terminal step, or a stage fails. Failures record last_error and leave
// the step where it was; the sweeper retries from there.
func (s *Service) Run(ctx context.Context, storyID string) error {
	for {
		story, err := s.store.GetStory(ctx, storyID)
		if err != nil {
			return err
		}

		step := story.Progress.CurrentStep
		if step.IsGenerating() {
			err = s.claimStage(ctx, story)
		}
		if err == nil {
			switch {
			case step == novel.StepGeneratingBible:
				err = s.runBible(ctx, story)
			case step == novel.StepGeneratingArc:
				err = s.runArc(ctx, story)
			case step.IsAwaitingFeedback():
				return nil
			case step == novel.StepChapter12Complete:
				if story.Status == novel.StatusGenerating {
					return s.store.UpdateStoryStatus(ctx, story.ID, novel.StatusActive)
				}
				return nil
			case step == novel.StepPermanentlyFailed:
				return nil
			default:
				n, ok := step.ChapterNumber()
				if !ok {
					return fmt.Errorf("story %s: unexpected step %q", story.ID, step)
				}
				err = s.runChapter(ctx, story, n)
			}
		}

		if errors.Is(err, store.ErrStale) {
			// Another worker advanced the story. It is in good hands.
			s.logger.Info("lost progress race, yielding", "story_id", story.ID)
			return nil
		}
		if err != nil {
			s.recordFailure(ctx, story, err)
			return err
		}
	}
}

// claimStage clears a recorded stage error before the stage runs again. A
// non-empty last_error is what tells the sweeper nothing is driving the
// story, so clearing it through the CAS guard both claims ownership and
// takes the row off the sweeper's radar. PreviousError survives the clear;
// the sweeper compares against it when the stage fails the same way twice.
func (s *Service) claimStage(ctx context.Context, story *novel.Story) error {
	if story.Progress.LastError == "" {
		return nil
	}

	exp := story.Progress
	prog := exp
	prog.LastError = ""
	prog.LastUpdated = time.Now().UTC()

	if err := s.store.UpdateProgressCAS(ctx, story.ID, exp.CurrentStep, exp.LastUpdated, prog); err != nil {
		return err
	}
	story.Progress = prog
	return nil
}

// runBible generates the bible, or skips straight to the advance when a
// crash left one behind.
func (s *Service) runBible(ctx context.Context, story *novel.Story) error {
	exp := story.Progress

	bible, err := s.store.GetBibleForStory(ctx, story.ID)
	if errors.Is(err, store.ErrNotFound) {
		premise := story.Premise
		if premise == nil {
			premise = &novel.Premise{Title: story.Title, Genre: story.Genre}
		}
		bible, err = s.planner.GenerateBible(ctx, story, *premise, "")
		if err != nil {
			return err
		}
		if err := s.store.SaveBible(ctx, bible); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if err := s.store.SetStoryArtifacts(ctx, story.ID, bible.ID, ""); err != nil {
		return err
	}

	return s.store.UpdateProgressCAS(ctx, story.ID, exp.CurrentStep, exp.LastUpdated, novel.Progress{
		CurrentStep:       novel.StepGeneratingArc,
		ChaptersGenerated: exp.ChaptersGenerated,
	})
}

// runArc generates the twelve-chapter outline, idempotently.
func (s *Service) runArc(ctx context.Context, story *novel.Story) error {
	exp := story.Progress

	arc, err := s.store.GetArcForStory(ctx, story.ID)
	if errors.Is(err, store.ErrNotFound) {
		bible, berr := s.store.GetBibleForStory(ctx, story.ID)
		if berr != nil {
			return berr
		}
		arc, err = s.planner.GenerateArc(ctx, story, bible)
		if err != nil {
			return err
		}
		if err := s.store.SaveArc(ctx, arc); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if err := s.store.SetStoryArtifacts(ctx, story.ID, "", arc.ID); err != nil {
		return err
	}

	start, end := batchBounds(1)
	return s.store.UpdateProgressCAS(ctx, story.ID, exp.CurrentStep, exp.LastUpdated, novel.Progress{
		CurrentStep:       novel.StepGeneratingChapter(1),
		ChaptersGenerated: exp.ChaptersGenerated,
		BatchStart:        start,
		BatchEnd:          end,
	})
}

// runChapter generates chapter n and commits it with the progress advance
// in one transaction. An already-committed chapter advances progress only.
func (s *Service) runChapter(ctx context.Context, story *novel.Story, n int) error {
	exp := story.Progress

	next, err := novel.NextAfterChapter(n)
	if err != nil {
		return err
	}
	start, end := batchBounds(n)

	exists, err := s.store.ChapterExists(ctx, story.ID, n)
	if err != nil {
		return err
	}
	if exists {
		// Crash after commit, before anyone read the new progress. The
		// batch commit normally advances both together, so landing here
		// means the CAS raced; re-advance from the chapter row.
		return s.store.UpdateProgressCAS(ctx, story.ID, exp.CurrentStep, exp.LastUpdated, novel.Progress{
			CurrentStep:       next,
			ChaptersGenerated: n,
			BatchStart:        start,
			BatchEnd:          end,
		})
	}

	bible, err := s.store.GetBibleForStory(ctx, story.ID)
	if err != nil {
		return err
	}
	arc, err := s.store.GetArcForStory(ctx, story.ID)
	if err != nil {
		return err
	}
	outline, err := arc.Outline(n)
	if err != nil {
		return err
	}

	in, err := s.buildInput(ctx, story, bible, outline, n)
	if err != nil {
		return err
	}

	outcome, err := s.gen.GenerateChapter(ctx, in)
	if err != nil {
		return err
	}
	if !outcome.Accepted {
		s.logger.Warn("committing below-threshold chapter to keep the story moving",
			"story_id", story.ID,
			"chapter", n,
			"attempts", outcome.Attempts,
			"quality", outcome.Chapter.QualityScore)
	}

	ledgers := outcome.Extraction.LedgerEntries()
	for i := range ledgers {
		ledgers[i].StoryID = story.ID
		ledgers[i].ChapterNumber = n
	}

	err = s.store.CommitChapterBatchStep(ctx, store.BatchCommit{
		Chapter:       outcome.Chapter,
		Entities:      outcome.Extraction.Entities,
		Ledgers:       ledgers,
		ExpectStep:    exp.CurrentStep,
		ExpectUpdated: exp.LastUpdated,
		NewProgress: novel.Progress{
			CurrentStep:       next,
			ChaptersGenerated: n,
			BatchStart:        start,
			BatchEnd:          end,
		},
	})
	if err != nil {
		return err
	}

	s.logger.Info("chapter committed",
		"story_id", story.ID,
		"chapter", n,
		"words", outcome.Chapter.WordCount,
		"quality", outcome.Chapter.QualityScore,
		"next_step", next)

	// Post-commit consistency pass. Best effort: the chapter is durable
	// either way and a validation outage must not stall the machine.
	prior, perr := s.store.ListEntities(ctx, story.ID, n-1)
	if perr == nil {
		if _, perr = s.pass.Run(ctx, outcome.Chapter, prior, in.LedgerSummary); perr != nil {
			s.logger.Warn("consistency pass failed",
				"story_id", story.ID, "chapter", n, "error", perr)
		}
	}

	return nil
}

// buildInput assembles everything the chapter prompt needs from committed
// state.
func (s *Service) buildInput(ctx context.Context, story *novel.Story, bible *novel.Bible, outline novel.ChapterOutline, n int) (generate.Input, error) {
	in := generate.Input{
		Story:   story,
		Bible:   bible,
		Outline: outline,
	}

	prior, err := s.store.ChapterRange(ctx, story.ID, 1, n-1)
	if err != nil {
		return in, err
	}
	for _, ch := range prior {
		summary := strings.Join(ch.KeyEvents, "; ")
		if summary == "" {
			summary = ch.ClosingHook
		}
		in.PriorSummaries = append(in.PriorSummaries,
			fmt.Sprintf("Chapter %d (%s): %s", ch.ChapterNumber, ch.Title, summary))
		in.PriorEvents = append(in.PriorEvents, ch.KeyEvents...)
	}

	summary, err := s.ledgerSummary(ctx, story.ID)
	if err != nil {
		return in, err
	}
	in.LedgerSummary = summary

	// Editor corrections ride on the outline, written there when the brief
	// was applied. They are surfaced prominently only on the first chapter
	// of the corrected batch.
	if start, _ := batchBounds(n); n == start && outline.EditorNotes != "" {
		in.CorrectionsXML = outline.EditorNotes
	}

	return in, nil
}

// ledgerSummary renders both ledgers for prompts.
func (s *Service) ledgerSummary(ctx context.Context, storyID string) (string, error) {
	var sb strings.Builder
	for _, kind := range []novel.LedgerKind{novel.LedgerCharacter, novel.LedgerWorldState} {
		entries, err := s.store.ListLedger(ctx, storyID, kind)
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			fmt.Fprintf(&sb, "%s, chapter %d: %s\n", kind, e.ChapterNumber, e.Entry)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// ResumeFromCheckpoint moves a waiting story into its next batch. Called by
// the feedback ingest path once feedback is committed and any editor brief
// has been applied to the arc.
func (s *Service) ResumeFromCheckpoint(ctx context.Context, storyID string, cp novel.Checkpoint) error {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return err
	}

	waitingOn, ok := novel.CheckpointForStep(story.Progress.CurrentStep)
	if !ok {
		return fmt.Errorf("story %s is not awaiting feedback (step %s)", storyID, story.Progress.CurrentStep)
	}
	if waitingOn != novel.NormalizeCheckpoint(cp) {
		return fmt.Errorf("story %s is awaiting %s, not %s", storyID, waitingOn, cp)
	}

	start, end, ok := novel.BatchForCheckpoint(waitingOn)
	if !ok {
		return fmt.Errorf("checkpoint %q unlocks no batch", waitingOn)
	}

	exp := story.Progress
	err = s.store.UpdateProgressCAS(ctx, storyID, exp.CurrentStep, exp.LastUpdated, novel.Progress{
		CurrentStep:       novel.StepGeneratingChapter(start),
		ChaptersGenerated: exp.ChaptersGenerated,
		BatchStart:        start,
		BatchEnd:          end,
	})
	if err != nil {
		return err
	}

	s.logger.Info("checkpoint released",
		"story_id", storyID,
		"checkpoint", waitingOn,
		"batch", fmt.Sprintf("%d-%d", start, end))

	s.Kick(storyID)
	return nil
}

// ChapterSummary is one committed chapter in a bounded advancement.
type ChapterSummary struct {
	ChapterNumber int
	Title         string
	WordCount     int
}

// GenerateNext advances a story synchronously by at most count committed
// chapters and returns a summary per chapter. Planning stages run as needed
// without counting against the budget; advancement stops early at a
// checkpoint or a terminal step. For admin and smoke-test use; normal
// generation goes through Kick.
func (s *Service) GenerateNext(ctx context.Context, storyID string, count int) ([]ChapterSummary, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	var out []ChapterSummary
	for len(out) < count {
		story, err := s.store.GetStory(ctx, storyID)
		if err != nil {
			return out, err
		}

		step := story.Progress.CurrentStep
		if step.IsGenerating() {
			err = s.claimStage(ctx, story)
		}
		if err == nil {
			switch {
			case step == novel.StepGeneratingBible:
				err = s.runBible(ctx, story)
			case step == novel.StepGeneratingArc:
				err = s.runArc(ctx, story)
			case step.IsAwaitingFeedback(), step == novel.StepPermanentlyFailed:
				return out, nil
			case step == novel.StepChapter12Complete:
				if story.Status == novel.StatusGenerating {
					err = s.store.UpdateStoryStatus(ctx, story.ID, novel.StatusActive)
				}
				return out, err
			default:
				n, ok := step.ChapterNumber()
				if !ok {
					return out, fmt.Errorf("story %s: unexpected step %q", story.ID, step)
				}
				if err = s.runChapter(ctx, story, n); err == nil {
					ch, gerr := s.store.GetChapter(ctx, storyID, n)
					if gerr != nil {
						return out, gerr
					}
					out = append(out, ChapterSummary{
						ChapterNumber: n,
						Title:         ch.Title,
						WordCount:     ch.WordCount,
					})
				}
			}
		}

		if errors.Is(err, store.ErrStale) {
			s.logger.Info("lost progress race, yielding", "story_id", storyID)
			return out, nil
		}
		if err != nil {
			s.recordFailure(ctx, story, err)
			return out, err
		}
	}
	return out, nil
}

// StatusReport is the reader-facing view of where generation stands.
type StatusReport struct {
	StoryID            string
	Title              string
	Status             novel.Status
	Step               novel.Step
	ChaptersGenerated  int
	TotalChapters      int
	AwaitingCheckpoint novel.Checkpoint
	LastError          string
	Failed             bool
}

// GenerationStatus reports progress for a story.
func (s *Service) GenerationStatus(ctx context.Context, storyID string) (*StatusReport, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}

	committed, err := s.store.ChapterCount(ctx, storyID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		StoryID:           story.ID,
		Title:             story.Title,
		Status:            story.Status,
		Step:              story.Progress.CurrentStep,
		ChaptersGenerated: committed,
		TotalChapters:     novel.TotalChapters,
		LastError:         story.Progress.LastError,
		Failed:            story.Progress.CurrentStep == novel.StepPermanentlyFailed,
	}
	if cp, ok := novel.CheckpointForStep(story.Progress.CurrentStep); ok {
		report.AwaitingCheckpoint = cp
	}
	return report, nil
}

// recordFailure writes last_error without moving the step, so the sweeper
// can find the story and retry the stage. Best effort; losing this write
// only costs the error message.
func (s *Service) recordFailure(ctx context.Context, story *novel.Story, cause error) {
	exp := story.Progress
	prog := exp
	prog.LastError = cause.Error()

	if err := s.store.UpdateProgressCAS(ctx, story.ID, exp.CurrentStep, exp.LastUpdated, prog); err != nil {
		s.logger.Warn("failed to record stage failure",
			"story_id", story.ID, "error", err)
	}
	s.logger.Error("generation stage failed",
		"story_id", story.ID,
		"step", exp.CurrentStep,
		"error", cause)
}

// batchBounds returns the inclusive chapter range containing chapter n.
// Batches are 1-3, 4-6, 7-9, 10-12.
func batchBounds(n int) (start, end int) {
	start = ((n-1)/3)*3 + 1
	return start, start + 2
}
