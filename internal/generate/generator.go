// Package generate implements the chapter pipeline: constraint extraction,
// prose generation, the deterministic scanner, quality review, constraint
// validation and bounded regeneration.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inkwell-ai/inkwell/internal/constraints"
	"github.com/inkwell-ai/inkwell/internal/costs"
	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/prompts"
	"github.com/inkwell-ai/inkwell/internal/providers"
)

// Cost ledger stage names.
const (
	StageConstraintExtraction = "constraint_extraction"
	StageChapterGeneration    = "chapter_generation"
	StageQualityReview        = "quality_review"
	StageConstraintValidation = "constraint_validation"
	StageEntityExtraction     = "entity_extraction"
)

// Config tunes the pipeline.
type Config struct {
	MaxRegenerations int
	WordMin          int
	WordMax          int
	QualityThreshold float64
	ReadingLevel     string
	ScannerLimits    map[string]int
}

// Generator drives one chapter from outline to committed-ready draft.
type Generator struct {
	proseClient providers.Client
	extractor   *constraints.Extractor
	checker     *constraints.Checker
	reviewer    *Reviewer
	entities    *EntityExtractor
	recorder    *costs.Recorder
	cfg         Config
	logger      *slog.Logger

	mu      sync.RWMutex
	scanner *Scanner
}

// NewGenerator wires the pipeline. proseClient carries the chapters;
// cheapClient judges them (review and validation); extractClient runs the
// structured-output passes (constraint and entity extraction).
func NewGenerator(proseClient, cheapClient, extractClient providers.Client, recorder *costs.Recorder, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		proseClient: proseClient,
		extractor:   constraints.NewExtractor(extractClient, recorder, logger),
		checker:     constraints.NewChecker(cheapClient, recorder, logger),
		reviewer:    NewReviewer(cheapClient, recorder, logger),
		entities:    NewEntityExtractor(extractClient, recorder, logger),
		scanner:     NewScanner(cfg.ScannerLimits),
		recorder:    recorder,
		cfg:         cfg,
		logger:      logger,
	}
}

// SetScannerLimits swaps the scanner's caps. In-flight attempts keep the
// scanner they started with; the next attempt picks up the new limits.
// Used by config hot reload.
func (g *Generator) SetScannerLimits(limits map[string]int) {
	g.mu.Lock()
	g.scanner = NewScanner(limits)
	g.mu.Unlock()
}

// Input is everything a chapter generation needs from the story state.
type Input struct {
	Story   *novel.Story
	Bible   *novel.Bible
	Outline novel.ChapterOutline

	// PriorSummaries are one-line recaps of every committed chapter, in
	// order, embedded in the prompt.
	PriorSummaries []string

	// PriorEvents are committed key events, for constraint extraction.
	PriorEvents []string

	// LedgerSummary is the rendered character/world state.
	LedgerSummary string

	// CorrectionsXML is the editor brief for the first chapter of a
	// corrected batch. Empty otherwise.
	CorrectionsXML string
}

// Outcome is a finished chapter attempt sequence, ready to commit.
type Outcome struct {
	Chapter    *novel.Chapter
	Extraction *Extraction

	// Accepted is false when the retry budget ran out and the best draft
	// is being committed anyway to keep the story moving.
	Accepted bool
	Attempts int
}

// attempt is one draft with its judged results.
type attempt struct {
	draft     string
	wordCount int
	scanClean bool
	report    *constraints.Report
	review    *Review
	issues    []string
}

// hardFail reports whether the draft failed a gate that forces
// regeneration regardless of quality.
func (a *attempt) hardFail() bool {
	return !a.scanClean || a.report == nil || a.report.Verdict != constraints.VerdictPass
}

// better orders attempts for the exhausted fallback. Fewer hard failures
// wins; quality breaks ties.
func (a *attempt) better(b *attempt) bool {
	if b == nil {
		return true
	}
	if a.hardFail() != b.hardFail() {
		return !a.hardFail()
	}
	return a.review.Weighted() > b.review.Weighted()
}

// GenerateChapter runs the three-pass pipeline with bounded regeneration.
// It never returns an unusable nil outcome without an error: either a draft
// was accepted, or the best rejected draft comes back with Accepted=false
// so the caller can commit it and keep the story alive.
func (g *Generator) GenerateChapter(ctx context.Context, in Input) (*Outcome, error) {
	bibleJSON, err := json.Marshal(in.Bible)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bible: %w", err)
	}
	outlineJSON, err := json.Marshal(in.Outline)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outline: %w", err)
	}

	opts := costs.RecordOpts{
		StoryID:       in.Story.ID,
		UserID:        in.Story.UserID,
		ChapterNumber: in.Outline.ChapterNumber,
	}

	opts.Stage = StageConstraintExtraction
	set, err := g.extractor.Extract(ctx, opts, prompts.ConstraintsExtractData{
		ChapterNumber: in.Outline.ChapterNumber,
		OutlineJSON:   string(outlineJSON),
		BibleSummary:  bibleSummary(in.Bible),
		PriorEvents:   in.PriorEvents,
		LedgerSummary: in.LedgerSummary,
	})
	if err != nil {
		return nil, err
	}

	var best *attempt
	var retryNotes []string
	attempts := 0

	for attempts <= g.cfg.MaxRegenerations {
		attempts++
		opts.Attempt = attempts - 1

		a, err := g.runAttempt(ctx, opts, in, set, string(bibleJSON), string(outlineJSON), retryNotes)
		if err != nil {
			return nil, err
		}

		if a.better(best) {
			best = a
		}

		if !a.hardFail() && a.review.Weighted() >= g.cfg.QualityThreshold {
			return g.finish(ctx, opts, in, set, a, attempts, true)
		}

		retryNotes = a.issues
		g.logger.Info("chapter draft rejected",
			"story_id", in.Story.ID,
			"chapter", in.Outline.ChapterNumber,
			"attempt", attempts,
			"hard_fail", a.hardFail(),
			"quality", a.review.Weighted())
	}

	// Budget exhausted. Commit the best draft anyway; a stalled story is
	// worse than an imperfect chapter.
	g.logger.Warn("regeneration budget exhausted, committing best draft",
		"story_id", in.Story.ID,
		"chapter", in.Outline.ChapterNumber,
		"attempts", attempts)
	return g.finish(ctx, opts, in, set, best, attempts, false)
}

// runAttempt generates one draft and judges it through every gate.
func (g *Generator) runAttempt(ctx context.Context, opts costs.RecordOpts, in Input, set *constraints.Set, bibleJSON, outlineJSON string, retryNotes []string) (*attempt, error) {
	prompt, err := prompts.Render(prompts.Chapter, prompts.ChapterData{
		ChapterNumber:  in.Outline.ChapterNumber,
		Title:          in.Outline.Title,
		OutlineJSON:    outlineJSON,
		BibleJSON:      bibleJSON,
		PriorSummaries: in.PriorSummaries,
		CorrectionsXML: in.CorrectionsXML,
		ConstraintsXML: set.ToXML(),
		WordMin:        g.cfg.WordMin,
		WordMax:        g.cfg.WordMax,
		RetryNotes:     retryNotes,
	})
	if err != nil {
		return nil, err
	}

	genOpts := opts
	genOpts.Stage = StageChapterGeneration
	result, callErr := g.proseClient.Complete(ctx, &providers.Request{
		Prompt:    prompt,
		MaxTokens: g.cfg.WordMax * 2, // rough words-to-tokens margin
	})
	if g.recorder != nil {
		g.recorder.RecordCall(ctx, genOpts, result, callErr)
	}
	if callErr != nil {
		return nil, fmt.Errorf("chapter generation failed: %w", callErr)
	}

	a := &attempt{draft: result.Content, wordCount: WordCount(result.Content)}

	g.mu.RLock()
	scanner := g.scanner
	g.mu.RUnlock()
	scan := scanner.Scan(a.draft)
	a.scanClean = scan.Clean()
	a.issues = append(a.issues, scan.Violations...)

	if a.wordCount < g.cfg.WordMin || a.wordCount > g.cfg.WordMax {
		a.scanClean = false
		a.issues = append(a.issues, fmt.Sprintf(
			"chapter is %d words, must be between %d and %d", a.wordCount, g.cfg.WordMin, g.cfg.WordMax))
	}

	reviewOpts := opts
	reviewOpts.Stage = StageQualityReview
	a.review, err = g.reviewer.Review(ctx, reviewOpts, prompts.QualityReviewData{
		ChapterNumber: in.Outline.ChapterNumber,
		ChapterText:   a.draft,
		ReadingLevel:  g.cfg.ReadingLevel,
		BibleSummary:  bibleSummary(in.Bible),
	})
	if err != nil {
		return nil, err
	}
	if a.review.Weighted() < g.cfg.QualityThreshold && a.review.BiggestProblem != "" {
		a.issues = append(a.issues, a.review.BiggestProblem)
	}

	checkOpts := opts
	checkOpts.Stage = StageConstraintValidation
	a.report, err = g.checker.Check(ctx, checkOpts, set, a.draft)
	if err != nil {
		return nil, err
	}
	if a.report.Verdict != constraints.VerdictPass {
		a.issues = append(a.issues, a.report.Issues(set)...)
	}

	return a, nil
}

// finish runs entity extraction on the final draft and assembles the
// chapter row.
func (g *Generator) finish(ctx context.Context, opts costs.RecordOpts, in Input, set *constraints.Set, a *attempt, attempts int, accepted bool) (*Outcome, error) {
	entOpts := opts
	entOpts.Stage = StageEntityExtraction
	ex, err := g.entities.Extract(ctx, entOpts, prompts.EntityExtractData{
		ChapterText:     a.draft,
		MaxEntities:     novel.MaxEntitiesPerChapter,
		KnownCharacters: in.Bible.CharacterNames(),
	})
	if err != nil {
		// Extraction failing must not lose an accepted draft; commit the
		// chapter with empty continuity data and let the consistency pass
		// catch up later.
		g.logger.Warn("entity extraction failed, committing without continuity data",
			"story_id", in.Story.ID,
			"chapter", in.Outline.ChapterNumber,
			"error", err)
		ex = &Extraction{}
	}

	verdict := constraints.VerdictFail
	if a.report != nil {
		verdict = a.report.Verdict
	}

	ch := &novel.Chapter{
		StoryID:           in.Story.ID,
		ChapterNumber:     in.Outline.ChapterNumber,
		Title:             in.Outline.Title,
		Content:           a.draft,
		WordCount:         a.wordCount,
		QualityScore:      a.review.Weighted(),
		RegenerationCount: attempts - 1,
		QualityReview:     a.review.Serialize(),
		OpeningHook:       ex.OpeningHook,
		ClosingHook:       ex.ClosingHook,
		KeyEvents:         ex.KeyEvents,
		ConstraintVerdict: verdict,
	}

	return &Outcome{
		Chapter:    ch,
		Extraction: ex,
		Accepted:   accepted,
		Attempts:   attempts,
	}, nil
}

// bibleSummary renders the short-form bible used by cheap-model passes.
func bibleSummary(b *novel.Bible) string {
	if b == nil {
		return ""
	}
	return fmt.Sprintf("Protagonist: %s. Antagonist: %s. Conflict: %s. Stakes: %s.",
		b.Protagonist.Name, b.Antagonist.Name, b.CentralConflict, b.Stakes)
}
