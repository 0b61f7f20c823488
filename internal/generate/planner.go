package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/internal/costs"
	"github.com/inkwell-ai/inkwell/internal/extract"
	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/prompts"
	"github.com/inkwell-ai/inkwell/internal/providers"
)

// Planner stage names for the cost ledger.
const (
	StagePremises = "premises"
	StageBible    = "bible"
	StageArc      = "arc"
)

// Planner generates the pre-chapter artifacts: premises, bible, arc.
type Planner struct {
	client   providers.Client
	recorder *costs.Recorder
	validate *validator.Validate
	logger   *slog.Logger
}

// NewPlanner creates a planner on the prose-grade client.
func NewPlanner(client providers.Client, recorder *costs.Recorder, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		client:   client,
		recorder: recorder,
		validate: validator.New(),
		logger:   logger,
	}
}

// GeneratePremises produces the comfort/stretch/wildcard triple for a
// reader's preferences.
func (p *Planner) GeneratePremises(ctx context.Context, prefs novel.Preferences) (*novel.PremiseSet, error) {
	prompt, err := prompts.Render(prompts.Premises, prompts.PremisesData{
		Genres:       prefs.Genres,
		Themes:       prefs.Themes,
		Avoid:        prefs.Avoid,
		ReadingLevel: prefs.ReadingLevel,
		RecentTitles: prefs.RecentTitles,
	})
	if err != nil {
		return nil, err
	}

	opts := costs.RecordOpts{UserID: prefs.UserID, Stage: StagePremises}

	var payload struct {
		Premises []novel.Premise `json:"premises"`
	}
	err = extract.WithReask(ctx, p.complete(opts, 2048, "premise generation"), prompt, func(content string) error {
		payload.Premises = nil
		return extract.JSONInto(content, &payload, "premises")
	})
	if err != nil {
		return nil, wrapParse("premise generation", err)
	}

	set := &novel.PremiseSet{
		UserID:   prefs.UserID,
		Premises: payload.Premises,
	}
	for i := range set.Premises {
		if set.Premises[i].ID == "" {
			set.Premises[i].ID = uuid.New().String()
		}
	}
	if err := set.ValidateTiers(); err != nil {
		return nil, fmt.Errorf("premise set invalid: %w", err)
	}
	if err := p.validate.Struct(set); err != nil {
		return nil, fmt.Errorf("premise set invalid: %w", err)
	}
	return set, nil
}

// GenerateBible produces the story bible for a selected premise.
func (p *Planner) GenerateBible(ctx context.Context, story *novel.Story, premise novel.Premise, seriesSummary string) (*novel.Bible, error) {
	prompt, err := prompts.Render(prompts.Bible, prompts.BibleData{
		Title:         premise.Title,
		Description:   premise.Description,
		Hook:          premise.Hook,
		Genre:         premise.Genre,
		Themes:        premise.Themes,
		SeriesSummary: seriesSummary,
		BookNumber:    story.BookNumber,
	})
	if err != nil {
		return nil, err
	}

	opts := costs.RecordOpts{StoryID: story.ID, UserID: story.UserID, Stage: StageBible}

	var bible novel.Bible
	err = extract.WithReask(ctx, p.complete(opts, 4096, "bible generation"), prompt, func(content string) error {
		bible = novel.Bible{}
		return extract.JSONInto(content, &bible, "protagonist", "antagonist", "central_conflict")
	})
	if err != nil {
		return nil, wrapParse("bible generation", err)
	}
	bible.StoryID = story.ID

	if err := p.validate.Struct(&bible); err != nil {
		return nil, fmt.Errorf("bible invalid: %w", err)
	}
	if !bible.HasUniqueNames() {
		return nil, fmt.Errorf("bible has duplicate character names")
	}
	return &bible, nil
}

// GenerateArc produces the twelve-chapter outline from a bible.
func (p *Planner) GenerateArc(ctx context.Context, story *novel.Story, bible *novel.Bible) (*novel.Arc, error) {
	bibleJSON, err := json.Marshal(bible)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bible: %w", err)
	}

	prompt, err := prompts.Render(prompts.Arc, prompts.ArcData{
		BibleJSON:     string(bibleJSON),
		TotalChapters: novel.TotalChapters,
	})
	if err != nil {
		return nil, err
	}

	opts := costs.RecordOpts{StoryID: story.ID, UserID: story.UserID, Stage: StageArc}

	var payload struct {
		Chapters []novel.ChapterOutline `json:"chapters"`
	}
	err = extract.WithReask(ctx, p.complete(opts, 8192, "arc generation"), prompt, func(content string) error {
		payload.Chapters = nil
		return extract.JSONInto(content, &payload, "chapters")
	})
	if err != nil {
		return nil, wrapParse("arc generation", err)
	}

	arc := &novel.Arc{
		StoryID:  story.ID,
		Outlines: payload.Chapters,
	}
	if err := arc.ValidateChapterNumbers(); err != nil {
		return nil, fmt.Errorf("arc invalid: %w", err)
	}
	return arc, nil
}

func (p *Planner) complete(opts costs.RecordOpts, maxTokens int, stage string) extract.CompleteFunc {
	return completeFunc(p.client, p.recorder, opts, maxTokens, stage)
}

// completeFunc builds the one-call closure the re-ask loop drives: render is
// done, this just sends, records cost, and hands back raw content.
func completeFunc(client providers.Client, recorder *costs.Recorder, opts costs.RecordOpts, maxTokens int, stage string) extract.CompleteFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		result, callErr := client.Complete(ctx, &providers.Request{Prompt: prompt, MaxTokens: maxTokens})
		if recorder != nil {
			recorder.RecordCall(ctx, opts, result, callErr)
		}
		if callErr != nil {
			return "", fmt.Errorf("%s failed: %w", stage, callErr)
		}
		return result.Content, nil
	}
}

// wrapParse labels a parse failure with its stage. Call errors already carry
// theirs from completeFunc.
func wrapParse(stage string, err error) error {
	var perr *extract.ParseError
	if errors.As(err, &perr) {
		return fmt.Errorf("%s unparseable: %w", stage, err)
	}
	return err
}
