// Package revision runs the post-commit consistency pass: validate a
// committed chapter against established facts, flag contradicted entities,
// and apply at most one surgical revision for critical issues.
package revision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inkwell-ai/inkwell/internal/costs"
	"github.com/inkwell-ai/inkwell/internal/extract"
	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/prompts"
	"github.com/inkwell-ai/inkwell/internal/providers"
)

// Cost ledger stage names.
const (
	StageConsistencyCheck = "consistency_check"
	StageSurgicalRevision = "surgical_revision"
)

// Issue severities.
const (
	SeverityCritical = "critical"
	SeverityMinor    = "minor"
)

// Issue is one contradiction the consistency check reported.
type Issue struct {
	Severity     string `json:"severity"`
	EntityName   string `json:"entity_name"`
	Description  string `json:"description"`
	ChapterQuote string `json:"chapter_quote,omitempty"`
}

// Report is the consistency check result for one chapter.
type Report struct {
	Issues []Issue `json:"issues"`
}

// Critical returns the issues that warrant a surgical revision.
func (r *Report) Critical() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			out = append(out, is)
		}
	}
	return out
}

// Clean reports whether the chapter contradicted nothing.
func (r *Report) Clean() bool {
	return len(r.Issues) == 0
}

// ChapterStore is the slice of the store the pass writes through.
type ChapterStore interface {
	MarkEntityInconsistent(ctx context.Context, entityID string) error
	UpdateChapterContent(ctx context.Context, chapterID, content string, wordCount int) error
}

// Pass wires the consistency validator and the one-shot reviser.
type Pass struct {
	cheapClient providers.Client
	proseClient providers.Client
	store       ChapterStore
	recorder    *costs.Recorder
	logger      *slog.Logger
}

// NewPass creates the consistency pass. cheapClient judges, proseClient
// rewrites.
func NewPass(cheapClient, proseClient providers.Client, store ChapterStore, recorder *costs.Recorder, logger *slog.Logger) *Pass {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pass{
		cheapClient: cheapClient,
		proseClient: proseClient,
		store:       store,
		recorder:    recorder,
		logger:      logger,
	}
}

// Validate checks a committed chapter against every fact established before
// it. Prior entities come from earlier chapters only; the chapter's own
// extraction is what gets contradicted, not the baseline.
func (p *Pass) Validate(ctx context.Context, ch *novel.Chapter, prior []novel.ChapterEntity, ledgerSummary string) (*Report, error) {
	entitiesJSON, err := json.Marshal(prior)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entities: %w", err)
	}

	prompt, err := prompts.Render(prompts.Consistency, prompts.ConsistencyData{
		ChapterNumber: ch.ChapterNumber,
		ChapterText:   ch.Content,
		EntitiesJSON:  string(entitiesJSON),
		LedgerSummary: ledgerSummary,
	})
	if err != nil {
		return nil, err
	}

	opts := costs.RecordOpts{StoryID: ch.StoryID, ChapterNumber: ch.ChapterNumber, Stage: StageConsistencyCheck}
	complete := func(ctx context.Context, p2 string) (string, error) {
		result, callErr := p.cheapClient.Complete(ctx, &providers.Request{Prompt: p2, MaxTokens: 2048})
		if p.recorder != nil {
			p.recorder.RecordCall(ctx, opts, result, callErr)
		}
		if callErr != nil {
			return "", fmt.Errorf("consistency check failed: %w", callErr)
		}
		return result.Content, nil
	}

	var report Report
	err = extract.WithReask(ctx, complete, prompt, func(content string) error {
		report = Report{}
		return extract.JSONInto(content, &report, "issues")
	})
	if err != nil {
		var perr *extract.ParseError
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("consistency check unparseable: %w", err)
		}
		return nil, err
	}
	return &report, nil
}

// Run validates a committed chapter and, when critical contradictions are
// found, applies one surgical revision. The chapter row is the durable
// record of whether a revision already happened; Revised chapters are never
// rewritten again. Failures here are logged and swallowed by the caller:
// consistency is best-effort, the committed chapter is already safe.
func (p *Pass) Run(ctx context.Context, ch *novel.Chapter, prior []novel.ChapterEntity, ledgerSummary string) (*Report, error) {
	report, err := p.Validate(ctx, ch, prior, ledgerSummary)
	if err != nil {
		return nil, err
	}
	if report.Clean() {
		return report, nil
	}

	p.flagEntities(ctx, report, prior)

	critical := report.Critical()
	if len(critical) == 0 {
		p.logger.Info("consistency check found only minor drift",
			"story_id", ch.StoryID,
			"chapter", ch.ChapterNumber,
			"issues", len(report.Issues))
		return report, nil
	}

	if ch.Revised {
		p.logger.Warn("critical contradictions remain after the one revision, leaving chapter as-is",
			"story_id", ch.StoryID,
			"chapter", ch.ChapterNumber,
			"critical", len(critical))
		return report, nil
	}

	if err := p.revise(ctx, ch, critical); err != nil {
		p.logger.Warn("surgical revision failed, keeping original chapter",
			"story_id", ch.StoryID,
			"chapter", ch.ChapterNumber,
			"error", err)
	}
	return report, nil
}

// flagEntities marks prior entities named in issues so future constraint
// extraction stops citing contradicted facts.
func (p *Pass) flagEntities(ctx context.Context, report *Report, prior []novel.ChapterEntity) {
	byName := make(map[string][]string)
	for _, e := range prior {
		byName[strings.ToLower(e.Name)] = append(byName[strings.ToLower(e.Name)], e.ID)
	}
	for _, is := range report.Issues {
		if is.Severity != SeverityCritical {
			continue
		}
		for _, id := range byName[strings.ToLower(is.EntityName)] {
			if err := p.store.MarkEntityInconsistent(ctx, id); err != nil {
				p.logger.Warn("failed to flag inconsistent entity",
					"entity_id", id, "error", err)
			}
		}
	}
}

// revise applies the single surgical revision and persists it.
func (p *Pass) revise(ctx context.Context, ch *novel.Chapter, critical []Issue) error {
	issues := make([]string, 0, len(critical))
	for _, is := range critical {
		line := is.Description
		if is.ChapterQuote != "" {
			line = fmt.Sprintf("%s (at: %q)", is.Description, is.ChapterQuote)
		}
		issues = append(issues, line)
	}

	prompt, err := prompts.Render(prompts.Revision, prompts.RevisionData{
		ChapterText: ch.Content,
		Issues:      issues,
	})
	if err != nil {
		return err
	}

	opts := costs.RecordOpts{StoryID: ch.StoryID, ChapterNumber: ch.ChapterNumber, Stage: StageSurgicalRevision}
	result, callErr := p.proseClient.Complete(ctx, &providers.Request{Prompt: prompt, MaxTokens: ch.WordCount * 3})
	if p.recorder != nil {
		p.recorder.RecordCall(ctx, opts, result, callErr)
	}
	if callErr != nil {
		return fmt.Errorf("revision generation failed: %w", callErr)
	}

	revised := strings.TrimSpace(extract.StripCodeFences(result.Content))
	words := len(strings.Fields(revised))

	// A revision that gutted the chapter is worse than the contradiction.
	if words < ch.WordCount/2 {
		return fmt.Errorf("revision came back %d words against original %d, discarding", words, ch.WordCount)
	}

	if err := p.store.UpdateChapterContent(ctx, ch.ID, revised, words); err != nil {
		return err
	}
	ch.Content = revised
	ch.WordCount = words
	ch.Revised = true

	p.logger.Info("surgical revision applied",
		"story_id", ch.StoryID,
		"chapter", ch.ChapterNumber,
		"issues_fixed", len(critical))
	return nil
}
