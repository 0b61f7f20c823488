package constraints

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inkwell-ai/inkwell/internal/costs"
	"github.com/inkwell-ai/inkwell/internal/extract"
	"github.com/inkwell-ai/inkwell/internal/prompts"
	"github.com/inkwell-ai/inkwell/internal/providers"
)

// Extractor runs the extraction pass on the cheap model.
type Extractor struct {
	client   providers.Client
	recorder *costs.Recorder
	logger   *slog.Logger
}

// NewExtractor creates an extractor bound to a client.
func NewExtractor(client providers.Client, recorder *costs.Recorder, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{client: client, recorder: recorder, logger: logger}
}

// Extract derives the constraint set for a chapter from its outline and the
// accumulated story state.
func (e *Extractor) Extract(ctx context.Context, opts costs.RecordOpts, data prompts.ConstraintsExtractData) (*Set, error) {
	prompt, err := prompts.Render(prompts.ConstraintsExtract, data)
	if err != nil {
		return nil, err
	}

	complete := func(ctx context.Context, p string) (string, error) {
		result, callErr := e.client.Complete(ctx, &providers.Request{Prompt: p, MaxTokens: 2048})
		if e.recorder != nil {
			e.recorder.RecordCall(ctx, opts, result, callErr)
		}
		if callErr != nil {
			return "", fmt.Errorf("constraint extraction failed: %w", callErr)
		}
		return result.Content, nil
	}

	var set Set
	err = extract.WithReask(ctx, complete, prompt, func(content string) error {
		set = Set{}
		return extract.JSONInto(content, &set, "must", "must_not")
	})
	if err != nil {
		var perr *extract.ParseError
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("constraint extraction unparseable: %w", err)
		}
		return nil, err
	}

	set.Clamp()
	if err := set.Validate(); err != nil {
		return nil, err
	}

	if len(set.Must) < MinMust || len(set.MustNot) < MinMustNot {
		e.logger.Warn("thin constraint set",
			"chapter", data.ChapterNumber,
			"must", len(set.Must),
			"must_not", len(set.MustNot))
	}

	return &set, nil
}
