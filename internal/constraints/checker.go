package constraints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inkwell-ai/inkwell/internal/costs"
	"github.com/inkwell-ai/inkwell/internal/extract"
	"github.com/inkwell-ai/inkwell/internal/prompts"
	"github.com/inkwell-ai/inkwell/internal/providers"
)

// reportSchema pins the shape of the validation payload. A report that
// decodes but misshapes (string statuses missing, judgments not arrays)
// would otherwise slip through as an empty report and read as unjudged.
const reportSchema = `{
	"type": "object",
	"required": ["must", "must_not"],
	"properties": {
		"must": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "status"],
				"properties": {
					"id": {"type": "string"},
					"status": {"type": "string"},
					"evidence": {"type": "string"}
				}
			}
		},
		"must_not": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "status"],
				"properties": {
					"id": {"type": "string"},
					"status": {"type": "string"},
					"evidence": {"type": "string"}
				}
			}
		},
		"verdict": {"type": "string"},
		"specific_issues": {"type": "array", "items": {"type": "string"}}
	}
}`

// Checker runs the validation pass on the cheap model.
type Checker struct {
	client   providers.Client
	recorder *costs.Recorder
	logger   *slog.Logger
}

// NewChecker creates a checker bound to a client.
func NewChecker(client providers.Client, recorder *costs.Recorder, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{client: client, recorder: recorder, logger: logger}
}

// Check judges a draft against its constraint set. The returned report's
// verdict is always recomputed from the per-constraint statuses.
func (c *Checker) Check(ctx context.Context, opts costs.RecordOpts, set *Set, draft string) (*Report, error) {
	prompt, err := prompts.Render(prompts.ConstraintsCheck, prompts.ConstraintsCheckData{
		ChapterText:    draft,
		ConstraintsXML: set.ToXML(),
	})
	if err != nil {
		return nil, err
	}

	complete := func(ctx context.Context, p string) (string, error) {
		result, callErr := c.client.Complete(ctx, &providers.Request{Prompt: p, MaxTokens: 2048})
		if c.recorder != nil {
			c.recorder.RecordCall(ctx, opts, result, callErr)
		}
		if callErr != nil {
			return "", fmt.Errorf("constraint check failed: %w", callErr)
		}
		return result.Content, nil
	}

	var report Report
	err = extract.WithReask(ctx, complete, prompt, func(content string) error {
		raw, err := extract.JSONObject(content)
		if err != nil {
			return err
		}
		// A report that decodes but misshapes counts as a parse failure so
		// the re-ask covers it too.
		if err := extract.ValidateSchema(json.RawMessage(reportSchema), raw); err != nil {
			return &extract.ParseError{Raw: content, Reason: err.Error()}
		}
		report = Report{}
		return extract.JSONInto(content, &report, "must", "must_not")
	})
	if err != nil {
		var perr *extract.ParseError
		if errors.As(err, &perr) {
			return nil, fmt.Errorf("constraint check unparseable: %w", err)
		}
		return nil, err
	}

	modelVerdict := report.Verdict
	report.Recompute(set)
	if modelVerdict != "" && modelVerdict != report.Verdict {
		c.logger.Warn("checker verdict disagreed with recomputation",
			"model", modelVerdict, "recomputed", report.Verdict)
	}

	return &report, nil
}
