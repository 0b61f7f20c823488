package generate

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/inkwell-ai/inkwell/internal/costs"
	"github.com/inkwell-ai/inkwell/internal/extract"
	"github.com/inkwell-ai/inkwell/internal/prompts"
	"github.com/inkwell-ai/inkwell/internal/providers"
)

// Rubric weights. They sum to 1.0; the weighted total is on the same 0-10
// scale as the per-criterion scores.
var reviewWeights = map[string]float64{
	"show_dont_tell":        0.25,
	"dialogue":              0.20,
	"pacing":                0.20,
	"age_appropriateness":   0.15,
	"character_consistency": 0.10,
	"prose_quality":         0.10,
}

// CriterionScore is one rubric line.
type CriterionScore struct {
	Score float64 `json:"score"`
	Note  string  `json:"note,omitempty"`
}

// Review is a scored quality assessment of a draft.
type Review struct {
	Scores         map[string]CriterionScore `json:"scores"`
	BiggestProblem string                    `json:"biggest_problem,omitempty"`
}

// Weighted returns the rubric-weighted total on the 0-10 scale. A criterion
// the reviewer skipped scores zero, which drags the total down instead of
// silently passing.
func (r *Review) Weighted() float64 {
	var total float64
	for name, weight := range reviewWeights {
		total += r.Scores[name].Score * weight
	}
	return total
}

// Serialize returns the review as the JSON blob stored on the chapter row.
func (r *Review) Serialize() string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}

// Reviewer runs the quality review pass.
type Reviewer struct {
	client   providers.Client
	recorder *costs.Recorder
	logger   *slog.Logger
}

// NewReviewer creates a reviewer bound to a client.
func NewReviewer(client providers.Client, recorder *costs.Recorder, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{client: client, recorder: recorder, logger: logger}
}

// Review scores a draft against the rubric.
func (rv *Reviewer) Review(ctx context.Context, opts costs.RecordOpts, data prompts.QualityReviewData) (*Review, error) {
	prompt, err := prompts.Render(prompts.QualityReview, data)
	if err != nil {
		return nil, err
	}

	var review Review
	err = extract.WithReask(ctx, completeFunc(rv.client, rv.recorder, opts, 1536, "quality review"), prompt,
		func(content string) error {
			review = Review{}
			return extract.JSONInto(content, &review, "scores")
		})
	if err != nil {
		return nil, wrapParse("quality review", err)
	}
	return &review, nil
}
