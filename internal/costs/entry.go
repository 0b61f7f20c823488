// Package costs provides cost and usage tracking for LLM operations.
package costs

import "time"

// Entry represents a single recorded LLM call. Entries are append-only
// records with full attribution so spend can be rolled up per story, per
// stage, and per model.
type Entry struct {
	ID string `json:"id,omitempty"`

	// Attribution (for filtering/aggregation)
	StoryID       string `json:"story_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Stage         string `json:"stage,omitempty"`          // e.g. "bible", "chapter_generation", "constraint_validation"
	ChapterNumber int    `json:"chapter_number,omitempty"` // 0 for non-chapter stages
	Attempt       int    `json:"attempt,omitempty"`        // regeneration attempt, 0 for first

	// Provider info
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Cost and tokens
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`

	// Timing
	ExecutionSeconds float64 `json:"execution_seconds,omitempty"`

	// Status
	Success   bool   `json:"success"`
	ErrorType string `json:"error_type,omitempty"`

	// Metadata
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// TotalTokens returns input plus output tokens.
func (e *Entry) TotalTokens() int {
	return e.InputTokens + e.OutputTokens
}

// modelRate holds per-million-token pricing in USD.
type modelRate struct {
	InputPerM  float64
	OutputPerM float64
}

// Pricing is keyed by model identifier. Unknown models fall back to
// defaultRate so entries are never recorded with zero cost estimates
// when tokens were consumed.
var pricing = map[string]modelRate{
	"anthropic/claude-3.5-sonnet": {InputPerM: 3.00, OutputPerM: 15.00},
	"anthropic/claude-3.5-haiku":  {InputPerM: 0.80, OutputPerM: 4.00},
	"openai/gpt-4o":               {InputPerM: 2.50, OutputPerM: 10.00},
	"openai/gpt-4o-mini":          {InputPerM: 0.15, OutputPerM: 0.60},
	"gpt-4o":                      {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":                 {InputPerM: 0.15, OutputPerM: 0.60},
}

var defaultRate = modelRate{InputPerM: 3.00, OutputPerM: 15.00}

// EstimateCost computes the USD cost for a call from token counts.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	rate, ok := pricing[model]
	if !ok {
		rate = defaultRate
	}
	return float64(inputTokens)/1_000_000*rate.InputPerM +
		float64(outputTokens)/1_000_000*rate.OutputPerM
}
