// Package providers wraps text-completion backends behind one interface.
// The core treats a model as a black box: prompt in, text plus token counts
// out. Provider-specific transport, retries and rate limiting live here.
package providers

import (
	"context"
	"errors"
	"time"
)

// Client is the completion interface the rest of the system consumes.
type Client interface {
	// Complete sends a single-user-message prompt and returns the text
	// with token accounting. Implementations retry transient transport
	// errors internally, bounded by their configuration.
	Complete(ctx context.Context, req *Request) (*Result, error)

	// Name returns the client identifier (e.g. "openrouter").
	Name() string
}

// ErrRateLimited wraps errors caused by provider 429 responses that survive
// the retry budget.
var ErrRateLimited = errors.New("provider rate limited")

// IsRateLimited reports whether err came from an exhausted rate-limit retry.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// Request is a completion request.
type Request struct {
	// Model selection (client default if empty).
	Model string

	// Prompt is the single user message. The core never needs multi-turn
	// context; everything the model must know is assembled into one prompt.
	Prompt string

	// MaxTokens bounds the output budget.
	MaxTokens int

	// Timeout overrides the client's per-call deadline when non-zero.
	// Chapter-length responses need minutes, not seconds.
	Timeout time.Duration

	// Temperature, when non-zero, overrides the provider default.
	Temperature float64

	// RequestID for tracing. Generated if empty.
	RequestID string
}

// Result is the completion response.
type Result struct {
	Content string

	// Token accounting, forwarded to the cost ledger by callers.
	InputTokens  int
	OutputTokens int

	Provider  string
	ModelUsed string
	RequestID string
	Attempts  int

	ExecutionTime time.Duration

	// RetryAfter is the server-requested delay when the final failure was
	// a rate limit.
	RetryAfter time.Duration
}
