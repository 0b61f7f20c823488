package costs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/inkwell-ai/inkwell/internal/providers"
)

// Sink persists cost entries. The store package implements this.
type Sink interface {
	InsertCostEntry(ctx context.Context, e Entry) (string, error)
}

// Recorder writes cost entries for LLM calls.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// NewRecorder creates a new cost recorder.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger}
}

// RecordOpts provides attribution for a cost recording.
type RecordOpts struct {
	StoryID       string
	UserID        string
	Stage         string
	ChapterNumber int
	Attempt       int
}

// Record stores a single entry.
func (r *Recorder) Record(ctx context.Context, e Entry) (string, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return r.sink.InsertCostEntry(ctx, e)
}

// RecordCall records an entry from an LLM completion result. The result may
// carry partial usage even on failure; record what we have. Recording
// failures are logged, not returned, so ledger writes never fail a
// generation step.
func (r *Recorder) RecordCall(ctx context.Context, opts RecordOpts, result *providers.Result, callErr error) string {
	if result == nil {
		result = &providers.Result{}
	}

	e := Entry{
		StoryID:       opts.StoryID,
		UserID:        opts.UserID,
		Stage:         opts.Stage,
		ChapterNumber: opts.ChapterNumber,
		Attempt:       opts.Attempt,

		Provider:  result.Provider,
		Model:     result.ModelUsed,
		RequestID: result.RequestID,

		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      EstimateCost(result.ModelUsed, result.InputTokens, result.OutputTokens),

		ExecutionSeconds: result.ExecutionTime.Seconds(),

		Success:   callErr == nil,
		CreatedAt: time.Now(),
	}
	if callErr != nil {
		e.ErrorType = classifyError(callErr)
	}

	id, err := r.Record(ctx, e)
	if err != nil {
		r.logger.Warn("failed to record cost entry",
			"story_id", opts.StoryID,
			"stage", opts.Stage,
			"error", err)
		return ""
	}
	return id
}

// classifyError maps a call error to a stable error type for aggregation.
func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case providers.IsRateLimited(err):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "provider_error"
	}
}
