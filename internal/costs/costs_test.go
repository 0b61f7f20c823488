package costs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inkwell-ai/inkwell/internal/providers"
)

// memSink collects entries in memory for tests.
type memSink struct {
	entries []Entry
	failing bool
}

func (m *memSink) InsertCostEntry(ctx context.Context, e Entry) (string, error) {
	if m.failing {
		return "", errors.New("sink unavailable")
	}
	m.entries = append(m.entries, e)
	return "entry-1", nil
}

func (m *memSink) ListCostEntries(ctx context.Context, f Filter) ([]Entry, error) {
	var out []Entry
	for _, e := range m.entries {
		if f.StoryID != "" && e.StoryID != f.StoryID {
			continue
		}
		if f.Stage != "" && e.Stage != f.Stage {
			continue
		}
		if f.Model != "" && e.Model != f.Model {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{
			name:   "known model",
			model:  "openai/gpt-4o-mini",
			input:  1_000_000,
			output: 1_000_000,
			want:   0.75,
		},
		{
			name:   "unknown model uses default rate",
			model:  "somelab/mystery-model",
			input:  1_000_000,
			output: 0,
			want:   3.00,
		},
		{
			name:  "zero tokens cost nothing",
			model: "openai/gpt-4o",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateCost(tt.model, tt.input, tt.output)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("EstimateCost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordCall(t *testing.T) {
	sink := &memSink{}
	rec := NewRecorder(sink, nil)

	result := &providers.Result{
		Content:       "chapter text",
		InputTokens:   2000,
		OutputTokens:  3000,
		Provider:      "openrouter",
		ModelUsed:     "anthropic/claude-3.5-sonnet",
		RequestID:     "req-1",
		ExecutionTime: 90 * time.Second,
	}

	id := rec.RecordCall(context.Background(), RecordOpts{
		StoryID:       "story-1",
		Stage:         "chapter_generation",
		ChapterNumber: 4,
		Attempt:       1,
	}, result, nil)

	if id == "" {
		t.Fatal("expected an entry id")
	}
	if len(sink.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(sink.entries))
	}

	e := sink.entries[0]
	if !e.Success {
		t.Error("expected success=true")
	}
	if e.ChapterNumber != 4 || e.Attempt != 1 {
		t.Errorf("attribution not carried: chapter=%d attempt=%d", e.ChapterNumber, e.Attempt)
	}
	if e.CostUSD <= 0 {
		t.Error("expected a positive cost estimate")
	}
	if e.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestRecordCallErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		callErr error
		want    string
	}{
		{"rate limited", providers.ErrRateLimited, "rate_limited"},
		{"wrapped rate limit", errors.Join(errors.New("ctx"), providers.ErrRateLimited), "rate_limited"},
		{"timeout", context.DeadlineExceeded, "timeout"},
		{"other", errors.New("boom"), "provider_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memSink{}
			rec := NewRecorder(sink, nil)
			rec.RecordCall(context.Background(), RecordOpts{StoryID: "s"}, &providers.Result{}, tt.callErr)

			if len(sink.entries) != 1 {
				t.Fatalf("expected 1 entry, got %d", len(sink.entries))
			}
			e := sink.entries[0]
			if e.Success {
				t.Error("expected success=false")
			}
			if e.ErrorType != tt.want {
				t.Errorf("ErrorType = %q, want %q", e.ErrorType, tt.want)
			}
		})
	}
}

func TestRecordCallSinkFailureDoesNotPropagate(t *testing.T) {
	sink := &memSink{failing: true}
	rec := NewRecorder(sink, nil)

	id := rec.RecordCall(context.Background(), RecordOpts{StoryID: "s"}, &providers.Result{}, nil)
	if id != "" {
		t.Errorf("expected empty id on sink failure, got %q", id)
	}
}

func TestQueryAggregation(t *testing.T) {
	sink := &memSink{entries: []Entry{
		{StoryID: "s1", Stage: "bible", Model: "openai/gpt-4o", CostUSD: 0.10, InputTokens: 100, OutputTokens: 200, Success: true, ExecutionSeconds: 10},
		{StoryID: "s1", Stage: "chapter_generation", ChapterNumber: 1, Model: "anthropic/claude-3.5-sonnet", CostUSD: 0.50, InputTokens: 1000, OutputTokens: 4000, Success: true, ExecutionSeconds: 60},
		{StoryID: "s1", Stage: "chapter_generation", ChapterNumber: 1, Model: "anthropic/claude-3.5-sonnet", CostUSD: 0.40, Success: false, ErrorType: "provider_error", ExecutionSeconds: 30},
		{StoryID: "s2", Stage: "bible", Model: "openai/gpt-4o", CostUSD: 0.20, Success: true},
	}}
	q := NewQuery(sink)
	ctx := context.Background()

	total, err := q.StoryCost(ctx, "s1")
	if err != nil {
		t.Fatalf("StoryCost: %v", err)
	}
	if diff := total - 1.00; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("StoryCost = %v, want 1.00", total)
	}

	summary, err := q.GetSummary(ctx, Filter{StoryID: "s1"})
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary.Count != 3 || summary.SuccessCount != 2 || summary.ErrorCount != 1 {
		t.Errorf("summary counts = %+v", summary)
	}
	if summary.TotalTokens != 5300 {
		t.Errorf("TotalTokens = %d, want 5300", summary.TotalTokens)
	}

	byStage, err := q.StageBreakdown(ctx, "s1")
	if err != nil {
		t.Fatalf("StageBreakdown: %v", err)
	}
	if len(byStage) != 2 {
		t.Errorf("expected 2 stages, got %d", len(byStage))
	}
	if diff := byStage["chapter_generation"] - 0.90; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("chapter_generation cost = %v, want 0.90", byStage["chapter_generation"])
	}

	byChapter, err := q.ChapterBreakdown(ctx, "s1")
	if err != nil {
		t.Fatalf("ChapterBreakdown: %v", err)
	}
	if diff := byChapter[1] - 0.90; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("chapter 1 cost = %v, want 0.90", byChapter[1])
	}
	if diff := byChapter[0] - 0.10; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("non-chapter cost = %v, want 0.10", byChapter[0])
	}
}
