package costs

import (
	"context"
	"time"
)

// Filter narrows which entries an aggregation covers. Zero fields match all.
type Filter struct {
	StoryID string
	UserID  string
	Stage   string
	Model   string
}

// Source lists cost entries. The store package implements this.
type Source interface {
	ListCostEntries(ctx context.Context, f Filter) ([]Entry, error)
}

// Summary rolls up spend for a filter.
type Summary struct {
	Count          int           `json:"count"`
	TotalCostUSD   float64       `json:"total_cost_usd"`
	TotalTokens    int           `json:"total_tokens"`
	TotalTime      time.Duration `json:"total_time"`
	SuccessCount   int           `json:"success_count"`
	ErrorCount     int           `json:"error_count"`
	AvgCostUSD     float64       `json:"avg_cost_usd"`
	AvgTokens      float64       `json:"avg_tokens"`
	AvgTimeSeconds float64       `json:"avg_time_seconds"`
}

// Query aggregates persisted cost entries.
type Query struct {
	source Source
}

// NewQuery creates a query over a source.
func NewQuery(source Source) *Query {
	return &Query{source: source}
}

// TotalCost returns the total cost for entries matching the filter.
func (q *Query) TotalCost(ctx context.Context, f Filter) (float64, error) {
	entries, err := q.source.ListCostEntries(ctx, f)
	if err != nil {
		return 0, err
	}

	var total float64
	for _, e := range entries {
		total += e.CostUSD
	}
	return total, nil
}

// StoryCost returns the total spend for one story.
func (q *Query) StoryCost(ctx context.Context, storyID string) (float64, error) {
	return q.TotalCost(ctx, Filter{StoryID: storyID})
}

// GetSummary returns a summary of entries matching the filter.
func (q *Query) GetSummary(ctx context.Context, f Filter) (*Summary, error) {
	entries, err := q.source.ListCostEntries(ctx, f)
	if err != nil {
		return nil, err
	}

	s := &Summary{Count: len(entries)}
	for _, e := range entries {
		s.TotalCostUSD += e.CostUSD
		s.TotalTokens += e.TotalTokens()
		s.TotalTime += time.Duration(e.ExecutionSeconds * float64(time.Second))
		if e.Success {
			s.SuccessCount++
		} else {
			s.ErrorCount++
		}
	}

	if s.Count > 0 {
		s.AvgCostUSD = s.TotalCostUSD / float64(s.Count)
		s.AvgTokens = float64(s.TotalTokens) / float64(s.Count)
		s.AvgTimeSeconds = s.TotalTime.Seconds() / float64(s.Count)
	}

	return s, nil
}

// StageBreakdown returns total cost grouped by stage for a story.
func (q *Query) StageBreakdown(ctx context.Context, storyID string) (map[string]float64, error) {
	entries, err := q.source.ListCostEntries(ctx, Filter{StoryID: storyID})
	if err != nil {
		return nil, err
	}

	byStage := make(map[string]float64)
	for _, e := range entries {
		if e.Stage != "" {
			byStage[e.Stage] += e.CostUSD
		}
	}
	return byStage, nil
}

// CostByModel returns total cost grouped by model for a filter.
func (q *Query) CostByModel(ctx context.Context, f Filter) (map[string]float64, error) {
	entries, err := q.source.ListCostEntries(ctx, f)
	if err != nil {
		return nil, err
	}

	byModel := make(map[string]float64)
	for _, e := range entries {
		if e.Model != "" {
			byModel[e.Model] += e.CostUSD
		}
	}
	return byModel, nil
}

// ChapterBreakdown returns total cost grouped by chapter number for a story.
// Non-chapter stages (bible, arc, premises) group under zero.
func (q *Query) ChapterBreakdown(ctx context.Context, storyID string) (map[int]float64, error) {
	entries, err := q.source.ListCostEntries(ctx, Filter{StoryID: storyID})
	if err != nil {
		return nil, err
	}

	byChapter := make(map[int]float64)
	for _, e := range entries {
		byChapter[e.ChapterNumber] += e.CostUSD
	}
	return byChapter, nil
}
