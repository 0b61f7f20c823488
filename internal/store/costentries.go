package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/inkwell-ai/inkwell/internal/costs"
)

// InsertCostEntry implements costs.Sink.
func (s *Store) InsertCostEntry(ctx context.Context, e costs.Entry) (string, error) {
	var id string
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO cost_ledger (
				story_id, user_id, stage, chapter_number, attempt,
				provider, model, request_id,
				input_tokens, output_tokens, cost_usd,
				execution_seconds, success, error_type, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.StoryID, e.UserID, e.Stage, e.ChapterNumber, e.Attempt,
			e.Provider, e.Model, e.RequestID,
			e.InputTokens, e.OutputTokens, e.CostUSD,
			e.ExecutionSeconds, boolToInt(e.Success), e.ErrorType,
			e.CreatedAt.Format(timeFormat),
		)
		if err != nil {
			return fmt.Errorf("failed to insert cost entry: %w", err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read cost entry id: %w", err)
		}
		id = strconv.FormatInt(rowID, 10)
		return nil
	})
	return id, err
}

// ListCostEntries implements costs.Source.
func (s *Store) ListCostEntries(ctx context.Context, f costs.Filter) ([]costs.Entry, error) {
	query := `
		SELECT id, story_id, user_id, stage, chapter_number, attempt,
		       provider, model, request_id,
		       input_tokens, output_tokens, cost_usd,
		       execution_seconds, success, error_type, created_at
		FROM cost_ledger WHERE 1=1`
	var args []any

	if f.StoryID != "" {
		query += " AND story_id = ?"
		args = append(args, f.StoryID)
	}
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.Stage != "" {
		query += " AND stage = ?"
		args = append(args, f.Stage)
	}
	if f.Model != "" {
		query += " AND model = ?"
		args = append(args, f.Model)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost entries: %w", err)
	}
	defer rows.Close()

	var out []costs.Entry
	for rows.Next() {
		var e costs.Entry
		var rowID int64
		var success int
		var createdAt string
		if err := rows.Scan(&rowID, &e.StoryID, &e.UserID, &e.Stage, &e.ChapterNumber, &e.Attempt,
			&e.Provider, &e.Model, &e.RequestID,
			&e.InputTokens, &e.OutputTokens, &e.CostUSD,
			&e.ExecutionSeconds, &success, &e.ErrorType, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost entry: %w", err)
		}
		e.ID = strconv.FormatInt(rowID, 10)
		e.Success = success != 0
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
