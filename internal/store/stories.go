package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/internal/novel"
)

// CreateStory inserts a new story row. The id is generated when empty.
func (s *Store) CreateStory(ctx context.Context, story *novel.Story) error {
	if story.ID == "" {
		story.ID = uuid.New().String()
	}
	if story.Status == "" {
		story.Status = novel.StatusGenerating
	}
	if story.Progress.CurrentStep == "" {
		story.Progress.CurrentStep = novel.StepGeneratingBible
	}
	if story.BookNumber == 0 {
		story.BookNumber = 1
	}

	ts := time.Now().UTC()
	story.CreatedAt = ts
	story.UpdatedAt = ts
	story.Progress.LastUpdated = ts

	premise := ""
	if story.Premise != nil {
		b, err := json.Marshal(story.Premise)
		if err != nil {
			return fmt.Errorf("failed to marshal premise: %w", err)
		}
		premise = string(b)
	}

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO stories (
				id, user_id, title, genre, status,
				bible_id, arc_id, series_id, book_number, cover_url, premise,
				current_step, chapters_generated, batch_start, batch_end,
				health_check_retries, last_error, previous_error, last_updated,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			story.ID, story.UserID, story.Title, story.Genre, string(story.Status),
			story.BibleID, story.ArcID, story.SeriesID, story.BookNumber, story.CoverURL, premise,
			string(story.Progress.CurrentStep), story.Progress.ChaptersGenerated,
			story.Progress.BatchStart, story.Progress.BatchEnd,
			story.Progress.HealthCheckRetries, story.Progress.LastError, story.Progress.PreviousError,
			ts.Format(timeFormat), ts.Format(timeFormat), ts.Format(timeFormat),
		)
		if err != nil {
			return fmt.Errorf("failed to insert story: %w", err)
		}
		return nil
	})
}

const storyColumns = `
	id, user_id, title, genre, status,
	bible_id, arc_id, series_id, book_number, cover_url, premise,
	current_step, chapters_generated, batch_start, batch_end,
	health_check_retries, last_error, previous_error, last_updated,
	created_at, updated_at`

func scanStory(row interface{ Scan(...any) error }) (*novel.Story, error) {
	var st novel.Story
	var status, step, premise string
	var lastUpdated, createdAt, updatedAt string

	err := row.Scan(
		&st.ID, &st.UserID, &st.Title, &st.Genre, &status,
		&st.BibleID, &st.ArcID, &st.SeriesID, &st.BookNumber, &st.CoverURL, &premise,
		&step, &st.Progress.ChaptersGenerated, &st.Progress.BatchStart, &st.Progress.BatchEnd,
		&st.Progress.HealthCheckRetries, &st.Progress.LastError, &st.Progress.PreviousError, &lastUpdated,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if premise != "" {
		var p novel.Premise
		if err := json.Unmarshal([]byte(premise), &p); err != nil {
			return nil, fmt.Errorf("story %s: bad premise payload: %w", st.ID, err)
		}
		st.Premise = &p
	}

	st.Status = novel.Status(status)
	parsed, err := novel.ParseStep(step)
	if err != nil {
		return nil, fmt.Errorf("story %s: %w", st.ID, err)
	}
	st.Progress.CurrentStep = parsed
	st.Progress.LastUpdated = parseTime(lastUpdated)
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)

	return &st, nil
}

// GetStory fetches a story by id.
func (s *Store) GetStory(ctx context.Context, id string) (*novel.Story, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)

	st, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load story: %w", err)
	}
	return st, nil
}

// ListStoriesByUser returns a user's stories, newest first.
func (s *Store) ListStoriesByUser(ctx context.Context, userID string) ([]*novel.Story, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	defer rows.Close()

	var out []*novel.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// CountActiveGenerations returns how many stories are currently in a
// generating_* step. The orchestrator uses this for its concurrency cap.
func (s *Store) CountActiveGenerations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stories
		WHERE status = ? AND current_step LIKE 'generating_%'`,
		string(novel.StatusGenerating)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active generations: %w", err)
	}
	return n, nil
}

// UpdateStoryStatus sets the lifecycle status.
func (s *Store) UpdateStoryStatus(ctx context.Context, id string, status novel.Status) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE stories SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now(), id)
		if err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		return requireRow(res, id)
	})
}

// SetStoryArtifacts records bible/arc references after their generation.
func (s *Store) SetStoryArtifacts(ctx context.Context, id, bibleID, arcID string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE stories SET
				bible_id = CASE WHEN ? != '' THEN ? ELSE bible_id END,
				arc_id   = CASE WHEN ? != '' THEN ? ELSE arc_id END,
				updated_at = ?
			WHERE id = ?`,
			bibleID, bibleID, arcID, arcID, now(), id)
		if err != nil {
			return fmt.Errorf("failed to set artifacts: %w", err)
		}
		return requireRow(res, id)
	})
}

// SetStoryTitle records the title once the bible names the book.
func (s *Store) SetStoryTitle(ctx context.Context, id, title string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE stories SET title = ?, updated_at = ? WHERE id = ?`,
			title, now(), id)
		if err != nil {
			return fmt.Errorf("failed to set title: %w", err)
		}
		return requireRow(res, id)
	})
}

// SetCoverURL records the generated cover.
func (s *Store) SetCoverURL(ctx context.Context, id, url string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE stories SET cover_url = ?, updated_at = ? WHERE id = ?`,
			url, now(), id)
		if err != nil {
			return fmt.Errorf("failed to set cover url: %w", err)
		}
		return requireRow(res, id)
	})
}

// UpdateProgressCAS writes new progress only if the row still carries the
// step and last_updated the caller read. Returns ErrStale when another
// writer got there first. This is the single-writer guard for the state
// machine; both the orchestrator and the sweeper go through it.
func (s *Store) UpdateProgressCAS(ctx context.Context, id string, expectStep novel.Step, expectUpdated time.Time, p novel.Progress) error {
	if p.LastUpdated.IsZero() {
		p.LastUpdated = time.Now().UTC()
	}

	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE stories SET
				current_step = ?, chapters_generated = ?,
				batch_start = ?, batch_end = ?,
				health_check_retries = ?, last_error = ?, previous_error = ?,
				last_updated = ?, updated_at = ?
			WHERE id = ? AND current_step = ? AND last_updated = ?`,
			string(p.CurrentStep), p.ChaptersGenerated,
			p.BatchStart, p.BatchEnd,
			p.HealthCheckRetries, p.LastError, p.PreviousError,
			p.LastUpdated.Format(timeFormat), now(),
			id, string(expectStep), expectUpdated.Format(timeFormat),
		)
		if err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			// Either the story is gone or someone advanced it.
			if _, gerr := s.GetStory(ctx, id); gerr != nil {
				return gerr
			}
			return ErrStale
		}
		return nil
	})
}

// MarkPermanentlyFailed records a terminal failure. The status and the step
// move together so status=error always means current_step=permanently_failed.
func (s *Store) MarkPermanentlyFailed(ctx context.Context, id, lastError string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE stories SET
				status = ?, current_step = ?, last_error = ?,
				last_updated = ?, updated_at = ?
			WHERE id = ?`,
			string(novel.StatusError), string(novel.StepPermanentlyFailed), lastError,
			now(), now(), id)
		if err != nil {
			return fmt.Errorf("failed to mark permanently failed: %w", err)
		}
		return requireRow(res, id)
	})
}

// ListStaleGenerating returns generating stories that need attention: rows
// whose progress has not moved since the cutoff, and rows carrying a
// recorded stage error. The orchestrator clears last_error when it starts a
// stage, so a non-empty last_error means nothing is driving the story and
// the sweeper can pick it up without waiting out the staleness threshold.
// Stories awaiting feedback or in a terminal step are excluded at the query
// level.
func (s *Store) ListStaleGenerating(ctx context.Context, cutoff time.Time) ([]*novel.Story, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+storyColumns+` FROM stories
		WHERE status = ?
		  AND current_step LIKE 'generating_%'
		  AND (last_updated < ? OR last_error != '')
		ORDER BY last_updated ASC`,
		string(novel.StatusGenerating), cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale stories: %w", err)
	}
	defer rows.Close()

	var out []*novel.Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	return nil
}
