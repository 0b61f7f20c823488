package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/inkwell-ai/inkwell/internal/novel"
)

// feedbackPayload is the JSON blob stored per feedback row. Dimensions,
// free-form text and voice extractions share one column; Kind selects.
type feedbackPayload struct {
	Dimensions novel.Dimensions       `json:"dimensions,omitempty"`
	FreeForm   string                 `json:"free_form,omitempty"`
	Voice      *novel.VoiceExtraction `json:"voice,omitempty"`
}

// UpsertFeedback commits checkpoint feedback, replacing any earlier answer
// for the same (user, story, checkpoint). Resubmission is how readers change
// their mind before the next batch starts, so last write wins.
func (s *Store) UpsertFeedback(ctx context.Context, f *novel.Feedback) error {
	f.Checkpoint = novel.NormalizeCheckpoint(f.Checkpoint)
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(feedbackPayload{
		Dimensions: f.Dimensions,
		FreeForm:   f.FreeForm,
		Voice:      f.Voice,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoint_feedback (
				user_id, story_id, checkpoint, kind, payload, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, story_id, checkpoint) DO UPDATE SET
				kind = excluded.kind,
				payload = excluded.payload,
				updated_at = excluded.updated_at`,
			f.UserID, f.StoryID, string(f.Checkpoint), string(f.Kind),
			string(payload), f.CreatedAt.Format(timeFormat), now())
		if err != nil {
			return fmt.Errorf("failed to upsert feedback: %w", err)
		}
		return nil
	})
}

// GetFeedback fetches the committed feedback for a checkpoint. The
// checkpoint is normalized before lookup so legacy names find the same row.
func (s *Store) GetFeedback(ctx context.Context, userID, storyID string, cp novel.Checkpoint) (*novel.Feedback, error) {
	cp = novel.NormalizeCheckpoint(cp)

	var kind, payload, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT kind, payload, created_at FROM checkpoint_feedback
		WHERE user_id = ? AND story_id = ? AND checkpoint = ?`,
		userID, storyID, string(cp)).Scan(&kind, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feedback for %s at %s: %w", storyID, cp, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}

	var p feedbackPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("failed to decode feedback payload: %w", err)
	}

	return &novel.Feedback{
		UserID:     userID,
		StoryID:    storyID,
		Checkpoint: cp,
		Kind:       novel.FeedbackKind(kind),
		Dimensions: p.Dimensions,
		FreeForm:   p.FreeForm,
		Voice:      p.Voice,
		CreatedAt:  parseTime(createdAt),
	}, nil
}

// ListFeedbackForStory returns every committed feedback row for a story in
// checkpoint order. The editor brief reads the whole history, so a
// correction at chapter_8 stays consistent with what the reader already
// asked for at chapter_2 and chapter_5.
func (s *Store) ListFeedbackForStory(ctx context.Context, storyID string) ([]novel.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, checkpoint, kind, payload, created_at
		FROM checkpoint_feedback
		WHERE story_id = ?
		ORDER BY checkpoint ASC`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []novel.Feedback
	for rows.Next() {
		var userID, checkpoint, kind, payload, createdAt string
		if err := rows.Scan(&userID, &checkpoint, &kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}

		var p feedbackPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("failed to decode feedback payload: %w", err)
		}

		out = append(out, novel.Feedback{
			UserID:     userID,
			StoryID:    storyID,
			Checkpoint: novel.Checkpoint(checkpoint),
			Kind:       novel.FeedbackKind(kind),
			Dimensions: p.Dimensions,
			FreeForm:   p.FreeForm,
			Voice:      p.Voice,
			CreatedAt:  parseTime(createdAt),
		})
	}
	return out, rows.Err()
}

// LatestFeedback returns the most recently updated feedback row for a
// story, used by the editor brief builder.
func (s *Store) LatestFeedback(ctx context.Context, storyID string) (*novel.Feedback, error) {
	var userID, checkpoint, kind, payload, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, checkpoint, kind, payload, created_at
		FROM checkpoint_feedback
		WHERE story_id = ?
		ORDER BY updated_at DESC LIMIT 1`,
		storyID).Scan(&userID, &checkpoint, &kind, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feedback for story %s: %w", storyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest feedback: %w", err)
	}

	var p feedbackPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("failed to decode feedback payload: %w", err)
	}

	return &novel.Feedback{
		UserID:     userID,
		StoryID:    storyID,
		Checkpoint: novel.Checkpoint(checkpoint),
		Kind:       novel.FeedbackKind(kind),
		Dimensions: p.Dimensions,
		FreeForm:   p.FreeForm,
		Voice:      p.Voice,
		CreatedAt:  parseTime(createdAt),
	}, nil
}
