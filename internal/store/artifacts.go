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

// Premise sets, bibles and arcs are written once and read many times, so
// they persist as JSON payloads with the columns queries actually filter on.

// SavePremiseSet persists a generated premise set. A new set supersedes
// the user's earlier offers, which are marked discarded in the same
// transaction.
func (s *Store) SavePremiseSet(ctx context.Context, ps *novel.PremiseSet) error {
	if ps.ID == "" {
		ps.ID = uuid.New().String()
	}
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("failed to marshal premise set: %w", err)
	}

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin premise set save: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`UPDATE premise_sets SET discarded = 1 WHERE user_id = ? AND discarded = 0`,
			ps.UserID); err != nil {
			return fmt.Errorf("failed to discard superseded premise sets: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO premise_sets (id, user_id, payload, discarded, created_at) VALUES (?, ?, ?, 0, ?)`,
			ps.ID, ps.UserID, string(payload), ps.CreatedAt.Format(timeFormat)); err != nil {
			return fmt.Errorf("failed to insert premise set: %w", err)
		}
		return tx.Commit()
	})
}

// GetPremiseSet fetches a premise set by id. Discarded is read from the
// row, not the payload, so supersession is visible without rewriting old
// payloads.
func (s *Store) GetPremiseSet(ctx context.Context, id string) (*novel.PremiseSet, error) {
	var (
		payload   string
		discarded bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, discarded FROM premise_sets WHERE id = ?`, id).Scan(&payload, &discarded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("premise set %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load premise set: %w", err)
	}

	var ps novel.PremiseSet
	if err := json.Unmarshal([]byte(payload), &ps); err != nil {
		return nil, fmt.Errorf("failed to decode premise set %s: %w", id, err)
	}
	ps.Discarded = discarded
	return &ps, nil
}

// SaveBible persists a story bible.
func (s *Store) SaveBible(ctx context.Context, b *novel.Bible) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal bible: %w", err)
	}

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO bibles (id, story_id, payload, created_at) VALUES (?, ?, ?, ?)`,
			b.ID, b.StoryID, string(payload), b.CreatedAt.Format(timeFormat))
		if err != nil {
			return fmt.Errorf("failed to insert bible: %w", err)
		}
		return nil
	})
}

// GetBible fetches a bible by id.
func (s *Store) GetBible(ctx context.Context, id string) (*novel.Bible, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM bibles WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bible %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bible: %w", err)
	}

	var b novel.Bible
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return nil, fmt.Errorf("failed to decode bible %s: %w", id, err)
	}
	return &b, nil
}

// GetBibleForStory fetches the newest bible for a story, for idempotent
// resume checks.
func (s *Store) GetBibleForStory(ctx context.Context, storyID string) (*novel.Bible, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM bibles WHERE story_id = ?
		ORDER BY created_at DESC LIMIT 1`, storyID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bible for story %s: %w", storyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bible: %w", err)
	}

	var b novel.Bible
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return nil, fmt.Errorf("failed to decode bible for story %s: %w", storyID, err)
	}
	return &b, nil
}

// SaveArc persists a chapter arc. Editor-brief revisions overwrite the
// payload in place so the outline the generator reads is always current.
func (s *Store) SaveArc(ctx context.Context, a *novel.Arc) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.ArcNumber == 0 {
		a.ArcNumber = 1
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal arc: %w", err)
	}

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO arcs (id, story_id, arc_number, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
			a.ID, a.StoryID, a.ArcNumber, string(payload), now())
		if err != nil {
			return fmt.Errorf("failed to save arc: %w", err)
		}
		return nil
	})
}

// GetArc fetches an arc by id.
func (s *Store) GetArc(ctx context.Context, id string) (*novel.Arc, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM arcs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("arc %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load arc: %w", err)
	}

	var a novel.Arc
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("failed to decode arc %s: %w", id, err)
	}
	return &a, nil
}

// GetArcForStory fetches the newest arc for a story.
func (s *Store) GetArcForStory(ctx context.Context, storyID string) (*novel.Arc, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM arcs WHERE story_id = ?
		ORDER BY created_at DESC LIMIT 1`, storyID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("arc for story %s: %w", storyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load arc: %w", err)
	}

	var a novel.Arc
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return nil, fmt.Errorf("failed to decode arc for story %s: %w", storyID, err)
	}
	return &a, nil
}
