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

// BatchCommit is everything that must land together when a chapter is
// accepted: the chapter itself, its extracted entities, both ledger rows
// and the progress transition. CommitChapterBatchStep writes it atomically
// so a crash can never leave a chapter without its progress advance.
type BatchCommit struct {
	Chapter  *novel.Chapter
	Entities []novel.ChapterEntity
	Ledgers  []novel.LedgerEntry

	// Progress CAS inputs.
	ExpectStep    novel.Step
	ExpectUpdated time.Time
	NewProgress   novel.Progress
}

// CommitChapterBatchStep commits a chapter and advances the state machine
// in one transaction. Returns ErrStale when the progress row moved since
// the caller read it, and commits nothing in that case.
func (s *Store) CommitChapterBatchStep(ctx context.Context, bc BatchCommit) error {
	ch := bc.Chapter
	if ch == nil {
		return fmt.Errorf("batch commit requires a chapter")
	}
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	if bc.NewProgress.LastUpdated.IsZero() {
		bc.NewProgress.LastUpdated = time.Now().UTC()
	}

	keyEvents, err := json.Marshal(ch.KeyEvents)
	if err != nil {
		return fmt.Errorf("failed to marshal key events: %w", err)
	}

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		// Progress CAS first. If the row moved, nothing else lands.
		res, err := tx.ExecContext(ctx, `
			UPDATE stories SET
				current_step = ?, chapters_generated = ?,
				batch_start = ?, batch_end = ?,
				health_check_retries = ?, last_error = ?, previous_error = ?,
				last_updated = ?, updated_at = ?
			WHERE id = ? AND current_step = ? AND last_updated = ?`,
			string(bc.NewProgress.CurrentStep), bc.NewProgress.ChaptersGenerated,
			bc.NewProgress.BatchStart, bc.NewProgress.BatchEnd,
			bc.NewProgress.HealthCheckRetries, bc.NewProgress.LastError, bc.NewProgress.PreviousError,
			bc.NewProgress.LastUpdated.Format(timeFormat), now(),
			ch.StoryID, string(bc.ExpectStep), bc.ExpectUpdated.Format(timeFormat),
		)
		if err != nil {
			return fmt.Errorf("failed to advance progress: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return ErrStale
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO chapters (
				id, story_id, chapter_number, title, content, word_count,
				quality_score, regeneration_count, quality_review,
				opening_hook, closing_hook, key_events, constraint_verdict,
				revised, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ch.ID, ch.StoryID, ch.ChapterNumber, ch.Title, ch.Content, ch.WordCount,
			ch.QualityScore, ch.RegenerationCount, ch.QualityReview,
			ch.OpeningHook, ch.ClosingHook, string(keyEvents), ch.ConstraintVerdict,
			boolToInt(ch.Revised), ch.CreatedAt.Format(timeFormat),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chapter %d: %w", ch.ChapterNumber, err)
		}

		for i := range bc.Entities {
			e := &bc.Entities[i]
			if e.ID == "" {
				e.ID = uuid.New().String()
			}
			e.ChapterID = ch.ID
			e.StoryID = ch.StoryID
			e.ChapterNumber = ch.ChapterNumber

			_, err = tx.ExecContext(ctx, `
				INSERT INTO chapter_entities (
					id, chapter_id, story_id, chapter_number,
					entity_type, entity_name, fact, source_quote, is_consistent, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, e.ChapterID, e.StoryID, e.ChapterNumber,
				string(e.Type), e.Name, e.Fact, e.SourceQuote, boolToInt(e.IsConsistent), now(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert entity %q: %w", e.Name, err)
			}
		}

		for _, le := range bc.Ledgers {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO story_ledger (story_id, chapter_number, kind, entry, created_at)
				VALUES (?, ?, ?, ?, ?)`,
				ch.StoryID, ch.ChapterNumber, string(le.Kind), le.Entry, now(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert %s ledger entry: %w", le.Kind, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit chapter batch: %w", err)
		}
		return nil
	})
}

const chapterColumns = `
	id, story_id, chapter_number, title, content, word_count,
	quality_score, regeneration_count, quality_review,
	opening_hook, closing_hook, key_events, constraint_verdict,
	revised, created_at`

func scanChapter(row interface{ Scan(...any) error }) (*novel.Chapter, error) {
	var ch novel.Chapter
	var keyEvents, createdAt string
	var revised int

	err := row.Scan(
		&ch.ID, &ch.StoryID, &ch.ChapterNumber, &ch.Title, &ch.Content, &ch.WordCount,
		&ch.QualityScore, &ch.RegenerationCount, &ch.QualityReview,
		&ch.OpeningHook, &ch.ClosingHook, &keyEvents, &ch.ConstraintVerdict,
		&revised, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if keyEvents != "" {
		if err := json.Unmarshal([]byte(keyEvents), &ch.KeyEvents); err != nil {
			return nil, fmt.Errorf("chapter %s: bad key_events: %w", ch.ID, err)
		}
	}
	ch.Revised = revised != 0
	ch.CreatedAt = parseTime(createdAt)
	return &ch, nil
}

// GetChapter fetches a chapter by story and number.
func (s *Store) GetChapter(ctx context.Context, storyID string, number int) (*novel.Chapter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE story_id = ? AND chapter_number = ?`,
		storyID, number)

	ch, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chapter %d of story %s: %w", number, storyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chapter: %w", err)
	}
	return ch, nil
}

// ChapterExists reports whether a chapter row has been committed. The
// orchestrator uses this for idempotent resume.
func (s *Store) ChapterExists(ctx context.Context, storyID string, number int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chapters WHERE story_id = ? AND chapter_number = ?`,
		storyID, number).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check chapter existence: %w", err)
	}
	return n > 0, nil
}

// ChapterCount returns how many chapters a story has committed.
func (s *Store) ChapterCount(ctx context.Context, storyID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chapters WHERE story_id = ?`, storyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chapters: %w", err)
	}
	return n, nil
}

// ChapterRange returns committed chapters with numbers in [start, end],
// ordered by number.
func (s *Store) ChapterRange(ctx context.Context, storyID string, start, end int) ([]*novel.Chapter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters
		 WHERE story_id = ? AND chapter_number BETWEEN ? AND ?
		 ORDER BY chapter_number ASC`,
		storyID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	defer rows.Close()

	var out []*novel.Chapter
	for rows.Next() {
		ch, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// UpdateChapterContent applies a surgical revision. Revised flips to true
// and stays true; a chapter is revised at most once.
func (s *Store) UpdateChapterContent(ctx context.Context, chapterID, content string, wordCount int) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE chapters SET content = ?, word_count = ?, revised = 1 WHERE id = ?`,
			content, wordCount, chapterID)
		if err != nil {
			return fmt.Errorf("failed to update chapter content: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("chapter %s: %w", chapterID, ErrNotFound)
		}
		return nil
	})
}

// ListEntities returns extracted entities for a story up to and including
// the given chapter, in extraction order.
func (s *Store) ListEntities(ctx context.Context, storyID string, throughChapter int) ([]novel.ChapterEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chapter_id, story_id, chapter_number,
		       entity_type, entity_name, fact, source_quote, is_consistent
		FROM chapter_entities
		WHERE story_id = ? AND chapter_number <= ?
		ORDER BY chapter_number ASC, id ASC`,
		storyID, throughChapter)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []novel.ChapterEntity
	for rows.Next() {
		var e novel.ChapterEntity
		var typ string
		var consistent int
		if err := rows.Scan(&e.ID, &e.ChapterID, &e.StoryID, &e.ChapterNumber,
			&typ, &e.Name, &e.Fact, &e.SourceQuote, &consistent); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e.Type = novel.EntityType(typ)
		e.IsConsistent = consistent != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEntityInconsistent flags an entity the consistency validator rejected.
func (s *Store) MarkEntityInconsistent(ctx context.Context, entityID string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE chapter_entities SET is_consistent = 0 WHERE id = ?`, entityID)
		if err != nil {
			return fmt.Errorf("failed to mark entity inconsistent: %w", err)
		}
		return nil
	})
}

// ListLedger returns one ledger's entries for a story in chapter order.
func (s *Store) ListLedger(ctx context.Context, storyID string, kind novel.LedgerKind) ([]novel.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT story_id, chapter_number, kind, entry, created_at
		FROM story_ledger
		WHERE story_id = ? AND kind = ?
		ORDER BY chapter_number ASC`,
		storyID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer rows.Close()

	var out []novel.LedgerEntry
	for rows.Next() {
		var le novel.LedgerEntry
		var k, createdAt string
		if err := rows.Scan(&le.StoryID, &le.ChapterNumber, &k, &le.Entry, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		le.Kind = novel.LedgerKind(k)
		le.CreatedAt = parseTime(createdAt)
		out = append(out, le)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
