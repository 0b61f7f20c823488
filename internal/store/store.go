// Package store persists stories, generation artifacts and the cost ledger
// in an embedded SQLite database. The orchestrator is the single writer for
// a story's progress row; writes that race go through compare-and-swap.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStale is returned when a compare-and-swap write loses the race.
	ErrStale = errors.New("row changed since read")
)

// timeFormat keeps timestamps lexically comparable in SQLite. The fraction
// is fixed-width; RFC3339Nano trims trailing zeros and breaks string
// ordering for the staleness query.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Config holds store configuration.
type Config struct {
	// Path to the database file. ":memory:" opens an in-process database,
	// which tests use.
	Path string

	Logger *slog.Logger
}

// New opens the database and applies the schema.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY between pooled connections on the same file.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	storiesTable := `
	CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		genre TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'generating',
		bible_id TEXT NOT NULL DEFAULT '',
		arc_id TEXT NOT NULL DEFAULT '',
		series_id TEXT NOT NULL DEFAULT '',
		book_number INTEGER NOT NULL DEFAULT 1,
		cover_url TEXT NOT NULL DEFAULT '',
		premise TEXT NOT NULL DEFAULT '',
		current_step TEXT NOT NULL DEFAULT 'generating_bible',
		chapters_generated INTEGER NOT NULL DEFAULT 0,
		batch_start INTEGER NOT NULL DEFAULT 0,
		batch_end INTEGER NOT NULL DEFAULT 0,
		health_check_retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		previous_error TEXT NOT NULL DEFAULT '',
		last_updated TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stories_user ON stories(user_id);
	CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status);
	CREATE INDEX IF NOT EXISTS idx_stories_step ON stories(current_step);
	`

	premisesTable := `
	CREATE TABLE IF NOT EXISTS premise_sets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		discarded INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_premises_user ON premise_sets(user_id);
	`

	biblesTable := `
	CREATE TABLE IF NOT EXISTS bibles (
		id TEXT PRIMARY KEY,
		story_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bibles_story ON bibles(story_id);
	`

	arcsTable := `
	CREATE TABLE IF NOT EXISTS arcs (
		id TEXT PRIMARY KEY,
		story_id TEXT NOT NULL,
		arc_number INTEGER NOT NULL DEFAULT 1,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_arcs_story ON arcs(story_id);
	`

	chaptersTable := `
	CREATE TABLE IF NOT EXISTS chapters (
		id TEXT PRIMARY KEY,
		story_id TEXT NOT NULL,
		chapter_number INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		word_count INTEGER NOT NULL DEFAULT 0,
		quality_score REAL NOT NULL DEFAULT 0,
		regeneration_count INTEGER NOT NULL DEFAULT 0,
		quality_review TEXT NOT NULL DEFAULT '',
		opening_hook TEXT NOT NULL DEFAULT '',
		closing_hook TEXT NOT NULL DEFAULT '',
		key_events TEXT NOT NULL DEFAULT '[]',
		constraint_verdict TEXT NOT NULL DEFAULT '',
		revised INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE(story_id, chapter_number)
	);
	CREATE INDEX IF NOT EXISTS idx_chapters_story ON chapters(story_id);
	`

	entitiesTable := `
	CREATE TABLE IF NOT EXISTS chapter_entities (
		id TEXT PRIMARY KEY,
		chapter_id TEXT NOT NULL,
		story_id TEXT NOT NULL,
		chapter_number INTEGER NOT NULL,
		entity_type TEXT NOT NULL,
		entity_name TEXT NOT NULL,
		fact TEXT NOT NULL,
		source_quote TEXT NOT NULL DEFAULT '',
		is_consistent INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entities_story ON chapter_entities(story_id, chapter_number);
	`

	ledgerTable := `
	CREATE TABLE IF NOT EXISTS story_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		story_id TEXT NOT NULL,
		chapter_number INTEGER NOT NULL,
		kind TEXT NOT NULL,
		entry TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(story_id, chapter_number, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_story ON story_ledger(story_id, kind);
	`

	feedbackTable := `
	CREATE TABLE IF NOT EXISTS checkpoint_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		story_id TEXT NOT NULL,
		checkpoint TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(user_id, story_id, checkpoint)
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_story ON checkpoint_feedback(story_id);
	`

	costsTable := `
	CREATE TABLE IF NOT EXISTS cost_ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		story_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		stage TEXT NOT NULL DEFAULT '',
		chapter_number INTEGER NOT NULL DEFAULT 0,
		attempt INTEGER NOT NULL DEFAULT 0,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		execution_seconds REAL NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		error_type TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_costs_story ON cost_ledger(story_id);
	CREATE INDEX IF NOT EXISTS idx_costs_stage ON cost_ledger(stage);
	`

	tables := []string{
		storiesTable, premisesTable, biblesTable, arcsTable,
		chaptersTable, entitiesTable, ledgerTable, feedbackTable, costsTable,
	}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// withRetry runs fn, retrying when SQLite reports the database busy. All
// other errors return immediately.
func withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isBusy),
	)
}

// isBusy reports whether the error is a transient lock conflict.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// now returns the current time in the store's canonical format.
func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// parseTime decodes a stored timestamp. Zero time on empty or bad input;
// callers treat that as "never".
func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
