package novel

import "time"

// Chapter is a committed chapter row, unique per (story, chapter_number).
// Content may be mutated at most once after commit, by surgical revision.
type Chapter struct {
	ID                string    `json:"id"`
	StoryID           string    `json:"story_id"`
	ChapterNumber     int       `json:"chapter_number"`
	Title             string    `json:"title"`
	Content           string    `json:"content"`
	WordCount         int       `json:"word_count"`
	QualityScore      float64   `json:"quality_score"`
	RegenerationCount int       `json:"regeneration_count"`
	QualityReview     string    `json:"quality_review,omitempty"` // serialized review blob
	OpeningHook       string    `json:"opening_hook,omitempty"`
	ClosingHook       string    `json:"closing_hook,omitempty"`
	KeyEvents         []string  `json:"key_events,omitempty"`
	ConstraintVerdict string    `json:"constraint_verdict,omitempty"` // "PASS", "FAIL", or "" pre-validation
	Revised           bool      `json:"revised"`
	CreatedAt         time.Time `json:"created_at"`
}

// EntityType classifies extracted chapter facts.
type EntityType string

const (
	EntityCharacter  EntityType = "character"
	EntityLocation   EntityType = "location"
	EntityWorldRule  EntityType = "world_rule"
	EntityTimeline   EntityType = "timeline"
	EntityPlotThread EntityType = "plot_thread"
)

// MaxEntitiesPerChapter bounds the extraction pass output.
const MaxEntitiesPerChapter = 50

// ChapterEntity is one fact extracted from a committed chapter, used by the
// consistency validator and future chapters' constraint extraction.
type ChapterEntity struct {
	ID            string     `json:"id"`
	ChapterID     string     `json:"chapter_id"`
	StoryID       string     `json:"story_id"`
	ChapterNumber int        `json:"chapter_number"`
	Type          EntityType `json:"entity_type"`
	Name          string     `json:"entity_name"`
	Fact          string     `json:"fact"`
	SourceQuote   string     `json:"source_quote,omitempty"`
	IsConsistent  bool       `json:"is_consistent"`
}

// LedgerKind selects between the two append-only per-chapter ledgers.
type LedgerKind string

const (
	LedgerCharacter  LedgerKind = "character"
	LedgerWorldState LedgerKind = "world_state"
)

// LedgerEntry is one append-only ledger row: what changed for a character or
// the world in a given chapter. One row per chapter per ledger.
type LedgerEntry struct {
	StoryID       string     `json:"story_id"`
	ChapterNumber int        `json:"chapter_number"`
	Kind          LedgerKind `json:"kind"`
	Entry         string     `json:"entry"` // serialized structured entry data
	CreatedAt     time.Time  `json:"created_at"`
}
