package novel

import (
	"fmt"
	"time"
)

// ChapterOutline is one planned chapter beat inside an arc.
type ChapterOutline struct {
	ChapterNumber   int      `json:"chapter_number" validate:"min=1,max=12"`
	Title           string   `json:"title" validate:"required"`
	EventsSummary   string   `json:"events_summary" validate:"required"`
	CharacterFocus  string   `json:"character_focus,omitempty"`
	TensionLevel    int      `json:"tension_level,omitempty"`
	WordCountTarget int      `json:"word_count_target" validate:"min=1"`
	KeyRevelations  []string `json:"key_revelations,omitempty"`
	EmotionalArc    string   `json:"emotional_arc,omitempty"`
	ChapterHook     string   `json:"chapter_hook,omitempty"`

	// EditorNotes is populated only when an editor brief overrides the
	// outline for a corrected batch. It never comes from the arc itself.
	EditorNotes string `json:"editor_notes,omitempty"`
}

// Arc is the twelve-chapter outline of a book, written once after the bible.
type Arc struct {
	ID        string           `json:"id"`
	StoryID   string           `json:"story_id"`
	ArcNumber int              `json:"arc_number"`
	Outlines  []ChapterOutline `json:"chapter_outlines" validate:"len=12,dive"`
	CreatedAt time.Time        `json:"created_at"`
}

// Outline returns the outline for a chapter number.
func (a *Arc) Outline(chapter int) (ChapterOutline, error) {
	for _, o := range a.Outlines {
		if o.ChapterNumber == chapter {
			return o, nil
		}
	}
	return ChapterOutline{}, fmt.Errorf("arc %s has no outline for chapter %d", a.ID, chapter)
}

// OutlineRange returns outlines for chapters in [start, end], ordered.
func (a *Arc) OutlineRange(start, end int) ([]ChapterOutline, error) {
	var out []ChapterOutline
	for n := start; n <= end; n++ {
		o, err := a.Outline(n)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// ValidateChapterNumbers checks that chapter numbers are a permutation of
// 1..12. Decode-time guard: the model occasionally repeats or skips a number.
func (a *Arc) ValidateChapterNumbers() error {
	if len(a.Outlines) != TotalChapters {
		return fmt.Errorf("arc has %d outlines, want %d", len(a.Outlines), TotalChapters)
	}
	seen := make(map[int]bool, TotalChapters)
	for _, o := range a.Outlines {
		if o.ChapterNumber < 1 || o.ChapterNumber > TotalChapters {
			return fmt.Errorf("outline chapter number %d out of range", o.ChapterNumber)
		}
		if seen[o.ChapterNumber] {
			return fmt.Errorf("duplicate outline for chapter %d", o.ChapterNumber)
		}
		seen[o.ChapterNumber] = true
	}
	return nil
}
