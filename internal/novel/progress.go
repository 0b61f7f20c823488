package novel

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TotalChapters is the fixed length of a book. The checkpoint layout and the
// orchestrator transition table both assume twelve chapters.
const TotalChapters = 12

// Status is the reader-visible lifecycle state of a story.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
	StatusError      Status = "error"
	StatusArchived   Status = "archived"
)

// Step is the exact string tag stored in generation_progress.current_step.
type Step string

const (
	StepGeneratingBible          Step = "generating_bible"
	StepGeneratingArc            Step = "generating_arc"
	StepAwaitingChapter2Feedback Step = "awaiting_chapter_2_feedback"
	StepAwaitingChapter5Feedback Step = "awaiting_chapter_5_feedback"
	StepAwaitingChapter8Feedback Step = "awaiting_chapter_8_feedback"
	StepChapter12Complete        Step = "chapter_12_complete"
	StepPermanentlyFailed        Step = "permanently_failed"
)

const generatingChapterPrefix = "generating_chapter_"

// StepGeneratingChapter returns the step tag for chapter n.
func StepGeneratingChapter(n int) Step {
	return Step(generatingChapterPrefix + strconv.Itoa(n))
}

// ParseStep validates a stored step tag. Unknown tags are an error so that a
// corrupt row fails loudly instead of driving the state machine off the map.
func ParseStep(s string) (Step, error) {
	switch Step(s) {
	case StepGeneratingBible, StepGeneratingArc,
		StepAwaitingChapter2Feedback, StepAwaitingChapter5Feedback, StepAwaitingChapter8Feedback,
		StepChapter12Complete, StepPermanentlyFailed:
		return Step(s), nil
	}
	if n, ok := chapterFromTag(s); ok && n >= 1 && n <= TotalChapters {
		return Step(s), nil
	}
	return "", fmt.Errorf("unknown generation step %q", s)
}

func chapterFromTag(s string) (int, bool) {
	if !strings.HasPrefix(s, generatingChapterPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, generatingChapterPrefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ChapterNumber returns the chapter a generating_chapter_N step refers to.
func (s Step) ChapterNumber() (int, bool) {
	return chapterFromTag(string(s))
}

// IsGenerating reports whether the step is any of the generating_* tags.
func (s Step) IsGenerating() bool {
	if s == StepGeneratingBible || s == StepGeneratingArc {
		return true
	}
	_, ok := s.ChapterNumber()
	return ok
}

// IsAwaitingFeedback reports whether the step is blocked on the reader.
func (s Step) IsAwaitingFeedback() bool {
	switch s {
	case StepAwaitingChapter2Feedback, StepAwaitingChapter5Feedback, StepAwaitingChapter8Feedback:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are legal.
func (s Step) IsTerminal() bool {
	return s == StepChapter12Complete || s == StepPermanentlyFailed
}

// NextAfterChapter returns the step entered once chapter n has been
// committed. Checkpoints gate after chapters 3, 6 and 9; the checkpoint name
// refers to the feedback chapter, not the last generated one.
func NextAfterChapter(n int) (Step, error) {
	switch {
	case n < 1 || n > TotalChapters:
		return "", fmt.Errorf("chapter number %d out of range", n)
	case n == 3:
		return StepAwaitingChapter2Feedback, nil
	case n == 6:
		return StepAwaitingChapter5Feedback, nil
	case n == 9:
		return StepAwaitingChapter8Feedback, nil
	case n == TotalChapters:
		return StepChapter12Complete, nil
	default:
		return StepGeneratingChapter(n + 1), nil
	}
}

// Progress is the generation_progress blob persisted on the story row after
// every transition. Stored as JSON for forward compatibility but always
// decoded into this struct.
type Progress struct {
	CurrentStep        Step      `json:"current_step"`
	ChaptersGenerated  int       `json:"chapters_generated"`
	BatchStart         int       `json:"batch_start,omitempty"`
	BatchEnd           int       `json:"batch_end,omitempty"`
	HealthCheckRetries int       `json:"health_check_retries"`
	LastError          string    `json:"last_error,omitempty"`
	PreviousError      string    `json:"previous_error,omitempty"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Story is a story row. A story exclusively owns its bible, arc, chapters,
// entities and ledgers; feedback rows reference it weakly by id.
type Story struct {
	ID         string
	UserID     string
	Title      string
	Genre      string
	Status     Status
	Progress   Progress
	BibleID    string
	ArcID      string
	SeriesID   string
	BookNumber int
	CoverURL   string

	// Premise is the pitch the reader selected. Persisted with the story so
	// bible generation can resume after a crash.
	Premise *Premise

	CreatedAt time.Time
	UpdatedAt time.Time
}
