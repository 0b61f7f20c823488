package novel

import "time"

// Checkpoint names the designated feedback points in a book.
type Checkpoint string

const (
	CheckpointChapter2    Checkpoint = "chapter_2"
	CheckpointChapter5    Checkpoint = "chapter_5"
	CheckpointChapter8    Checkpoint = "chapter_8"
	CheckpointLibraryExit Checkpoint = "library_exit"
)

// legacyCheckpoints maps the retired checkpoint names (which referred to the
// last generated chapter of a batch) onto the canonical ones.
var legacyCheckpoints = map[Checkpoint]Checkpoint{
	"chapter_3": CheckpointChapter2,
	"chapter_6": CheckpointChapter5,
	"chapter_9": CheckpointChapter8,
}

// NormalizeCheckpoint maps legacy checkpoint names to canonical ones.
// Canonical names pass through unchanged, so normalization is idempotent.
func NormalizeCheckpoint(cp Checkpoint) Checkpoint {
	if canonical, ok := legacyCheckpoints[cp]; ok {
		return canonical
	}
	return cp
}

// BatchForCheckpoint returns the chapter range unlocked once feedback for the
// checkpoint is committed.
func BatchForCheckpoint(cp Checkpoint) (start, end int, ok bool) {
	switch cp {
	case CheckpointChapter2:
		return 4, 6, true
	case CheckpointChapter5:
		return 7, 9, true
	case CheckpointChapter8:
		return 10, 12, true
	}
	return 0, 0, false
}

// CheckpointForStep returns the checkpoint a waiting step is blocked on.
func CheckpointForStep(s Step) (Checkpoint, bool) {
	switch s {
	case StepAwaitingChapter2Feedback:
		return CheckpointChapter2, true
	case StepAwaitingChapter5Feedback:
		return CheckpointChapter5, true
	case StepAwaitingChapter8Feedback:
		return CheckpointChapter8, true
	}
	return "", false
}

// FeedbackKind discriminates the feedback variants the ingest adapter accepts.
type FeedbackKind string

const (
	FeedbackDimensioned    FeedbackKind = "dimensioned"
	FeedbackFreeForm       FeedbackKind = "free_form"
	FeedbackVoiceInterview FeedbackKind = "voice_interview"
	FeedbackSkipped        FeedbackKind = "skipped"
)

// Dimension answer values. The positive set gates the editor brief: when the
// most recent feedback is entirely positive no corrections are produced.
const (
	PacingHooked    = "hooked"
	PacingSlow      = "slow"
	PacingConfusing = "confusing"

	ToneRight   = "right"
	ToneSerious = "serious"
	ToneLight   = "light"

	CharacterLove    = "love"
	CharacterNeutral = "neutral"
	CharacterDislike = "dislike"
)

// Dimensions holds the three closed-set feedback answers.
type Dimensions struct {
	Pacing    string `json:"pacing,omitempty"`
	Tone      string `json:"tone,omitempty"`
	Character string `json:"character,omitempty"`
}

// AllPositive reports whether every answered dimension is in the positive
// set. Unanswered dimensions count as positive: silence is not a correction.
func (d Dimensions) AllPositive() bool {
	if d.Pacing != "" && d.Pacing != PacingHooked {
		return false
	}
	if d.Tone != "" && d.Tone != ToneRight {
		return false
	}
	if d.Character != "" && d.Character != CharacterLove {
		return false
	}
	return true
}

// VoiceExtraction is the structured result of a voice-interview transcript
// pass, produced by an external collaborator and stored verbatim.
type VoiceExtraction struct {
	Summary  string   `json:"summary,omitempty"`
	Likes    []string `json:"likes,omitempty"`
	Dislikes []string `json:"dislikes,omitempty"`
	Requests []string `json:"requests,omitempty"`
}

// Feedback is one committed checkpoint feedback row, unique per
// (user, story, checkpoint).
type Feedback struct {
	UserID     string           `json:"user_id"`
	StoryID    string           `json:"story_id"`
	Checkpoint Checkpoint       `json:"checkpoint"`
	Kind       FeedbackKind     `json:"kind"`
	Dimensions Dimensions       `json:"dimensions"`
	FreeForm   string           `json:"free_form,omitempty"`
	Voice      *VoiceExtraction `json:"voice,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// IsPositive reports whether the feedback requires no course correction.
// Skips never trigger corrections; free-form text always does (there is no
// closed set to test it against, so the editor pass decides).
func (f Feedback) IsPositive() bool {
	switch f.Kind {
	case FeedbackSkipped:
		return true
	case FeedbackDimensioned:
		return f.Dimensions.AllPositive()
	default:
		return false
	}
}
