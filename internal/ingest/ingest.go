// Package ingest accepts checkpoint feedback, turns it into editor
// corrections, and releases the story into its next batch.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inkwell-ai/inkwell/internal/editor"
	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/store"
)

// recentChapterWordCap bounds how much of the last chapter rides in the
// editor brief prompt.
const recentChapterWordCap = 800

// Resumer releases a waiting story into its next batch.
type Resumer interface {
	ResumeFromCheckpoint(ctx context.Context, storyID string, cp novel.Checkpoint) error
}

// Service is the feedback ingest adapter.
type Service struct {
	store   *store.Store
	briefs  *editor.Builder
	resumer Resumer
	logger  *slog.Logger
}

// New wires the ingest service.
func New(st *store.Store, briefs *editor.Builder, resumer Resumer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, briefs: briefs, resumer: resumer, logger: logger}
}

// Submission is one incoming feedback payload.
type Submission struct {
	UserID     string
	StoryID    string
	Checkpoint novel.Checkpoint
	Kind       novel.FeedbackKind
	Dimensions novel.Dimensions
	FreeForm   string
	Voice      *novel.VoiceExtraction
}

// Receipt reports what the submission did.
type Receipt struct {
	Checkpoint novel.Checkpoint

	// BriefApplied is true when an editor brief revised the upcoming
	// outlines.
	BriefApplied bool

	// Resumed is true when the story was released into its next batch.
	// False when the story was not waiting on this checkpoint; the
	// feedback is stored for preference learning either way.
	Resumed bool

	// AlreadyGenerated is true when the batch this checkpoint unlocks has
	// chapters committed, so the feedback arrived too late to shape them.
	AlreadyGenerated bool
}

var validDimensions = map[string]map[string]bool{
	"pacing": {
		novel.PacingHooked: true, novel.PacingSlow: true, novel.PacingConfusing: true,
	},
	"tone": {
		novel.ToneRight: true, novel.ToneSerious: true, novel.ToneLight: true,
	},
	"character": {
		novel.CharacterLove: true, novel.CharacterNeutral: true, novel.CharacterDislike: true,
	},
}

func (sub *Submission) validate() error {
	switch sub.Kind {
	case novel.FeedbackDimensioned:
		for name, val := range map[string]string{
			"pacing":    sub.Dimensions.Pacing,
			"tone":      sub.Dimensions.Tone,
			"character": sub.Dimensions.Character,
		} {
			if val != "" && !validDimensions[name][val] {
				return fmt.Errorf("invalid %s answer %q", name, val)
			}
		}
	case novel.FeedbackFreeForm:
		if strings.TrimSpace(sub.FreeForm) == "" {
			return fmt.Errorf("free-form feedback requires text")
		}
	case novel.FeedbackVoiceInterview:
		if sub.Voice == nil {
			return fmt.Errorf("voice feedback requires an extraction")
		}
	case novel.FeedbackSkipped:
	default:
		return fmt.Errorf("unknown feedback kind %q", sub.Kind)
	}
	return nil
}

// Submit commits feedback and, when the story is waiting on this
// checkpoint, builds the editor brief and releases the next batch.
// Feedback for a checkpoint the story already moved past is stored and
// nothing else happens; it still feeds preference learning.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	if err := sub.validate(); err != nil {
		return nil, err
	}

	cp := novel.NormalizeCheckpoint(sub.Checkpoint)
	fb := &novel.Feedback{
		UserID:     sub.UserID,
		StoryID:    sub.StoryID,
		Checkpoint: cp,
		Kind:       sub.Kind,
		Dimensions: sub.Dimensions,
		FreeForm:   sub.FreeForm,
		Voice:      sub.Voice,
	}
	if err := s.store.UpsertFeedback(ctx, fb); err != nil {
		return nil, err
	}

	receipt := &Receipt{Checkpoint: cp}

	story, err := s.store.GetStory(ctx, sub.StoryID)
	if err != nil {
		return nil, err
	}

	waitingOn, waiting := novel.CheckpointForStep(story.Progress.CurrentStep)
	if !waiting || waitingOn != cp {
		if start, _, ok := novel.BatchForCheckpoint(cp); ok {
			receipt.AlreadyGenerated = story.Progress.ChaptersGenerated >= start
		}
		s.logger.Info("feedback stored without resuming",
			"story_id", sub.StoryID,
			"checkpoint", cp,
			"step", story.Progress.CurrentStep,
			"already_generated", receipt.AlreadyGenerated)
		return receipt, nil
	}

	receipt.BriefApplied = s.applyBrief(ctx, story, *fb)

	if err := s.resumer.ResumeFromCheckpoint(ctx, sub.StoryID, cp); err != nil {
		return nil, err
	}
	receipt.Resumed = true
	return receipt, nil
}

// Skip records a skipped checkpoint and releases the batch on the original
// outlines.
func (s *Service) Skip(ctx context.Context, userID, storyID string, cp novel.Checkpoint) (*Receipt, error) {
	return s.Submit(ctx, Submission{
		UserID:     userID,
		StoryID:    storyID,
		Checkpoint: cp,
		Kind:       novel.FeedbackSkipped,
	})
}

// applyBrief builds the editor brief and folds it into the arc. Every
// failure path degrades to "no corrections": the batch must start either
// way.
func (s *Service) applyBrief(ctx context.Context, story *novel.Story, fb novel.Feedback) bool {
	if fb.IsPositive() {
		return false
	}

	bible, err := s.store.GetBibleForStory(ctx, story.ID)
	if err != nil {
		s.logger.Warn("no bible for brief, skipping corrections",
			"story_id", story.ID, "error", err)
		return false
	}
	arc, err := s.store.GetArcForStory(ctx, story.ID)
	if err != nil {
		s.logger.Warn("no arc for brief, skipping corrections",
			"story_id", story.ID, "error", err)
		return false
	}

	history, err := s.store.ListFeedbackForStory(ctx, story.ID)
	if err != nil {
		s.logger.Warn("failed to load feedback history for brief",
			"story_id", story.ID, "error", err)
	}

	brief, err := s.briefs.Build(ctx, editor.Input{
		Story:         story,
		Bible:         bible,
		Arc:           arc,
		Feedback:      fb,
		History:       history,
		RecentChapter: s.recentChapter(ctx, story),
	})
	if err != nil {
		s.logger.Warn("editor brief failed, batch proceeds uncorrected",
			"story_id", story.ID, "error", err)
		return false
	}
	if brief == nil {
		return false
	}

	if err := brief.Apply(arc); err != nil {
		s.logger.Warn("failed to apply editor brief", "story_id", story.ID, "error", err)
		return false
	}
	if err := s.store.SaveArc(ctx, arc); err != nil {
		s.logger.Warn("failed to persist corrected arc", "story_id", story.ID, "error", err)
		return false
	}

	s.logger.Info("editor brief applied",
		"story_id", story.ID,
		"checkpoint", fb.Checkpoint,
		"revised_outlines", len(brief.RevisedOutlines))
	return true
}

// recentChapter returns the tail context for register matching: the most
// recently committed chapter, truncated.
func (s *Service) recentChapter(ctx context.Context, story *novel.Story) string {
	n := story.Progress.ChaptersGenerated
	if n == 0 {
		return ""
	}
	ch, err := s.store.GetChapter(ctx, story.ID, n)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to load recent chapter", "story_id", story.ID, "error", err)
		}
		return ""
	}

	words := strings.Fields(ch.Content)
	if len(words) > recentChapterWordCap {
		words = words[len(words)-recentChapterWordCap:]
	}
	return strings.Join(words, " ")
}
