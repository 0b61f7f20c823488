package ingest

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/inkwell-ai/inkwell/internal/editor"
	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/providers"
	"github.com/inkwell-ai/inkwell/internal/store"
)

const briefResponse = `<editor_brief>
  <revised_outline chapter="4">Tighter opening, Mara acts sooner.</revised_outline>
  <revised_outline chapter="5">The cellar scene moves to daylight.</revised_outline>
  <revised_outline chapter="6">The bell mystery resolves on-page.</revised_outline>
  <editor_notes>Shorten transitions.</editor_notes>
  <style_example>The door gave on the third pull and Mara went down without waiting for her eyes to adjust. Twelve steps, the letter had said. She counted them against the dark, palm on cold stone, and at the bottom the key was exactly where it should not have been. Above her the bell spoke once, and she had been told it only rang for funerals. She took the stairs back up two at a time and did not look at the tower until the gate was behind her.</style_example>
</editor_brief>`

type fakeResumer struct {
	resumed []string
	fail    bool
}

func (f *fakeResumer) ResumeFromCheckpoint(_ context.Context, storyID string, cp novel.Checkpoint) error {
	if f.fail {
		return fmt.Errorf("resume refused")
	}
	f.resumed = append(f.resumed, storyID+":"+string(cp))
	return nil
}

// setup creates a store holding a story awaiting chapter_2 feedback with a
// bible, an arc and three committed chapters.
func setup(t *testing.T) (*Service, *store.Store, *fakeResumer, *providers.MockClient, *novel.Story) {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	story := &novel.Story{UserID: "u1", Title: "The Forgetting Town"}
	if err := st.CreateStory(ctx, story); err != nil {
		t.Fatalf("CreateStory: %v", err)
	}

	bible := &novel.Bible{
		StoryID:         story.ID,
		Protagonist:     novel.CharacterCard{Name: "Mara"},
		Antagonist:      novel.CharacterCard{Name: "The Collector"},
		CentralConflict: "a town that forgets",
	}
	if err := st.SaveBible(ctx, bible); err != nil {
		t.Fatalf("SaveBible: %v", err)
	}

	arc := &novel.Arc{StoryID: story.ID}
	for i := 1; i <= novel.TotalChapters; i++ {
		arc.Outlines = append(arc.Outlines, novel.ChapterOutline{
			ChapterNumber:   i,
			Title:           fmt.Sprintf("Chapter %d", i),
			EventsSummary:   "events",
			WordCountTarget: 2000,
		})
	}
	if err := st.SaveArc(ctx, arc); err != nil {
		t.Fatalf("SaveArc: %v", err)
	}

	// Park the story at the first checkpoint.
	err = st.UpdateProgressCAS(ctx, story.ID, story.Progress.CurrentStep, story.Progress.LastUpdated, novel.Progress{
		CurrentStep:       novel.StepAwaitingChapter2Feedback,
		ChaptersGenerated: 3,
		BatchStart:        1,
		BatchEnd:          3,
	})
	if err != nil {
		t.Fatalf("UpdateProgressCAS: %v", err)
	}

	cheap := providers.NewMockClient()
	cheap.Default = briefResponse

	resumer := &fakeResumer{}
	svc := New(st, editor.NewBuilder(cheap, nil, nil), resumer, nil)
	return svc, st, resumer, cheap, story
}

func TestSubmitNegativeFeedbackBuildsBriefAndResumes(t *testing.T) {
	svc, st, resumer, _, story := setup(t)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, Submission{
		UserID:     "u1",
		StoryID:    story.ID,
		Checkpoint: novel.CheckpointChapter2,
		Kind:       novel.FeedbackDimensioned,
		Dimensions: novel.Dimensions{Pacing: novel.PacingSlow, Tone: novel.ToneRight},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if !receipt.BriefApplied {
		t.Error("expected an editor brief for negative feedback")
	}
	if !receipt.Resumed {
		t.Error("expected the story to resume")
	}
	if len(resumer.resumed) != 1 || resumer.resumed[0] != story.ID+":chapter_2" {
		t.Errorf("resumed = %v", resumer.resumed)
	}

	// The corrected arc is durable.
	arc, err := st.GetArcForStory(ctx, story.ID)
	if err != nil {
		t.Fatalf("GetArcForStory: %v", err)
	}
	o4, _ := arc.Outline(4)
	if !strings.Contains(o4.EditorNotes, "Mara acts sooner") {
		t.Errorf("outline 4 notes = %q", o4.EditorNotes)
	}
	o1, _ := arc.Outline(1)
	if o1.EditorNotes != "" {
		t.Error("committed batch outlines must not be revised")
	}

	// The feedback row landed.
	fb, err := st.GetFeedback(ctx, "u1", story.ID, novel.CheckpointChapter2)
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if fb.Dimensions.Pacing != novel.PacingSlow {
		t.Errorf("stored pacing = %q", fb.Dimensions.Pacing)
	}
}

func TestSubmitPositiveFeedbackResumesWithoutBrief(t *testing.T) {
	svc, _, resumer, cheap, story := setup(t)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, Submission{
		UserID:     "u1",
		StoryID:    story.ID,
		Checkpoint: novel.CheckpointChapter2,
		Kind:       novel.FeedbackDimensioned,
		Dimensions: novel.Dimensions{
			Pacing:    novel.PacingHooked,
			Tone:      novel.ToneRight,
			Character: novel.CharacterLove,
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if receipt.BriefApplied {
		t.Error("positive feedback must not produce a brief")
	}
	if !receipt.Resumed || len(resumer.resumed) != 1 {
		t.Error("positive feedback must still release the batch")
	}
	if cheap.CallCount() != 0 {
		t.Errorf("LLM calls = %d, want 0", cheap.CallCount())
	}
}

func TestSkipReleasesBatch(t *testing.T) {
	svc, st, resumer, cheap, story := setup(t)
	ctx := context.Background()

	receipt, err := svc.Skip(ctx, "u1", story.ID, novel.CheckpointChapter2)
	if err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if receipt.BriefApplied || !receipt.Resumed {
		t.Errorf("receipt = %+v", receipt)
	}
	if cheap.CallCount() != 0 {
		t.Error("skip must not call the LLM")
	}
	if len(resumer.resumed) != 1 {
		t.Errorf("resumed = %v", resumer.resumed)
	}

	fb, err := st.GetFeedback(ctx, "u1", story.ID, novel.CheckpointChapter2)
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if fb.Kind != novel.FeedbackSkipped {
		t.Errorf("kind = %q, want skipped", fb.Kind)
	}
}

func TestSubmitLegacyCheckpointName(t *testing.T) {
	svc, _, resumer, _, story := setup(t)
	ctx := context.Background()

	receipt, err := svc.Submit(ctx, Submission{
		UserID:     "u1",
		StoryID:    story.ID,
		Checkpoint: "chapter_3", // legacy name for chapter_2
		Kind:       novel.FeedbackSkipped,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Checkpoint != novel.CheckpointChapter2 {
		t.Errorf("checkpoint = %q, want normalized chapter_2", receipt.Checkpoint)
	}
	if !receipt.Resumed || len(resumer.resumed) != 1 {
		t.Error("legacy checkpoint name must release the batch")
	}
}

func TestSubmitWhileNotWaitingStoresOnly(t *testing.T) {
	svc, st, resumer, _, story := setup(t)
	ctx := context.Background()

	// Move the story past the checkpoint, as if the batch already ran.
	cur, _ := st.GetStory(ctx, story.ID)
	err := st.UpdateProgressCAS(ctx, story.ID, cur.Progress.CurrentStep, cur.Progress.LastUpdated, novel.Progress{
		CurrentStep:       novel.StepGeneratingChapter(5),
		ChaptersGenerated: 4,
		BatchStart:        4,
		BatchEnd:          6,
	})
	if err != nil {
		t.Fatalf("UpdateProgressCAS: %v", err)
	}

	receipt, err := svc.Submit(ctx, Submission{
		UserID:     "u1",
		StoryID:    story.ID,
		Checkpoint: novel.CheckpointChapter2,
		Kind:       novel.FeedbackFreeForm,
		FreeForm:   "more of Tobin please",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Resumed || receipt.BriefApplied {
		t.Errorf("receipt = %+v, want stored-only", receipt)
	}
	if !receipt.AlreadyGenerated {
		t.Error("batch 4-6 has chapters, receipt must say already generated")
	}
	if len(resumer.resumed) != 0 {
		t.Error("must not resume a story that is not waiting")
	}

	// Stored anyway, for preference learning.
	if _, err := st.GetFeedback(ctx, "u1", story.ID, novel.CheckpointChapter2); err != nil {
		t.Errorf("feedback not stored: %v", err)
	}

	// Feedback for a checkpoint whose batch has not started is stored
	// without the already-generated flag.
	receipt, err = svc.Submit(ctx, Submission{
		UserID:     "u1",
		StoryID:    story.ID,
		Checkpoint: novel.CheckpointChapter5,
		Kind:       novel.FeedbackFreeForm,
		FreeForm:   "early thoughts",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.AlreadyGenerated {
		t.Error("batch 7-9 has no chapters, receipt must not say already generated")
	}
}

func TestSubmitBriefCarriesEarlierCheckpointAnswers(t *testing.T) {
	svc, st, _, cheap, story := setup(t)
	ctx := context.Background()

	// The chapter_2 answer is already committed; the story has moved on to
	// the second checkpoint.
	if err := st.UpsertFeedback(ctx, &novel.Feedback{
		UserID:     "u1",
		StoryID:    story.ID,
		Checkpoint: novel.CheckpointChapter2,
		Kind:       novel.FeedbackFreeForm,
		FreeForm:   "more of Tobin please",
	}); err != nil {
		t.Fatalf("UpsertFeedback: %v", err)
	}
	cur, _ := st.GetStory(ctx, story.ID)
	err := st.UpdateProgressCAS(ctx, story.ID, cur.Progress.CurrentStep, cur.Progress.LastUpdated, novel.Progress{
		CurrentStep:       novel.StepAwaitingChapter5Feedback,
		ChaptersGenerated: 6,
		BatchStart:        4,
		BatchEnd:          6,
	})
	if err != nil {
		t.Fatalf("UpdateProgressCAS: %v", err)
	}

	if _, err := svc.Submit(ctx, Submission{
		UserID:     "u1",
		StoryID:    story.ID,
		Checkpoint: novel.CheckpointChapter5,
		Kind:       novel.FeedbackDimensioned,
		Dimensions: novel.Dimensions{Pacing: novel.PacingSlow},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if cheap.CallCount() != 1 {
		t.Fatalf("LLM calls = %d, want the brief prompt", cheap.CallCount())
	}
	prompt := cheap.Calls[0]
	if !strings.Contains(prompt, "At chapter_2: more of Tobin please") {
		t.Errorf("brief prompt missing earlier checkpoint answer:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Pacing: slow") {
		t.Errorf("brief prompt missing current feedback:\n%s", prompt)
	}
}

func TestSubmitResubmissionLastWriteWins(t *testing.T) {
	svc, st, _, _, story := setup(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, Submission{
		UserID: "u1", StoryID: story.ID, Checkpoint: novel.CheckpointChapter2,
		Kind: novel.FeedbackDimensioned, Dimensions: novel.Dimensions{Pacing: novel.PacingSlow},
	}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// The reader changes their mind. The story is no longer waiting, so
	// only the row updates.
	if _, err := svc.Submit(ctx, Submission{
		UserID: "u1", StoryID: story.ID, Checkpoint: novel.CheckpointChapter2,
		Kind: novel.FeedbackDimensioned, Dimensions: novel.Dimensions{Pacing: novel.PacingHooked},
	}); err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	fb, err := st.GetFeedback(ctx, "u1", story.ID, novel.CheckpointChapter2)
	if err != nil {
		t.Fatalf("GetFeedback: %v", err)
	}
	if fb.Dimensions.Pacing != novel.PacingHooked {
		t.Errorf("pacing = %q, want the resubmitted answer", fb.Dimensions.Pacing)
	}
}

func TestSubmitRejectsInvalidDimension(t *testing.T) {
	svc, _, _, _, story := setup(t)

	_, err := svc.Submit(context.Background(), Submission{
		UserID: "u1", StoryID: story.ID, Checkpoint: novel.CheckpointChapter2,
		Kind: novel.FeedbackDimensioned, Dimensions: novel.Dimensions{Pacing: "meh"},
	})
	if err == nil {
		t.Fatal("expected validation error for unknown pacing answer")
	}
}

func TestSubmitRejectsEmptyFreeForm(t *testing.T) {
	svc, _, _, _, story := setup(t)

	_, err := svc.Submit(context.Background(), Submission{
		UserID: "u1", StoryID: story.ID, Checkpoint: novel.CheckpointChapter2,
		Kind: novel.FeedbackFreeForm, FreeForm: "   ",
	})
	if err == nil {
		t.Fatal("expected validation error for empty free-form feedback")
	}
}
