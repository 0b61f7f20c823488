// Package editor turns checkpoint feedback into course corrections for the
// next chapter batch. The brief revises upcoming outlines and is injected
// into the first chapter prompt of the corrected batch.
package editor

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inkwell-ai/inkwell/internal/costs"
	"github.com/inkwell-ai/inkwell/internal/extract"
	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/prompts"
	"github.com/inkwell-ai/inkwell/internal/providers"
)

// StageEditorBrief names the cost ledger stage for brief generation.
const StageEditorBrief = "editor_brief"

// Brief is the parsed editor brief for one corrected batch.
type Brief struct {
	Checkpoint      novel.Checkpoint
	BatchStart      int
	BatchEnd        int
	RevisedOutlines map[int]string
	EditorNotes     string
	StyleExample    string

	// Raw is the brief as the model produced it, kept for debugging a
	// batch whose corrections went wrong.
	Raw string
}

// Apply folds the brief into the arc's outlines for the batch. The style
// example rides on the batch's first chapter only; once the register is
// corrected there, the later chapters follow it through the prior-chapter
// context. The arc must be persisted afterwards so the generator reads the
// revised outlines.
func (b *Brief) Apply(arc *novel.Arc) error {
	for i := range arc.Outlines {
		n := arc.Outlines[i].ChapterNumber
		if n < b.BatchStart || n > b.BatchEnd {
			continue
		}
		var notes []string
		if revised, ok := b.RevisedOutlines[n]; ok && revised != "" {
			notes = append(notes, "Revised outline: "+revised)
		}
		if b.EditorNotes != "" {
			notes = append(notes, "Editor notes: "+b.EditorNotes)
		}
		if n == b.BatchStart && b.StyleExample != "" {
			notes = append(notes, "Match the register of this style example:\n"+b.StyleExample)
		}
		if len(notes) == 0 {
			continue
		}
		arc.Outlines[i].EditorNotes = strings.Join(notes, "\n")
	}
	return nil
}

// Builder generates editor briefs from committed feedback.
type Builder struct {
	client   providers.Client
	recorder *costs.Recorder
	logger   *slog.Logger
}

// NewBuilder creates a brief builder on the cheap-model client.
func NewBuilder(client providers.Client, recorder *costs.Recorder, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{client: client, recorder: recorder, logger: logger}
}

// Input is the story state a brief is built from.
type Input struct {
	Story    *novel.Story
	Bible    *novel.Bible
	Arc      *novel.Arc
	Feedback novel.Feedback

	// History is every committed checkpoint feedback for the story, in
	// checkpoint order. Earlier answers keep a chapter_8 correction from
	// undoing what the reader asked for at chapter_2.
	History []novel.Feedback

	// RecentChapter is the text of the last committed chapter, for register
	// matching. Optional.
	RecentChapter string
}

// Build produces a brief for the batch the feedback unlocks. Positive or
// skipped feedback returns (nil, nil): no corrections are needed and the
// batch runs on the original outlines. A brief that fails to parse is
// dropped the same way; a lost brief must never stall a story.
func (b *Builder) Build(ctx context.Context, in Input) (*Brief, error) {
	if in.Feedback.IsPositive() {
		return nil, nil
	}

	cp := novel.NormalizeCheckpoint(in.Feedback.Checkpoint)
	start, end, ok := novel.BatchForCheckpoint(cp)
	if !ok {
		return nil, fmt.Errorf("checkpoint %q unlocks no batch", cp)
	}

	outlines, err := in.Arc.OutlineRange(start, end)
	if err != nil {
		return nil, err
	}
	outlinesJSON, err := json.Marshal(outlines)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outlines: %w", err)
	}

	prompt, err := prompts.Render(prompts.EditorBrief, prompts.EditorBriefData{
		Checkpoint:       string(cp),
		FeedbackSummary:  Summarize(in.Feedback),
		FeedbackHistory:  historyLines(in.History, cp),
		BatchStart:       start,
		BatchEnd:         end,
		UpcomingOutlines: string(outlinesJSON),
		BibleSummary:     bibleSummary(in.Bible),
		RecentChapter:    in.RecentChapter,
	})
	if err != nil {
		return nil, err
	}

	opts := costs.RecordOpts{StoryID: in.Story.ID, UserID: in.Story.UserID, Stage: StageEditorBrief}
	result, callErr := b.client.Complete(ctx, &providers.Request{Prompt: prompt, MaxTokens: 4096})
	if b.recorder != nil {
		b.recorder.RecordCall(ctx, opts, result, callErr)
	}
	if callErr != nil {
		return nil, fmt.Errorf("editor brief generation failed: %w", callErr)
	}

	brief, err := parseBrief(result.Content, cp, start, end)
	if err != nil {
		b.logger.Warn("editor brief unparseable, proceeding without corrections",
			"story_id", in.Story.ID,
			"checkpoint", cp,
			"error", err)
		return nil, nil
	}
	return brief, nil
}

type briefXML struct {
	XMLName  xml.Name `xml:"editor_brief"`
	Outlines []struct {
		Chapter int    `xml:"chapter,attr"`
		Text    string `xml:",chardata"`
	} `xml:"revised_outline"`
	EditorNotes  string `xml:"editor_notes"`
	StyleExample string `xml:"style_example"`
}

func parseBrief(content string, cp novel.Checkpoint, start, end int) (*Brief, error) {
	raw, err := extract.XMLRoot(content, "editor_brief")
	if err != nil {
		return nil, err
	}

	var parsed briefXML
	if err := xml.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("editor brief malformed: %w", err)
	}

	brief := &Brief{
		Checkpoint:      cp,
		BatchStart:      start,
		BatchEnd:        end,
		RevisedOutlines: make(map[int]string),
		EditorNotes:     strings.TrimSpace(parsed.EditorNotes),
		StyleExample:    strings.TrimSpace(parsed.StyleExample),
		Raw:             raw,
	}
	for _, o := range parsed.Outlines {
		if o.Chapter < start || o.Chapter > end {
			continue
		}
		brief.RevisedOutlines[o.Chapter] = strings.TrimSpace(o.Text)
	}
	if len(brief.RevisedOutlines) == 0 && brief.EditorNotes == "" && brief.StyleExample == "" {
		return nil, fmt.Errorf("editor brief carries no corrections")
	}
	return brief, nil
}

// historyLines renders earlier checkpoint answers as one line each. The
// current checkpoint is excluded; it is already the brief's subject.
// Positive and skipped answers carry no corrections and are dropped.
func historyLines(history []novel.Feedback, current novel.Checkpoint) []string {
	var out []string
	for _, h := range history {
		cp := novel.NormalizeCheckpoint(h.Checkpoint)
		if cp == current || h.IsPositive() {
			continue
		}
		line := strings.ReplaceAll(Summarize(h), "\n", " ")
		if line == "" {
			continue
		}
		out = append(out, fmt.Sprintf("At %s: %s", cp, line))
	}
	return out
}

// Summarize renders feedback as prompt text.
func Summarize(f novel.Feedback) string {
	var sb strings.Builder
	switch f.Kind {
	case novel.FeedbackDimensioned:
		if f.Dimensions.Pacing != "" {
			fmt.Fprintf(&sb, "Pacing: %s.\n", f.Dimensions.Pacing)
		}
		if f.Dimensions.Tone != "" {
			fmt.Fprintf(&sb, "Tone: %s.\n", f.Dimensions.Tone)
		}
		if f.Dimensions.Character != "" {
			fmt.Fprintf(&sb, "Protagonist reaction: %s.\n", f.Dimensions.Character)
		}
	case novel.FeedbackFreeForm:
		sb.WriteString(f.FreeForm)
	case novel.FeedbackVoiceInterview:
		if f.Voice != nil {
			if f.Voice.Summary != "" {
				sb.WriteString(f.Voice.Summary + "\n")
			}
			for _, l := range f.Voice.Likes {
				sb.WriteString("Liked: " + l + "\n")
			}
			for _, d := range f.Voice.Dislikes {
				sb.WriteString("Disliked: " + d + "\n")
			}
			for _, r := range f.Voice.Requests {
				sb.WriteString("Requested: " + r + "\n")
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

func bibleSummary(b *novel.Bible) string {
	if b == nil {
		return ""
	}
	return fmt.Sprintf("Protagonist: %s. Antagonist: %s. Conflict: %s. Stakes: %s.",
		b.Protagonist.Name, b.Antagonist.Name, b.CentralConflict, b.Stakes)
}
