package generate

import (
	"context"
	"strings"
	"testing"

	"github.com/inkwell-ai/inkwell/internal/constraints"
	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/providers"
)

const cleanProse = `The cellar door stood open. Mara counted the steps as she descended,
her lantern throwing long shapes across the stone. At the bottom she found the key,
exactly where the letter said it would be, and the bell above the town hall began to ring.`

const extractedSet = `{
	"must": [
		{"id": "m1", "text": "Mara finds the key", "citation": "outline"},
		{"id": "m2", "text": "the bell rings", "citation": "outline"},
		{"id": "m3", "text": "the cellar is entered", "citation": "outline"}
	],
	"must_not": [
		{"id": "n1", "text": "no villain reveal", "citation": "bible"},
		{"id": "n2", "text": "no time skip", "citation": "bible"}
	],
	"should": [
		{"id": "s1", "text": "sensory detail", "citation": "craft"},
		{"id": "s2", "text": "end on the hook", "citation": "craft"}
	]
}`

const goodReview = `{
	"scores": {
		"show_dont_tell": {"score": 9, "note": "ok"},
		"dialogue": {"score": 8, "note": "ok"},
		"pacing": {"score": 8, "note": "ok"},
		"age_appropriateness": {"score": 9, "note": "ok"},
		"character_consistency": {"score": 8, "note": "ok"},
		"prose_quality": {"score": 8, "note": "ok"}
	},
	"biggest_problem": ""
}`

const passReport = `{
	"must": [
		{"id": "m1", "status": "DELIVERED", "evidence": "she found the key"},
		{"id": "m2", "status": "DELIVERED", "evidence": "the bell began to ring"},
		{"id": "m3", "status": "DELIVERED", "evidence": "she descended"}
	],
	"must_not": [
		{"id": "n1", "status": "CLEAR"},
		{"id": "n2", "status": "CLEAR"}
	],
	"verdict": "PASS",
	"specific_issues": []
}`

const failReport = `{
	"must": [
		{"id": "m1", "status": "NOT_DELIVERED", "evidence": ""},
		{"id": "m2", "status": "DELIVERED", "evidence": "the bell began to ring"},
		{"id": "m3", "status": "DELIVERED", "evidence": "she descended"}
	],
	"must_not": [
		{"id": "n1", "status": "CLEAR"},
		{"id": "n2", "status": "CLEAR"}
	],
	"verdict": "FAIL",
	"specific_issues": ["the key never appears"]
}`

const extractedEntities = `{
	"entities": [
		{"entity_type": "character", "entity_name": "Mara", "fact": "has the key", "source_quote": "she found the key"}
	],
	"character_changes": {"Mara": "found the key"},
	"world_changes": {"town_hall": "bell rang"},
	"key_events": ["Mara found the key"],
	"opening_hook": "the open cellar door",
	"closing_hook": "the bell rings"
}`

func testInput() Input {
	return Input{
		Story: &novel.Story{ID: "story-1", UserID: "user-1"},
		Bible: &novel.Bible{
			Protagonist:     novel.CharacterCard{Name: "Mara"},
			Antagonist:      novel.CharacterCard{Name: "The Collector"},
			CentralConflict: "a town that forgets",
		},
		Outline: novel.ChapterOutline{
			ChapterNumber: 1,
			Title:         "The Locked Door",
			EventsSummary: "Mara finds the key.",
		},
	}
}

func testConfig() Config {
	return Config{
		MaxRegenerations: 2,
		WordMin:          10,
		WordMax:          10000,
		QualityThreshold: 7.0,
	}
}

func TestGenerateChapterAcceptedFirstTry(t *testing.T) {
	prose := providers.NewMockClient()
	prose.Default = cleanProse

	cheap := providers.NewMockClient()
	cheap.Queue = []string{extractedSet, goodReview, passReport, extractedEntities}

	g := NewGenerator(prose, cheap, cheap, nil, testConfig(), nil)
	out, err := g.GenerateChapter(context.Background(), testInput())
	if err != nil {
		t.Fatalf("GenerateChapter: %v", err)
	}

	if !out.Accepted {
		t.Error("expected accepted")
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}
	if out.Chapter.ConstraintVerdict != constraints.VerdictPass {
		t.Errorf("verdict = %q, want PASS", out.Chapter.ConstraintVerdict)
	}
	if out.Chapter.RegenerationCount != 0 {
		t.Errorf("RegenerationCount = %d, want 0", out.Chapter.RegenerationCount)
	}
	if out.Chapter.OpeningHook != "the open cellar door" {
		t.Errorf("OpeningHook = %q", out.Chapter.OpeningHook)
	}
	if len(out.Extraction.LedgerEntries()) != 2 {
		t.Errorf("ledger entries = %d, want 2", len(out.Extraction.LedgerEntries()))
	}
	if prose.CallCount() != 1 {
		t.Errorf("prose calls = %d, want 1", prose.CallCount())
	}
}

func TestGenerateChapterRetriesOnConstraintFail(t *testing.T) {
	prose := providers.NewMockClient()
	prose.Default = cleanProse

	cheap := providers.NewMockClient()
	cheap.Queue = []string{
		extractedSet,
		goodReview, failReport, // attempt 1 rejected
		goodReview, passReport, // attempt 2 accepted
		extractedEntities,
	}

	g := NewGenerator(prose, cheap, cheap, nil, testConfig(), nil)
	out, err := g.GenerateChapter(context.Background(), testInput())
	if err != nil {
		t.Fatalf("GenerateChapter: %v", err)
	}

	if !out.Accepted {
		t.Error("expected accepted on retry")
	}
	if out.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", out.Attempts)
	}
	if out.Chapter.RegenerationCount != 1 {
		t.Errorf("RegenerationCount = %d, want 1", out.Chapter.RegenerationCount)
	}

	// The retry prompt carries the validator's feedback.
	if prose.CallCount() != 2 {
		t.Fatalf("prose calls = %d, want 2", prose.CallCount())
	}
	if !strings.Contains(prose.Calls[1], "the key never appears") {
		t.Error("retry prompt missing validator feedback")
	}
}

func TestGenerateChapterExhaustedCommitsAnyway(t *testing.T) {
	prose := providers.NewMockClient()
	prose.Default = cleanProse

	cheap := providers.NewMockClient()
	cheap.Queue = []string{
		extractedSet,
		goodReview, failReport, // attempt 1
		goodReview, failReport, // attempt 2
		extractedEntities,
	}

	cfg := testConfig()
	cfg.MaxRegenerations = 1

	g := NewGenerator(prose, cheap, cheap, nil, cfg, nil)
	out, err := g.GenerateChapter(context.Background(), testInput())
	if err != nil {
		t.Fatalf("GenerateChapter: %v", err)
	}

	if out.Accepted {
		t.Error("expected Accepted=false after exhausting the budget")
	}
	if out.Chapter == nil {
		t.Fatal("exhausted outcome must still carry a committable chapter")
	}
	if out.Chapter.ConstraintVerdict != constraints.VerdictFail {
		t.Errorf("verdict = %q, want FAIL", out.Chapter.ConstraintVerdict)
	}
	if out.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", out.Attempts)
	}
}

func TestGenerateChapterWordBandIsHardFailure(t *testing.T) {
	prose := providers.NewMockClient()
	prose.Default = "Too short." // under WordMin

	cheap := providers.NewMockClient()
	cheap.Queue = []string{
		extractedSet,
		goodReview, passReport,
		goodReview, passReport,
		goodReview, passReport,
		extractedEntities,
	}

	g := NewGenerator(prose, cheap, cheap, nil, testConfig(), nil)
	out, err := g.GenerateChapter(context.Background(), testInput())
	if err != nil {
		t.Fatalf("GenerateChapter: %v", err)
	}

	// Every attempt is under the band, so the budget exhausts.
	if out.Accepted {
		t.Error("expected rejection for word band violation")
	}
	if prose.CallCount() != 3 {
		t.Errorf("prose calls = %d, want 3 (1 + 2 regenerations)", prose.CallCount())
	}
}

func TestGenerateChapterSplitsClientsByRole(t *testing.T) {
	prose := providers.NewMockClient()
	prose.Default = cleanProse

	cheap := providers.NewMockClient()
	cheap.Queue = []string{goodReview, passReport}

	extract := providers.NewMockClient()
	extract.Queue = []string{extractedSet, extractedEntities}

	cfg := testConfig()
	cfg.ReadingLevel = "middle grade"

	g := NewGenerator(prose, cheap, extract, nil, cfg, nil)
	out, err := g.GenerateChapter(context.Background(), testInput())
	if err != nil {
		t.Fatalf("GenerateChapter: %v", err)
	}
	if !out.Accepted {
		t.Fatal("expected accepted")
	}

	if extract.CallCount() != 2 {
		t.Errorf("extraction client calls = %d, want 2 (constraints + entities)", extract.CallCount())
	}
	if cheap.CallCount() != 2 {
		t.Errorf("validation client calls = %d, want 2 (review + check)", cheap.CallCount())
	}

	// The review prompt names the audience.
	if !strings.Contains(cheap.Calls[0], "middle grade") {
		t.Error("review prompt missing reading level")
	}
}

func TestReviewWeighted(t *testing.T) {
	r := &Review{Scores: map[string]CriterionScore{
		"show_dont_tell":        {Score: 10},
		"dialogue":              {Score: 10},
		"pacing":                {Score: 10},
		"age_appropriateness":   {Score: 10},
		"character_consistency": {Score: 10},
		"prose_quality":         {Score: 10},
	}}
	if w := r.Weighted(); w < 9.999 || w > 10.001 {
		t.Errorf("Weighted = %v, want 10", w)
	}

	// A skipped criterion scores zero and drags the total down.
	delete(r.Scores, "show_dont_tell")
	if w := r.Weighted(); w < 7.499 || w > 7.501 {
		t.Errorf("Weighted with missing criterion = %v, want 7.5", w)
	}
}
