package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/providers"
)

func TestGeneratePremises(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Default = `{
		"premises": [
			{"title": "A", "description": "a", "hook": "h", "genre": "mystery", "tier": "comfort"},
			{"title": "B", "description": "b", "hook": "h", "genre": "fantasy", "tier": "stretch"},
			{"title": "C", "description": "c", "hook": "h", "genre": "scifi", "tier": "wildcard"}
		]
	}`

	p := NewPlanner(mock, nil, nil)
	set, err := p.GeneratePremises(context.Background(), novel.Preferences{UserID: "u1", Genres: []string{"mystery"}})
	if err != nil {
		t.Fatalf("GeneratePremises: %v", err)
	}
	if len(set.Premises) != 3 {
		t.Fatalf("premises = %d, want 3", len(set.Premises))
	}
	for _, pr := range set.Premises {
		if pr.ID == "" {
			t.Error("premise missing generated id")
		}
	}
}

func TestGeneratePremisesRejectsBadTiers(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Default = `{
		"premises": [
			{"title": "A", "description": "a", "tier": "comfort"},
			{"title": "B", "description": "b", "tier": "comfort"},
			{"title": "C", "description": "c", "tier": "wildcard"}
		]
	}`

	p := NewPlanner(mock, nil, nil)
	if _, err := p.GeneratePremises(context.Background(), novel.Preferences{UserID: "u1"}); err == nil {
		t.Fatal("expected error for duplicate tiers")
	}
}

func TestGenerateBible(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Default = `{
		"protagonist": {"name": "Mara", "role": "finder", "voice": "wry"},
		"antagonist": {"name": "The Collector", "role": "thief", "voice": "formal"},
		"supporting": [{"name": "Tobin", "role": "friend"}],
		"world_rules": ["memories can be stolen"],
		"central_conflict": "a town that forgets",
		"stakes": "the town's history",
		"key_locations": [{"name": "the cellar", "sensory_details": ["cold stone"]}],
		"timeline": "one autumn"
	}`

	p := NewPlanner(mock, nil, nil)
	story := &novel.Story{ID: "s1", UserID: "u1", BookNumber: 1}
	bible, err := p.GenerateBible(context.Background(), story, novel.Premise{Title: "T", Description: "d"}, "")
	if err != nil {
		t.Fatalf("GenerateBible: %v", err)
	}
	if bible.StoryID != "s1" {
		t.Errorf("StoryID = %q", bible.StoryID)
	}
	if bible.Protagonist.Name != "Mara" {
		t.Errorf("protagonist = %+v", bible.Protagonist)
	}
}

func TestGenerateBibleRejectsDuplicateNames(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Default = `{
		"protagonist": {"name": "Mara"},
		"antagonist": {"name": "Mara"},
		"central_conflict": "x"
	}`

	p := NewPlanner(mock, nil, nil)
	story := &novel.Story{ID: "s1"}
	if _, err := p.GenerateBible(context.Background(), story, novel.Premise{}, ""); err == nil {
		t.Fatal("expected error for duplicate character names")
	}
}

func TestGenerateArc(t *testing.T) {
	outlines := make([]map[string]any, novel.TotalChapters)
	for i := range outlines {
		outlines[i] = map[string]any{
			"chapter_number":    i + 1,
			"title":             fmt.Sprintf("Chapter %d", i+1),
			"events_summary":    "things happen",
			"tension_level":     3 + i%5,
			"word_count_target": 2000,
		}
	}
	payload, _ := json.Marshal(map[string]any{"chapters": outlines})

	mock := providers.NewMockClient()
	mock.Default = string(payload)

	p := NewPlanner(mock, nil, nil)
	story := &novel.Story{ID: "s1"}
	bible := &novel.Bible{Protagonist: novel.CharacterCard{Name: "Mara"}}

	arc, err := p.GenerateArc(context.Background(), story, bible)
	if err != nil {
		t.Fatalf("GenerateArc: %v", err)
	}
	if len(arc.Outlines) != novel.TotalChapters {
		t.Errorf("outlines = %d, want %d", len(arc.Outlines), novel.TotalChapters)
	}
	if err := arc.ValidateChapterNumbers(); err != nil {
		t.Errorf("chapter numbers invalid: %v", err)
	}
}

func TestGenerateBibleReasksOnceOnMalformedOutput(t *testing.T) {
	mock := providers.NewMockClient()
	mock.Queue = []string{
		// Valid JSON, but the conflict field never arrived.
		`{"protagonist": {"name": "Mara"}, "antagonist": {"name": "The Collector"}}`,
		`{
			"protagonist": {"name": "Mara"},
			"antagonist": {"name": "The Collector"},
			"central_conflict": "a town that forgets"
		}`,
	}

	p := NewPlanner(mock, nil, nil)
	bible, err := p.GenerateBible(context.Background(), &novel.Story{ID: "s1"}, novel.Premise{Title: "T"}, "")
	if err != nil {
		t.Fatalf("GenerateBible: %v", err)
	}
	if bible.Protagonist.Name != "Mara" {
		t.Errorf("protagonist = %+v", bible.Protagonist)
	}

	if mock.CallCount() != 2 {
		t.Fatalf("calls = %d, want 2 (original + one re-ask)", mock.CallCount())
	}
	if !strings.Contains(mock.Calls[1], "could not be parsed") {
		t.Error("re-ask prompt missing the parse failure")
	}
	if !strings.Contains(mock.Calls[1], "central_conflict") {
		t.Error("re-ask prompt missing the required fields")
	}
}

func TestGenerateArcRejectsDuplicateChapters(t *testing.T) {
	outlines := make([]map[string]any, novel.TotalChapters)
	for i := range outlines {
		outlines[i] = map[string]any{
			"chapter_number": 1, // all duplicates
			"title":          "Chapter",
			"events_summary": "x",
		}
	}
	payload, _ := json.Marshal(map[string]any{"chapters": outlines})

	mock := providers.NewMockClient()
	mock.Default = string(payload)

	p := NewPlanner(mock, nil, nil)
	if _, err := p.GenerateArc(context.Background(), &novel.Story{}, &novel.Bible{}); err == nil {
		t.Fatal("expected error for duplicate chapter numbers")
	}
}
