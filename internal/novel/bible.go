package novel

import "time"

// CharacterCard describes one character in the bible. The protagonist's Name
// is the canonical spelling every chapter must match.
type CharacterCard struct {
	Name           string   `json:"name" validate:"required"`
	Role           string   `json:"role,omitempty"`
	Goals          []string `json:"goals,omitempty"`
	Fears          []string `json:"fears,omitempty"`
	Voice          string   `json:"voice,omitempty"`
	Contradictions []string `json:"internal_contradictions,omitempty"`
}

// Location is a key setting with the sensory details the generator leans on.
type Location struct {
	Name    string   `json:"name" validate:"required"`
	Sensory []string `json:"sensory_details,omitempty"`
}

// Bible is the canonical structured description of a book. Written once per
// story (or per book in a series) and immutable thereafter.
type Bible struct {
	ID              string          `json:"id"`
	StoryID         string          `json:"story_id"`
	Protagonist     CharacterCard   `json:"protagonist" validate:"required"`
	Antagonist      CharacterCard   `json:"antagonist" validate:"required"`
	Supporting      []CharacterCard `json:"supporting,omitempty" validate:"dive"`
	WorldRules      []string        `json:"world_rules,omitempty"`
	CentralConflict string          `json:"central_conflict" validate:"required"`
	Stakes          string          `json:"stakes,omitempty"`
	Themes          []string        `json:"themes,omitempty"`
	Locations       []Location      `json:"key_locations,omitempty" validate:"dive"`
	Timeline        string          `json:"timeline,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CharacterNames returns every named character, protagonist first.
func (b *Bible) CharacterNames() []string {
	names := []string{b.Protagonist.Name, b.Antagonist.Name}
	for _, c := range b.Supporting {
		names = append(names, c.Name)
	}
	return names
}

// HasUniqueNames reports whether character names are unique within the bible.
func (b *Bible) HasUniqueNames() bool {
	seen := make(map[string]struct{})
	for _, n := range b.CharacterNames() {
		if _, dup := seen[n]; dup {
			return false
		}
		seen[n] = struct{}{}
	}
	return true
}
