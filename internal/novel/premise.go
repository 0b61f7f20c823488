package novel

import (
	"fmt"
	"time"
)

// PremiseTier labels how far a premise stretches from the reader's stated
// preferences. A premise set carries exactly one of each.
type PremiseTier string

const (
	TierComfort  PremiseTier = "comfort"
	TierStretch  PremiseTier = "stretch"
	TierWildcard PremiseTier = "wildcard"
)

// Premise is one candidate book pitch.
type Premise struct {
	ID          string      `json:"id"`
	Title       string      `json:"title" validate:"required"`
	Description string      `json:"description" validate:"required"`
	Hook        string      `json:"hook,omitempty"`
	Genre       string      `json:"genre,omitempty"`
	Themes      []string    `json:"themes,omitempty"`
	Tier        PremiseTier `json:"tier" validate:"required,oneof=comfort stretch wildcard"`
}

// PremiseSet is an ordered triple of premises offered to a reader.
type PremiseSet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Premises  []Premise `json:"premises" validate:"len=3,dive"`
	Discarded bool      `json:"discarded"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateTiers checks the tiers are a permutation of the three values.
func (ps *PremiseSet) ValidateTiers() error {
	if len(ps.Premises) != 3 {
		return fmt.Errorf("premise set has %d premises, want 3", len(ps.Premises))
	}
	seen := make(map[PremiseTier]bool, 3)
	for _, p := range ps.Premises {
		switch p.Tier {
		case TierComfort, TierStretch, TierWildcard:
		default:
			return fmt.Errorf("unknown premise tier %q", p.Tier)
		}
		if seen[p.Tier] {
			return fmt.Errorf("duplicate premise tier %q", p.Tier)
		}
		seen[p.Tier] = true
	}
	return nil
}

// Find returns the premise with the given id.
func (ps *PremiseSet) Find(id string) (Premise, bool) {
	for _, p := range ps.Premises {
		if p.ID == id {
			return p, true
		}
	}
	return Premise{}, false
}

// Preferences captures what the premise generator knows about a reader.
// Produced by an external preference-learning collaborator; consumed here.
type Preferences struct {
	UserID       string   `json:"user_id"`
	Genres       []string `json:"genres,omitempty"`
	Themes       []string `json:"themes,omitempty"`
	Avoid        []string `json:"avoid,omitempty"`
	ReadingLevel string   `json:"reading_level,omitempty"`
	RecentTitles []string `json:"recent_titles,omitempty"`
}
