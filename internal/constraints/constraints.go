// Package constraints implements the first and third passes of the chapter
// pipeline: extracting binding constraints from the outline and story state,
// and checking a draft against them.
package constraints

import (
	"fmt"
	"strings"
)

// Bounds on the extracted sets. Over-long lists are truncated; an empty
// must list fails extraction because a chapter with no requirements cannot
// be validated into anything.
const (
	MinMust    = 3
	MaxMust    = 8
	MinMustNot = 2
	MaxMustNot = 5
	MinShould  = 2
	MaxShould  = 5
)

// Constraint is one extracted requirement with its provenance.
type Constraint struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Citation string `json:"citation,omitempty"`
}

// Set holds the three constraint classes for one chapter attempt.
type Set struct {
	Must    []Constraint `json:"must"`
	MustNot []Constraint `json:"must_not"`
	Should  []Constraint `json:"should"`
}

// Clamp enforces the size bounds, truncating overflow in model order. The
// model front-loads what it considers important, so truncation keeps the
// strongest constraints.
func (s *Set) Clamp() {
	if len(s.Must) > MaxMust {
		s.Must = s.Must[:MaxMust]
	}
	if len(s.MustNot) > MaxMustNot {
		s.MustNot = s.MustNot[:MaxMustNot]
	}
	if len(s.Should) > MaxShould {
		s.Should = s.Should[:MaxShould]
	}
}

// Validate checks the lower bounds after clamping. Only an empty must list
// is fatal; thin must_not/should sets degrade the pipeline but do not stop
// it.
func (s *Set) Validate() error {
	if len(s.Must) == 0 {
		return fmt.Errorf("extraction produced no must constraints")
	}
	return nil
}

// ToXML renders the set as the XML block embedded in generation and
// validation prompts.
func (s *Set) ToXML() string {
	var sb strings.Builder
	sb.WriteString("<constraints>\n")
	writeClass(&sb, "must", s.Must)
	writeClass(&sb, "must_not", s.MustNot)
	writeClass(&sb, "should", s.Should)
	sb.WriteString("</constraints>")
	return sb.String()
}

func writeClass(sb *strings.Builder, class string, cs []Constraint) {
	for _, c := range cs {
		fmt.Fprintf(sb, "  <%s id=%q>%s</%s>\n", class, c.ID, xmlEscape(c.Text), class)
	}
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// Status values for checked constraints.
const (
	StatusDelivered    = "DELIVERED"
	StatusNotDelivered = "NOT_DELIVERED"
	StatusClear        = "CLEAR"
	StatusViolated     = "VIOLATED"

	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// Check is one constraint's judged status with the supporting quote.
type Check struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Evidence string `json:"evidence,omitempty"`
}

// Report is the outcome of checking a draft against a Set. The verdict is
// recomputed locally from the per-constraint statuses; the model's own
// verdict field is advisory only.
type Report struct {
	Must           []Check  `json:"must"`
	MustNot        []Check  `json:"must_not"`
	Verdict        string   `json:"verdict"`
	SpecificIssues []string `json:"specific_issues,omitempty"`
}

// Recompute derives the verdict from the statuses. PASS requires every
// must DELIVERED and every must_not CLEAR. A constraint the checker did not
// judge counts against the draft.
func (r *Report) Recompute(set *Set) {
	judged := make(map[string]string, len(r.Must)+len(r.MustNot))
	for _, c := range r.Must {
		judged[c.ID] = c.Status
	}
	for _, c := range r.MustNot {
		judged[c.ID] = c.Status
	}

	pass := true
	for _, c := range set.Must {
		if judged[c.ID] != StatusDelivered {
			pass = false
			if judged[c.ID] == "" {
				r.SpecificIssues = append(r.SpecificIssues,
					fmt.Sprintf("constraint %s was not judged: %s", c.ID, c.Text))
			}
		}
	}
	for _, c := range set.MustNot {
		if s, ok := judged[c.ID]; ok && s != StatusClear {
			pass = false
		} else if !ok {
			pass = false
			r.SpecificIssues = append(r.SpecificIssues,
				fmt.Sprintf("constraint %s was not judged: %s", c.ID, c.Text))
		}
	}

	if pass {
		r.Verdict = VerdictPass
	} else {
		r.Verdict = VerdictFail
	}
}

// Issues summarizes the failed constraints for a regeneration prompt.
func (r *Report) Issues(set *Set) []string {
	text := make(map[string]string, len(set.Must)+len(set.MustNot))
	for _, c := range set.Must {
		text[c.ID] = c.Text
	}
	for _, c := range set.MustNot {
		text[c.ID] = c.Text
	}

	var out []string
	for _, c := range r.Must {
		if c.Status == StatusNotDelivered {
			out = append(out, fmt.Sprintf("must %s not delivered: %s", c.ID, text[c.ID]))
		}
	}
	for _, c := range r.MustNot {
		if c.Status == StatusViolated {
			issue := fmt.Sprintf("must_not %s violated: %s", c.ID, text[c.ID])
			if c.Evidence != "" {
				issue += fmt.Sprintf(" (%q)", c.Evidence)
			}
			out = append(out, issue)
		}
	}
	out = append(out, r.SpecificIssues...)
	return out
}
