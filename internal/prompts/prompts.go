// Package prompts holds the embedded prompt templates for every LLM pass.
// Templates are parsed once at init; a template error is a programming
// error and panics at startup rather than mid-generation.
package prompts

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Template names, matching the files under templates/.
const (
	Premises           = "premises.tmpl"
	Bible              = "bible.tmpl"
	Arc                = "arc.tmpl"
	ConstraintsExtract = "constraints_extract.tmpl"
	Chapter            = "chapter.tmpl"
	ConstraintsCheck   = "constraints_check.tmpl"
	QualityReview      = "quality_review.tmpl"
	EntityExtract      = "entity_extract.tmpl"
	EditorBrief        = "editor_brief.tmpl"
	Consistency        = "consistency.tmpl"
	Revision           = "revision.tmpl"
)

// Render executes the named template with the given data.
func Render(name string, data any) (string, error) {
	var sb strings.Builder
	if err := templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return sb.String(), nil
}

// Names lists the embedded template names, for the status command.
func Names() []string {
	var out []string
	for _, t := range templates.Templates() {
		if t.Name() != "" {
			out = append(out, t.Name())
		}
	}
	return out
}
