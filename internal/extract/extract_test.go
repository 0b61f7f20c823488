package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", `{"a": 1}`, `{"a": 1}`},
		{"plain fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"language tag", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"unterminated fence", "```json\n{\"a\": 1}", `{"a": 1}`},
		{"surrounding whitespace", "  \n{\"a\": 1}\n  ", `{"a": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripCodeFences(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJSONObjectFindsBalancedPayload(t *testing.T) {
	raw, err := JSONObject(`Here is the result you asked for: {"a": 1, "b": {"c": 2}} hope it helps!`)
	if err != nil {
		t.Fatalf("JSONObject: %v", err)
	}
	if string(raw) != `{"a": 1, "b": {"c": 2}}` {
		t.Errorf("raw = %s", raw)
	}
}

func TestJSONObjectIgnoresBracesInStrings(t *testing.T) {
	raw, err := JSONObject(`{"quote": "he said {wait} and left", "n": 1}`)
	if err != nil {
		t.Fatalf("JSONObject: %v", err)
	}
	var v struct {
		Quote string `json:"quote"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Quote != "he said {wait} and left" {
		t.Errorf("quote = %q", v.Quote)
	}

	// An escaped quote inside a string must not end it.
	if _, err := JSONObject(`{"quote": "she said \"{\" once"}`); err != nil {
		t.Errorf("escaped quote broke the scan: %v", err)
	}
}

func TestJSONObjectHandlesArrays(t *testing.T) {
	raw, err := JSONObject("```json\n[1, 2, 3]\n```")
	if err != nil {
		t.Fatalf("JSONObject: %v", err)
	}
	if string(raw) != "[1, 2, 3]" {
		t.Errorf("raw = %s", raw)
	}
}

func TestJSONObjectErrors(t *testing.T) {
	var perr *ParseError

	_, err := JSONObject("no structured data here")
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}

	_, err = JSONObject(`{"a": 1`)
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if perr.Reason != "unbalanced JSON" {
		t.Errorf("reason = %q", perr.Reason)
	}
}

func TestJSONObjectReportsOffset(t *testing.T) {
	// Balanced but invalid: offsets point at the candidate, not the prose.
	_, err := JSONObject(`note: {"a": 01}`)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if perr.Offset != 6 {
		t.Errorf("offset = %d, want 6", perr.Offset)
	}
}

func TestJSONIntoRequiredFields(t *testing.T) {
	var v struct {
		Must []string `json:"must"`
	}

	err := JSONInto(`{"must": ["a"], "extra": 1}`, &v, "must", "must_not")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if len(perr.ExpectedFields) != 1 || perr.ExpectedFields[0] != "must_not" {
		t.Errorf("expected fields = %v, want [must_not]", perr.ExpectedFields)
	}

	// A null field counts as absent.
	err = JSONInto(`{"must": null}`, &v, "must")
	if !errors.As(err, &perr) || len(perr.ExpectedFields) != 1 {
		t.Errorf("null field not reported: %v", err)
	}

	if err := JSONInto(`{"must": ["a"]}`, &v, "must"); err != nil {
		t.Fatalf("JSONInto: %v", err)
	}
	if len(v.Must) != 1 || v.Must[0] != "a" {
		t.Errorf("decoded = %+v", v)
	}
}

func TestXMLRoot(t *testing.T) {
	content := `Sure, here is the brief:
<editor_brief>
  <editor_notes>tighten it</editor_notes>
</editor_brief>
Let me know if you need anything else.`

	got, err := XMLRoot(content, "editor_brief")
	if err != nil {
		t.Fatalf("XMLRoot: %v", err)
	}
	if !strings.HasPrefix(got, "<editor_brief>") || !strings.HasSuffix(got, "</editor_brief>") {
		t.Errorf("got %q", got)
	}
}

func TestXMLRootRejectsLongerElementNames(t *testing.T) {
	if _, err := XMLRoot("<briefing>x</briefing>", "brief"); err == nil {
		t.Fatal("matched a prefix of a longer element name")
	}
}

func TestXMLRootUnterminated(t *testing.T) {
	_, err := XMLRoot("<brief>never closed", "brief")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if perr.Reason != "unterminated root element" {
		t.Errorf("reason = %q", perr.Reason)
	}
}

func TestValidateSchema(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["verdict"],
		"properties": {"verdict": {"type": "string"}}
	}`)

	if err := ValidateSchema(schema, json.RawMessage(`{"verdict": "PASS"}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := ValidateSchema(schema, json.RawMessage(`{"verdict": 7}`)); err == nil {
		t.Fatal("type mismatch accepted")
	}
	if err := ValidateSchema(schema, json.RawMessage(`{}`)); err == nil {
		t.Fatal("missing required field accepted")
	}
}

func TestWithReaskRetriesOnceOnParseError(t *testing.T) {
	var prompts []string
	complete := func(_ context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		if len(prompts) == 1 {
			return "not json", nil
		}
		return `{"ok": true}`, nil
	}

	var v struct {
		OK bool `json:"ok"`
	}
	err := WithReask(context.Background(), complete, "original prompt", func(content string) error {
		return JSONInto(content, &v, "ok")
	})
	if err != nil {
		t.Fatalf("WithReask: %v", err)
	}
	if !v.OK {
		t.Error("decode result lost")
	}

	if len(prompts) != 2 {
		t.Fatalf("calls = %d, want 2", len(prompts))
	}
	if !strings.HasPrefix(prompts[1], "original prompt") {
		t.Error("re-ask dropped the original prompt")
	}
	if !strings.Contains(prompts[1], "could not be parsed") {
		t.Error("re-ask missing the failure explanation")
	}
}

func TestWithReaskDoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	complete := func(_ context.Context, _ string) (string, error) {
		calls++
		return `{"ok": true}`, nil
	}

	sentinel := fmt.Errorf("validation failed downstream")
	err := WithReask(context.Background(), complete, "p", func(string) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for a non-parse failure", calls)
	}
}

func TestWithReaskSurfacesSecondParseFailure(t *testing.T) {
	calls := 0
	complete := func(_ context.Context, _ string) (string, error) {
		calls++
		return "still not json", nil
	}

	err := WithReask(context.Background(), complete, "p", func(content string) error {
		_, err := JSONObject(content)
		return err
	})
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want exactly 2", calls)
	}
}

func TestWithReaskPropagatesCallErrors(t *testing.T) {
	boom := fmt.Errorf("provider down")
	complete := func(_ context.Context, _ string) (string, error) {
		return "", boom
	}

	err := WithReask(context.Background(), complete, "p", func(string) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want call error", err)
	}
}
