// Package extract recovers structured payloads from model output. Models
// wrap JSON in markdown fences, prepend commentary, or trail off after the
// closing brace; every decode path here tolerates all three.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError reports a failed structured extraction. It carries the raw text
// so the caller can decide between a tightened-prompt retry and failing the
// stage.
type ParseError struct {
	Raw            string
	Offset         int
	ExpectedFields []string
	Reason         string
}

func (e *ParseError) Error() string {
	if len(e.ExpectedFields) > 0 {
		return fmt.Sprintf("structured parse failed at offset %d (missing %s): %s",
			e.Offset, strings.Join(e.ExpectedFields, ", "), e.Reason)
	}
	return fmt.Sprintf("structured parse failed at offset %d: %s", e.Offset, e.Reason)
}

// StripCodeFences removes a leading/trailing markdown code fence. Returns the
// input trimmed when no fence is present.
func StripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// JSONObject returns the first balanced JSON object or array in the text,
// after fence stripping. String-aware: braces inside string literals do not
// count toward the balance.
func JSONObject(content string) (json.RawMessage, error) {
	stripped := StripCodeFences(content)

	start := -1
	var opener, closer byte
	for i := 0; i < len(stripped); i++ {
		if stripped[i] == '{' || stripped[i] == '[' {
			start = i
			opener = stripped[i]
			closer = '}'
			if opener == '[' {
				closer = ']'
			}
			break
		}
	}
	if start < 0 {
		return nil, &ParseError{Raw: content, Reason: "no JSON object found"}
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(stripped); i++ {
		c := stripped[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				candidate := stripped[start : i+1]
				var raw json.RawMessage
				if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
					return nil, &ParseError{Raw: content, Offset: start, Reason: err.Error()}
				}
				return raw, nil
			}
		}
	}
	return nil, &ParseError{Raw: content, Offset: start, Reason: "unbalanced JSON"}
}

// JSONInto extracts the first balanced JSON object and decodes it into v.
// required lists top-level fields that must be present and non-null; a
// missing field produces a ParseError naming it.
func JSONInto(content string, v any, required ...string) error {
	raw, err := JSONObject(content)
	if err != nil {
		return err
	}

	if len(required) > 0 {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return &ParseError{Raw: content, Reason: err.Error()}
		}
		var missing []string
		for _, f := range required {
			val, ok := probe[f]
			if !ok || string(val) == "null" {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return &ParseError{Raw: content, ExpectedFields: missing, Reason: "required fields absent"}
		}
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return &ParseError{Raw: content, Reason: err.Error()}
	}
	return nil
}

// XMLRoot returns the first complete XML element named root in the text,
// after fence stripping. Used for editor briefs, whose prose payloads are
// tedious to escape as JSON.
func XMLRoot(content, root string) (string, error) {
	stripped := StripCodeFences(content)

	openTag := "<" + root
	closeTag := "</" + root + ">"

	start := strings.Index(stripped, openTag)
	if start < 0 {
		return "", &ParseError{Raw: content, ExpectedFields: []string{root}, Reason: "root element not found"}
	}
	// The open tag must end here, not continue into a longer element name.
	rest := stripped[start+len(openTag):]
	if rest == "" || !strings.ContainsRune("> \n\t/", rune(rest[0])) {
		return "", &ParseError{Raw: content, Offset: start, ExpectedFields: []string{root}, Reason: "root element not found"}
	}

	end := strings.Index(stripped[start:], closeTag)
	if end < 0 {
		return "", &ParseError{Raw: content, Offset: start, ExpectedFields: []string{root}, Reason: "unterminated root element"}
	}
	return stripped[start : start+end+len(closeTag)], nil
}
