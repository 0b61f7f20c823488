package extract

import (
	"context"
	"errors"
	"strings"
)

// CompleteFunc performs one model call and returns its raw content. Callers
// fold cost recording and provider options into the closure.
type CompleteFunc func(ctx context.Context, prompt string) (string, error)

// WithReask decodes one model response and, when the decode fails with a
// ParseError, re-asks exactly once with a tightened prompt. Call errors and
// a second parse failure surface to the caller unchanged.
func WithReask(ctx context.Context, complete CompleteFunc, prompt string, decode func(content string) error) error {
	content, err := complete(ctx, prompt)
	if err != nil {
		return err
	}

	derr := decode(content)
	var perr *ParseError
	if derr == nil || !errors.As(derr, &perr) {
		return derr
	}

	content, err = complete(ctx, tightenedPrompt(prompt, perr))
	if err != nil {
		return err
	}
	return decode(content)
}

// tightenedPrompt restates the request with the parse failure quoted and the
// output contract made explicit.
func tightenedPrompt(prompt string, perr *ParseError) string {
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\nYour previous response could not be parsed: ")
	sb.WriteString(perr.Reason)
	if len(perr.ExpectedFields) > 0 {
		sb.WriteString("\nThe response must include: ")
		sb.WriteString(strings.Join(perr.ExpectedFields, ", "))
	}
	sb.WriteString("\nRespond again with only the requested structure. No commentary, no markdown fences.")
	return sb.String()
}
