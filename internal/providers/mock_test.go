package providers

import (
	"context"
	"errors"
	"testing"
)

func TestMockClientScriptingPrecedence(t *testing.T) {
	m := NewMockClient()
	m.ByContains["write a chapter"] = "chapter text"
	m.Queue = []string{"first queued", "second queued"}
	m.Default = "fallback"

	ctx := context.Background()
	complete := func(prompt string) string {
		res, err := m.Complete(ctx, &Request{Prompt: prompt})
		if err != nil {
			t.Fatalf("Complete(%q): %v", prompt, err)
		}
		return res.Content
	}

	if got := complete("please write a chapter now"); got != "chapter text" {
		t.Errorf("substring match = %q", got)
	}
	if got := complete("unmatched"); got != "first queued" {
		t.Errorf("queue pop = %q", got)
	}
	if got := complete("unmatched again"); got != "second queued" {
		t.Errorf("queue pop = %q", got)
	}
	if got := complete("unmatched still"); got != "fallback" {
		t.Errorf("default = %q", got)
	}

	if m.CallCount() != 4 || len(m.Calls) != 4 {
		t.Errorf("calls = %d", m.CallCount())
	}
}

func TestMockClientScriptedErrors(t *testing.T) {
	m := NewMockClient()
	boom := errors.New("provider down")
	m.ErrByContains["story bible"] = boom

	_, err := m.Complete(context.Background(), &Request{Prompt: "build the story bible"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want scripted error", err)
	}
}
