package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockClient is a scripted Client for tests. Responses are matched by a
// substring of the prompt, falling back to a queue, falling back to a
// default. Errors can be scripted the same way.
type MockClient struct {
	mu sync.Mutex

	// ByContains maps a prompt substring to a canned response.
	ByContains map[string]string

	// ErrByContains maps a prompt substring to a scripted error.
	ErrByContains map[string]error

	// Queue is consumed front-to-back when no substring matches.
	Queue []string

	// Default is returned when nothing else matches.
	Default string

	// Latency is added to every call.
	Latency time.Duration

	// Calls records every prompt received, in order.
	Calls []string
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{
		ByContains:    make(map[string]string),
		ErrByContains: make(map[string]error),
		Default:       "{}",
	}
}

// Name returns the client identifier.
func (m *MockClient) Name() string { return "mock" }

// Complete returns the scripted response for the prompt.
func (m *MockClient) Complete(ctx context.Context, req *Request) (*Result, error) {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req.Prompt)

	for sub, err := range m.ErrByContains {
		if sub != "" && strings.Contains(req.Prompt, sub) {
			return nil, err
		}
	}

	content := ""
	matched := false
	for sub, resp := range m.ByContains {
		if sub != "" && strings.Contains(req.Prompt, sub) {
			content = resp
			matched = true
			break
		}
	}
	if !matched && len(m.Queue) > 0 {
		content = m.Queue[0]
		m.Queue = m.Queue[1:]
		matched = true
	}
	if !matched {
		content = m.Default
	}

	return &Result{
		Content:      content,
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(content) / 4,
		Provider:     "mock",
		ModelUsed:    req.Model,
		RequestID:    fmt.Sprintf("mock-%d", len(m.Calls)),
		Attempts:     1,
	}, nil
}

// CallCount returns how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Verify interface
var _ Client = (*MockClient)(nil)
