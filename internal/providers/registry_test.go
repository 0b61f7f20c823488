package providers

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func testConfigs() map[string]ClientConfig {
	return map[string]ClientConfig{
		"writer":   {Type: "mock", RateLimit: 60, Enabled: true},
		"checker":  {Type: "mock", RateLimit: 120, Enabled: true},
		"disabled": {Type: "openrouter", Enabled: false},
	}
}

func TestNewRegistrySkipsDisabled(t *testing.T) {
	r, err := NewRegistry(testConfigs())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if _, ok := r.Client("writer"); !ok {
		t.Error("writer missing")
	}
	if _, ok := r.Client("disabled"); ok {
		t.Error("disabled provider registered")
	}
	if len(r.Names()) != 2 {
		t.Errorf("names = %v", r.Names())
	}
}

func TestNewRegistryRejectsUnknownType(t *testing.T) {
	_, err := NewRegistry(map[string]ClientConfig{
		"bad": {Type: "carrier-pigeon", Enabled: true},
	})
	if err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

func TestNewRegistryRequiresOneEnabled(t *testing.T) {
	_, err := NewRegistry(map[string]ClientConfig{
		"off": {Type: "mock", Enabled: false},
	})
	if err == nil {
		t.Fatal("expected error with no enabled providers")
	}
}

func TestLimitedClientWrapsLimiter(t *testing.T) {
	r, err := NewRegistry(testConfigs())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	c, ok := r.LimitedClient("writer")
	if !ok {
		t.Fatal("writer missing")
	}
	if _, ok := c.(*limitedClient); !ok {
		t.Fatalf("LimitedClient returned %T, want the rate-limited wrapper", c)
	}

	res, err := c.Complete(context.Background(), &Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content == "" {
		t.Error("empty content from wrapped mock")
	}

	if _, ok := r.LimitedClient("nope"); ok {
		t.Error("unknown name resolved")
	}
}

// rateLimitedStub always reports a provider 429 with a Retry-After hint.
type rateLimitedStub struct {
	retryAfter time.Duration
}

func (s *rateLimitedStub) Name() string { return "stub" }

func (s *rateLimitedStub) Complete(context.Context, *Request) (*Result, error) {
	return &Result{RetryAfter: s.retryAfter}, fmt.Errorf("%w (status 429)", ErrRateLimited)
}

func TestLimitedClientBacksOffOn429(t *testing.T) {
	limiter := NewRateLimiter(6000)
	c := &limitedClient{
		inner:   &rateLimitedStub{retryAfter: 30 * time.Second},
		limiter: limiter,
	}

	_, err := c.Complete(context.Background(), &Request{Prompt: "p"})
	if !IsRateLimited(err) {
		t.Fatalf("err = %v, want rate limited", err)
	}

	// The shared limiter holds every caller out for the server's window.
	delay, ok := limiter.tryTake()
	if ok {
		t.Fatal("token available right after the provider 429")
	}
	if delay < 25*time.Second {
		t.Errorf("hold = %v, want close to the Retry-After", delay)
	}
}
