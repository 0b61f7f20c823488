package providers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ClientConfig configures one named provider.
type ClientConfig struct {
	Type       string `mapstructure:"type"` // "openrouter", "openai", "mock"
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	RateLimit  int    `mapstructure:"rate_limit"` // requests per minute
	MaxRetries int    `mapstructure:"max_retries"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
	Enabled    bool   `mapstructure:"enabled"`
}

// Registry holds the configured clients and their rate limiters.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client
	limiters map[string]*RateLimiter
}

// NewRegistry builds clients from config. Disabled providers are skipped.
func NewRegistry(cfgs map[string]ClientConfig) (*Registry, error) {
	r := &Registry{
		clients:  make(map[string]Client),
		limiters: make(map[string]*RateLimiter),
	}

	for name, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}

		var client Client
		switch cfg.Type {
		case "openrouter":
			client = NewOpenRouterClient(OpenRouterConfig{
				APIKey:       cfg.APIKey,
				BaseURL:      cfg.BaseURL,
				DefaultModel: cfg.Model,
				Timeout:      time.Duration(cfg.TimeoutSec) * time.Second,
				MaxRetries:   cfg.MaxRetries,
			})
		case "openai":
			client = NewOpenAIClient(OpenAIConfig{
				APIKey:       cfg.APIKey,
				BaseURL:      cfg.BaseURL,
				DefaultModel: cfg.Model,
				Timeout:      time.Duration(cfg.TimeoutSec) * time.Second,
				MaxRetries:   cfg.MaxRetries,
			})
		case "mock":
			client = NewMockClient()
		default:
			return nil, fmt.Errorf("unknown provider type %q for %q", cfg.Type, name)
		}

		r.clients[name] = client
		r.limiters[name] = NewRateLimiter(cfg.RateLimit)
	}

	if len(r.clients) == 0 {
		return nil, fmt.Errorf("no enabled providers configured")
	}
	return r, nil
}

// Client returns a named client.
func (r *Registry) Client(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Limiter returns the rate limiter for a named client.
func (r *Registry) Limiter(name string) (*RateLimiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[name]
	return l, ok
}

// limitedClient applies the provider's token bucket before each call and
// drains it when the provider reports a rate limit, so concurrent stories
// back off together.
type limitedClient struct {
	inner   Client
	limiter *RateLimiter
}

func (c *limitedClient) Name() string { return c.inner.Name() }

func (c *limitedClient) Complete(ctx context.Context, req *Request) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := c.inner.Complete(ctx, req)
	if err != nil && IsRateLimited(err) {
		var retryAfter time.Duration
		if res != nil {
			retryAfter = res.RetryAfter
		}
		c.limiter.Record429(retryAfter)
	}
	return res, err
}

// LimitedClient returns a named client wrapped with its rate limiter. This
// is what the pipeline should hold; the raw client bypasses the budget.
func (r *Registry) LimitedClient(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, false
	}
	l, ok := r.limiters[name]
	if !ok {
		return c, true
	}
	return &limitedClient{inner: c, limiter: l}, true
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	return names
}
