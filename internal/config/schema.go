package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/inkwell-ai/inkwell/internal/providers"
)

// Config holds inkwell configuration.
// Stored at: config.yaml (or the path passed via --config)
type Config struct {
	Providers  map[string]ProviderCfg `mapstructure:"providers" yaml:"providers"`
	Roles      RolesCfg               `mapstructure:"roles" yaml:"roles"`
	Generation GenerationCfg          `mapstructure:"generation" yaml:"generation"`
	Sweeper    SweeperCfg             `mapstructure:"sweeper" yaml:"sweeper"`
	Store      StoreCfg               `mapstructure:"store" yaml:"store"`
}

// ProviderCfg configures an LLM provider.
type ProviderCfg struct {
	Type       string `mapstructure:"type" yaml:"type"`       // "openrouter", "openai", "mock"
	Model      string `mapstructure:"model" yaml:"model"`     // Model name
	APIKey     string `mapstructure:"api_key" yaml:"api_key"` // Supports ${ENV_VAR} syntax
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	RateLimit  int    `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per minute
	MaxRetries int    `mapstructure:"max_retries" yaml:"max_retries"`
	TimeoutSec int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
}

// RolesCfg maps pipeline roles onto provider entries. Generation carries the
// prose; validation and extraction run on a cheaper model.
type RolesCfg struct {
	Generation string `mapstructure:"generation" yaml:"generation" validate:"required"`
	Validation string `mapstructure:"validation" yaml:"validation" validate:"required"`
	Extraction string `mapstructure:"extraction" yaml:"extraction" validate:"required"`
}

// GenerationCfg tunes the chapter pipeline.
type GenerationCfg struct {
	// MaxRegenerations bounds retries per chapter across hard and soft
	// failures combined.
	MaxRegenerations int `mapstructure:"max_regenerations" yaml:"max_regenerations" validate:"min=0,max=10"`

	// Word band for a chapter. Outside the band is a soft failure.
	ChapterWordMin int `mapstructure:"chapter_word_min" yaml:"chapter_word_min" validate:"min=100"`
	ChapterWordMax int `mapstructure:"chapter_word_max" yaml:"chapter_word_max" validate:"gtfield=ChapterWordMin"`

	// QualityPassThreshold is the weighted review score (0-10) below which
	// a chapter regenerates.
	QualityPassThreshold float64 `mapstructure:"quality_pass_threshold" yaml:"quality_pass_threshold" validate:"min=0,max=10"`

	// ReadingLevel names the target audience for premises and the
	// age-appropriateness review criterion.
	ReadingLevel string `mapstructure:"reading_level" yaml:"reading_level"`

	// ScannerLimits overrides the per-pattern occurrence caps of the prose
	// scanner, keyed by pattern name.
	ScannerLimits map[string]int `mapstructure:"scanner_limits" yaml:"scanner_limits"`

	// ConcurrentStoriesCap bounds stories generating at once. Zero means
	// unlimited.
	ConcurrentStoriesCap int `mapstructure:"concurrent_stories_cap" yaml:"concurrent_stories_cap" validate:"min=0"`
}

// SweeperCfg tunes the self-healing scan.
type SweeperCfg struct {
	// Interval between sweeps.
	IntervalMinutes int `mapstructure:"interval_minutes" yaml:"interval_minutes" validate:"min=1"`

	// StalenessThresholdMinutes is how long a generating story may sit
	// without progress before the sweeper considers it stuck.
	StalenessThresholdMinutes int `mapstructure:"staleness_threshold_minutes" yaml:"staleness_threshold_minutes" validate:"min=1"`

	// MaxRecoveryRetries is the circuit breaker: recoveries per story
	// before it is marked permanently failed.
	MaxRecoveryRetries int `mapstructure:"max_recovery_retries" yaml:"max_recovery_retries" validate:"min=0"`
}

// StoreCfg configures persistence.
type StoreCfg struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderCfg{
			"openrouter": {
				Type:       "openrouter",
				Model:      "anthropic/claude-3.5-sonnet",
				APIKey:     "${OPENROUTER_API_KEY}",
				RateLimit:  60,
				MaxRetries: 3,
				TimeoutSec: 300,
				Enabled:    true,
			},
			"openrouter-fast": {
				Type:       "openrouter",
				Model:      "anthropic/claude-3.5-haiku",
				APIKey:     "${OPENROUTER_API_KEY}",
				RateLimit:  120,
				MaxRetries: 3,
				TimeoutSec: 120,
				Enabled:    true,
			},
			"openai": {
				Type:       "openai",
				Model:      "gpt-4o",
				APIKey:     "${OPENAI_API_KEY}",
				RateLimit:  60,
				MaxRetries: 3,
				TimeoutSec: 300,
				Enabled:    false,
			},
		},
		Roles: RolesCfg{
			Generation: "openrouter",
			Validation: "openrouter-fast",
			Extraction: "openrouter-fast",
		},
		Generation: GenerationCfg{
			MaxRegenerations:     2,
			ChapterWordMin:       1500,
			ChapterWordMax:       2500,
			QualityPassThreshold: 7.0,
			ReadingLevel:         "young adult",
			ConcurrentStoriesCap: 10,
		},
		Sweeper: SweeperCfg{
			IntervalMinutes:           5,
			StalenessThresholdMinutes: 60,
			MaxRecoveryRetries:        2,
		},
		Store: StoreCfg{
			Path: "inkwell.db",
		},
	}
}

// Validate checks structural constraints and that every role points at an
// enabled provider.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	for role, name := range map[string]string{
		"generation": c.Roles.Generation,
		"validation": c.Roles.Validation,
		"extraction": c.Roles.Extraction,
	} {
		p, ok := c.Providers[name]
		if !ok {
			return fmt.Errorf("role %s references unknown provider %q", role, name)
		}
		if !p.Enabled {
			return fmt.Errorf("role %s references disabled provider %q", role, name)
		}
	}
	return nil
}

// GetProvider returns a provider config by name.
func (c *Config) GetProvider(name string) (ProviderCfg, bool) {
	cfg, ok := c.Providers[name]
	return cfg, ok
}

// EnabledProviders returns all enabled providers.
func (c *Config) EnabledProviders() map[string]ProviderCfg {
	result := make(map[string]ProviderCfg)
	for name, cfg := range c.Providers {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// ToRegistryConfig converts the config to the providers.Registry input. It
// resolves all ${ENV_VAR} references in API keys.
func (c *Config) ToRegistryConfig() map[string]providers.ClientConfig {
	out := make(map[string]providers.ClientConfig, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = providers.ClientConfig{
			Type:       p.Type,
			Model:      p.Model,
			APIKey:     ResolveEnvVars(p.APIKey),
			BaseURL:    p.BaseURL,
			RateLimit:  p.RateLimit,
			MaxRetries: p.MaxRetries,
			TimeoutSec: p.TimeoutSec,
			Enabled:    p.Enabled,
		}
	}
	return out
}
