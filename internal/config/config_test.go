package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRoleBindings(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name: "role references unknown provider",
			mutate: func(c *Config) {
				c.Roles.Validation = "nope"
			},
			wantErr: true,
		},
		{
			name: "role references disabled provider",
			mutate: func(c *Config) {
				p := c.Providers["openrouter"]
				p.Enabled = false
				c.Providers["openrouter"] = p
			},
			wantErr: true,
		},
		{
			name: "word band inverted",
			mutate: func(c *Config) {
				c.Generation.ChapterWordMin = 3000
				c.Generation.ChapterWordMax = 2000
			},
			wantErr: true,
		},
		{
			name: "quality threshold out of range",
			mutate: func(c *Config) {
				c.Generation.QualityPassThreshold = 11
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReloadNotifiesCallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write := func(maxRegen int) {
		data := fmt.Sprintf("generation:\n  max_regenerations: %d\n", maxRegen)
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(1)

	cm, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := cm.Get().Generation.MaxRegenerations; got != 1 {
		t.Fatalf("MaxRegenerations = %d, want 1", got)
	}

	var seen []int
	cm.OnChange(func(c *Config) { seen = append(seen, c.Generation.MaxRegenerations) })
	cm.OnChange(func(c *Config) { seen = append(seen, c.Generation.MaxRegenerations) })

	write(3)
	if err := cm.v.ReadInConfig(); err != nil {
		t.Fatal(err)
	}
	cm.reload()

	if len(seen) != 2 || seen[0] != 3 || seen[1] != 3 {
		t.Errorf("callbacks saw %v, want [3 3]", seen)
	}
	if got := cm.Get().Generation.MaxRegenerations; got != 3 {
		t.Errorf("MaxRegenerations = %d, want 3 after reload", got)
	}
}

func TestReloadKeepsPreviousOnInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("generation:\n  quality_pass_threshold: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	called := false
	cm.OnChange(func(*Config) { called = true })

	if err := os.WriteFile(path, []byte("generation:\n  quality_pass_threshold: 99\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cm.v.ReadInConfig(); err != nil {
		t.Fatal(err)
	}
	cm.reload()

	if called {
		t.Error("callback fired for a config that failed validation")
	}
	if got := cm.Get().Generation.QualityPassThreshold; got != 7 {
		t.Errorf("QualityPassThreshold = %v, want previous value 7", got)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("INKWELL_TEST_KEY", "sk-12345")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple var", "${INKWELL_TEST_KEY}", "sk-12345"},
		{"embedded var", "key=${INKWELL_TEST_KEY}!", "key=sk-12345!"},
		{"missing var", "${INKWELL_MISSING_VAR}", ""},
		{"no vars", "plain-value", "plain-value"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveEnvVars(tt.input); got != tt.want {
				t.Errorf("ResolveEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestToRegistryConfig(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")

	cfg := DefaultConfig()
	reg := cfg.ToRegistryConfig()

	or, ok := reg["openrouter"]
	if !ok {
		t.Fatal("expected openrouter entry")
	}
	if or.APIKey != "sk-or-test" {
		t.Errorf("APIKey = %q, want resolved env value", or.APIKey)
	}
	if or.Type != "openrouter" || !or.Enabled {
		t.Errorf("registry config lost fields: %+v", or)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SweeperInterval().Minutes() != 5 {
		t.Errorf("SweeperInterval = %v, want 5m", cfg.SweeperInterval())
	}
	if cfg.StalenessThreshold().Minutes() != 60 {
		t.Errorf("StalenessThreshold = %v, want 1h", cfg.StalenessThreshold())
	}
}
