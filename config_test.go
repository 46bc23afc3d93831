package authflow

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{
			name:      "defaults valid",
			mutate:    func(c *Config) {},
			wantValid: true,
		},
		{
			name: "fresh window exceeds restore window",
			mutate: func(c *Config) {
				c.Cache.FreshWindow = time.Hour
				c.Cache.RestoreWindow = 30 * time.Minute
			},
			wantValid: false,
		},
		{
			name: "equal cache windows valid",
			mutate: func(c *Config) {
				c.Cache.FreshWindow = 10 * time.Minute
				c.Cache.RestoreWindow = 10 * time.Minute
			},
			wantValid: true,
		},
		{
			name: "interactive timeout exceeds restore timeout",
			mutate: func(c *Config) {
				c.Resolver.InteractiveTimeout = 10 * time.Second
				c.Resolver.RestoreTimeout = 5 * time.Second
			},
			wantValid: false,
		},
		{
			name: "equal lookup timeouts valid",
			mutate: func(c *Config) {
				c.Resolver.InteractiveTimeout = 4 * time.Second
				c.Resolver.RestoreTimeout = 4 * time.Second
			},
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tt.wantValid && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestConfigApplyDefaultsFillsZeroValues(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	defaults := defaultConfig()
	if cfg.Storage.Prefix != defaults.Storage.Prefix {
		t.Fatalf("expected default prefix, got %q", cfg.Storage.Prefix)
	}
	if cfg.Cache.FreshWindow != defaults.Cache.FreshWindow {
		t.Fatalf("expected default fresh window, got %v", cfg.Cache.FreshWindow)
	}
	if cfg.Resolver.InteractiveTimeout != defaults.Resolver.InteractiveTimeout {
		t.Fatalf("expected default interactive timeout, got %v", cfg.Resolver.InteractiveTimeout)
	}
	if cfg.Coordinator.SignOutTimeout != defaults.Coordinator.SignOutTimeout {
		t.Fatalf("expected default sign-out timeout, got %v", cfg.Coordinator.SignOutTimeout)
	}
	if cfg.OTP.AdvisoryTTL != defaults.OTP.AdvisoryTTL {
		t.Fatalf("expected default advisory TTL, got %v", cfg.OTP.AdvisoryTTL)
	}
	if cfg.Audit.BufferSize != defaults.Audit.BufferSize {
		t.Fatalf("expected default audit buffer, got %d", cfg.Audit.BufferSize)
	}
}

func TestConfigApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Storage: StorageConfig{Prefix: "acme_auth"},
		Cache: CacheConfig{
			FreshWindow:   time.Minute,
			RestoreWindow: 2 * time.Minute,
		},
		Resolver: ResolverConfig{
			InteractiveTimeout: time.Second,
			RestoreTimeout:     2 * time.Second,
			FallbackOnTimeout:  true,
		},
	}
	cfg.applyDefaults()

	if cfg.Storage.Prefix != "acme_auth" {
		t.Fatalf("explicit prefix overwritten: %q", cfg.Storage.Prefix)
	}
	if cfg.Cache.FreshWindow != time.Minute {
		t.Fatalf("explicit fresh window overwritten: %v", cfg.Cache.FreshWindow)
	}
	if !cfg.Resolver.FallbackOnTimeout {
		t.Fatal("explicit fallback flag overwritten")
	}
}
