package authflow

import (
	"errors"
	"time"
)

// Config defines a public type used by authflow APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Storage     StorageConfig
	Cache       CacheConfig
	Resolver    ResolverConfig
	Coordinator CoordinatorConfig
	OTP         OTPConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
}

// StorageConfig defines a public type used by authflow APIs.
//
// StorageConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type StorageConfig struct {
	// Prefix namespaces every key authflow writes to either store.
	// Logout removes exactly the keys under this prefix.
	Prefix string
}

// CacheConfig defines a public type used by authflow APIs.
//
// CacheConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CacheConfig struct {
	// FreshWindow is the maximum cached-validation age accepted for
	// interactive logins.
	FreshWindow time.Duration
	// RestoreWindow is the maximum cached-validation age accepted while
	// restoring a session found at startup.
	RestoreWindow time.Duration
}

// ResolverConfig defines a public type used by authflow APIs.
//
// ResolverConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ResolverConfig struct {
	// InteractiveTimeout bounds the authoritative role lookup for fresh
	// logins.
	InteractiveTimeout time.Duration
	// RestoreTimeout bounds the lookup during session restoration.
	RestoreTimeout time.Duration
	// FallbackOnTimeout grants a pattern-inferred role when the lookup
	// times out instead of failing. The result is always marked and
	// audited as a fallback. Off by default.
	FallbackOnTimeout bool
}

// CoordinatorConfig defines a public type used by authflow APIs.
//
// CoordinatorConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CoordinatorConfig struct {
	// StartupProbeTimeout bounds the GetSession call at startup; on
	// timeout the coordinator proceeds as unauthenticated.
	StartupProbeTimeout time.Duration
	// SignOutTimeout bounds the best-effort provider sign-out during
	// logout. Local state clearing never waits on it.
	SignOutTimeout time.Duration
}

// OTPConfig defines a public type used by authflow APIs.
//
// OTPConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type OTPConfig struct {
	// AdvisoryTTL is the client-side countdown shown for a sent code.
	// The provider enforces the real code lifetime.
	AdvisoryTTL time.Duration
}

// AuditConfig defines a public type used by authflow APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// EmitTimeout bounds each sink delivery; a slow sink never blocks
	// the coordinator.
	EmitTimeout time.Duration
}

// MetricsConfig defines a public type used by authflow APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Prefix: "rhwb_auth",
		},
		Cache: CacheConfig{
			FreshWindow:   5 * time.Minute,
			RestoreWindow: 30 * time.Minute,
		},
		Resolver: ResolverConfig{
			InteractiveTimeout: 3 * time.Second,
			RestoreTimeout:     5 * time.Second,
			FallbackOnTimeout:  false,
		},
		Coordinator: CoordinatorConfig{
			StartupProbeTimeout: 5 * time.Second,
			SignOutTimeout:      2 * time.Second,
		},
		OTP: OTPConfig{
			AdvisoryTTL: 10 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:     true,
			BufferSize:  256,
			DropIfFull:  true,
			EmitTimeout: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	// Config holds only value fields today; the clone keeps Build immune
	// to later mutation of the caller's struct.
	return cfg
}

func (c *Config) applyDefaults() {
	defaults := defaultConfig()
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = defaults.Storage.Prefix
	}
	if c.Cache.FreshWindow <= 0 {
		c.Cache.FreshWindow = defaults.Cache.FreshWindow
	}
	if c.Cache.RestoreWindow <= 0 {
		c.Cache.RestoreWindow = defaults.Cache.RestoreWindow
	}
	if c.Resolver.InteractiveTimeout <= 0 {
		c.Resolver.InteractiveTimeout = defaults.Resolver.InteractiveTimeout
	}
	if c.Resolver.RestoreTimeout <= 0 {
		c.Resolver.RestoreTimeout = defaults.Resolver.RestoreTimeout
	}
	if c.Coordinator.StartupProbeTimeout <= 0 {
		c.Coordinator.StartupProbeTimeout = defaults.Coordinator.StartupProbeTimeout
	}
	if c.Coordinator.SignOutTimeout <= 0 {
		c.Coordinator.SignOutTimeout = defaults.Coordinator.SignOutTimeout
	}
	if c.OTP.AdvisoryTTL <= 0 {
		c.OTP.AdvisoryTTL = defaults.OTP.AdvisoryTTL
	}
	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = defaults.Audit.BufferSize
	}
	if c.Audit.EmitTimeout <= 0 {
		c.Audit.EmitTimeout = defaults.Audit.EmitTimeout
	}
}

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c Config) Validate() error {
	if c.Cache.FreshWindow > c.Cache.RestoreWindow {
		return errors.New("cache fresh window must not exceed restore window")
	}
	if c.Resolver.InteractiveTimeout > c.Resolver.RestoreTimeout {
		return errors.New("interactive lookup timeout must not exceed restore timeout")
	}
	return nil
}
