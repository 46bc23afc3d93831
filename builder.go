package authflow

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rhwb/authflow/internal/cache"
	"github.com/rhwb/authflow/internal/resolver"
	"github.com/rhwb/authflow/internal/store"
)

// NewMemoryStore creates the ephemeral in-process store. It models
// tab-scoped storage: nothing survives the process.
func NewMemoryStore() KVStore {
	return store.NewMemory()
}

// NewRedisStore creates the persistent store over an existing Redis
// client. The client's lifecycle belongs to the caller.
func NewRedisStore(client redis.UniversalClient) KVStore {
	return store.NewRedis(client)
}

// Builder defines a public type used by authflow APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config

	provider  IdentityProvider
	directory RoleDirectory

	ephemeral  KVStore
	persistent KVStore

	auditSink AuditSink
	logger    *zap.Logger
	onChange  func(Snapshot)

	built bool
}

// New describes the new operation and its observable behavior.
//
// New does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig describes the withconfig operation and its observable behavior.
//
// WithConfig does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithProvider describes the withprovider operation and its observable behavior.
//
// WithProvider does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithProvider(p IdentityProvider) *Builder {
	b.provider = p
	return b
}

// WithDirectory describes the withdirectory operation and its observable behavior.
//
// WithDirectory does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithDirectory(d RoleDirectory) *Builder {
	b.directory = d
	return b
}

// WithRedis wires the persistent store to the given Redis client.
// Equivalent to WithPersistentStore(NewRedisStore(client)).
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.persistent = store.NewRedis(client)
	return b
}

// WithPersistentStore describes the withpersistentstore operation and its observable behavior.
//
// WithPersistentStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithPersistentStore(kv KVStore) *Builder {
	b.persistent = kv
	return b
}

// WithEphemeralStore describes the withephemeralstore operation and its observable behavior.
//
// WithEphemeralStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithEphemeralStore(kv KVStore) *Builder {
	b.ephemeral = kv
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
//
// WithAuditSink does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger describes the withlogger operation and its observable behavior.
//
// WithLogger does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithOnChange registers a hook invoked with a [Snapshot] after every
// state transition. It is called from the coordinator's goroutine and
// must not block.
func (b *Builder) WithOnChange(fn func(Snapshot)) *Builder {
	b.onChange = fn
	return b
}

// WithMetricsEnabled describes the withmetricsenabled operation and its observable behavior.
//
// WithMetricsEnabled does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms describes the withlatencyhistograms operation and its observable behavior.
//
// WithLatencyHistograms does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build may return an error when input validation, dependency calls, or security checks fail.
// Build does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) Build() (*Coordinator, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.provider == nil {
		return nil, ErrProviderNotConfigured
	}
	if b.persistent == nil {
		return nil, errors.New("persistent store required (WithRedis or WithPersistentStore)")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ephemeral := b.ephemeral
	if ephemeral == nil {
		ephemeral = store.NewMemory()
	}

	validationCache := cache.New(ephemeral, b.persistent, cache.Config{
		Prefix:        cfg.Storage.Prefix,
		FreshWindow:   cfg.Cache.FreshWindow,
		RestoreWindow: cfg.Cache.RestoreWindow,
	}, logger)

	roleResolver := resolver.New(b.directory, validationCache, resolver.Config{
		InteractiveTimeout: cfg.Resolver.InteractiveTimeout,
		RestoreTimeout:     cfg.Resolver.RestoreTimeout,
		FallbackOnTimeout:  cfg.Resolver.FallbackOnTimeout,
	}, logger)

	var metrics *Metrics
	if cfg.Metrics.Enabled {
		metrics = NewMetrics(cfg.Metrics)
	}

	c := &Coordinator{
		config:     cfg,
		provider:   b.provider,
		resolver:   roleResolver,
		cache:      validationCache,
		ephemeral:  ephemeral,
		persistent: b.persistent,
		logger:     logger,
		audit:      newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:    metrics,
		onChange:   b.onChange,
		state:      StateUnknown,
		done:       make(chan struct{}),
	}
	c.active = b.persistent

	b.built = true
	return c, nil
}
