// Package cache implements the two-layer validation cache: an ephemeral
// store consulted first and a persistent store behind it. Caching here is
// a performance optimization only — every storage failure degrades to a
// miss and is never surfaced to callers.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rhwb/authflow/internal/store"
)

// Entry is one cached validation result keyed by normalized email.
type Entry struct {
	Email       string `json:"email"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	CachedAt    int64  `json:"cached_at"` // unix milliseconds
}

// Config controls key namespacing and the two freshness windows.
type Config struct {
	// Prefix namespaces every key written by the cache.
	Prefix string
	// FreshWindow is the maximum entry age accepted during interactive
	// logins.
	FreshWindow time.Duration
	// RestoreWindow is the maximum entry age accepted while restoring an
	// existing session at startup.
	RestoreWindow time.Duration
}

// Cache reads through the ephemeral store into the persistent store and
// writes through to both.
type Cache struct {
	ephemeral  store.KV
	persistent store.KV
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a Cache over the given stores. logger may be nil.
func New(ephemeral, persistent store.KV, cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		ephemeral:  ephemeral,
		persistent: persistent,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// NormalizeEmail lowercases and trims an address. All cache keys and all
// directory lookups go through this.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (c *Cache) key(email string) string {
	return c.cfg.Prefix + ":validation:" + NormalizeEmail(email)
}

// window selects the freshness threshold for the given context. Session
// restoration tolerates older entries because no user is waiting on a
// fresh credential check.
func (c *Cache) window(restore bool) time.Duration {
	if restore {
		return c.cfg.RestoreWindow
	}
	return c.cfg.FreshWindow
}

// Get returns the freshest acceptable entry, ephemeral layer first.
func (c *Cache) Get(ctx context.Context, email string, restore bool) (Entry, bool) {
	key := c.key(email)
	for _, kv := range []store.KV{c.ephemeral, c.persistent} {
		if kv == nil {
			continue
		}
		entry, ok := c.read(ctx, kv, key, email, restore)
		if ok {
			return entry, true
		}
	}
	return Entry{}, false
}

func (c *Cache) read(ctx context.Context, kv store.KV, key, email string, restore bool) (Entry, bool) {
	data, err := kv.Get(ctx, key)
	if err != nil {
		if err != store.ErrNotFound {
			c.logger.Debug("validation cache read failed", zap.Error(err))
		}
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Debug("validation cache entry corrupt", zap.String("key", key))
		return Entry{}, false
	}

	// An entry stored under a mismatched key must never be served.
	if entry.Email != NormalizeEmail(email) {
		return Entry{}, false
	}

	age := c.now().Sub(time.UnixMilli(entry.CachedAt))
	if age < 0 || age > c.window(restore) {
		return Entry{}, false
	}
	return entry, true
}

// Put writes the entry through to both stores.
func (c *Cache) Put(ctx context.Context, email, role, displayName string) {
	entry := Entry{
		Email:       NormalizeEmail(email),
		Role:        role,
		DisplayName: displayName,
		CachedAt:    c.now().UnixMilli(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	key := c.key(email)
	for _, kv := range []store.KV{c.ephemeral, c.persistent} {
		if kv == nil {
			continue
		}
		if err := kv.Set(ctx, key, data, c.cfg.RestoreWindow); err != nil {
			c.logger.Debug("validation cache write failed", zap.Error(err))
		}
	}
}

// Clear removes every validation entry from both stores.
func (c *Cache) Clear(ctx context.Context) {
	prefix := c.cfg.Prefix + ":validation:"
	for _, kv := range []store.KV{c.ephemeral, c.persistent} {
		if kv == nil {
			continue
		}
		if err := kv.DeletePrefix(ctx, prefix); err != nil {
			c.logger.Debug("validation cache clear failed", zap.Error(err))
		}
	}
}
