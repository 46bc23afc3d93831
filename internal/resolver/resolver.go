// Package resolver performs the authoritative role lookup for an email
// address, with cache consultation, a bounded upstream call, fail-closed
// error classification, and an optional pattern-based fallback when the
// upstream does not answer in time.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rhwb/authflow/internal/cache"
)

// Record is the authoritative roster row for one email address.
type Record struct {
	Email       string
	Role        string
	DisplayName string
}

// Directory is the authoritative role source. Implementations must return
// [ErrNotFound] when the address has no roster row and [ErrUnauthorized]
// when the source explicitly denies it.
type Directory interface {
	LookupByEmail(ctx context.Context, email string) (Record, error)
}

// Directory sentinel errors. Anything else is classified as a connection
// failure.
var (
	ErrNotFound     = errors.New("resolver: email not in roster")
	ErrUnauthorized = errors.New("resolver: email not authorized")
	ErrConfig       = errors.New("resolver: directory not configured")
)

// FailureKind classifies a failed validation. The coordinator keys its
// keep-session-or-sign-out decision off this tag.
type FailureKind uint8

const (
	FailureNone FailureKind = iota
	FailureConfig
	FailureConnection
	FailureTimeout
	FailureUnauthorized
	FailureNotFound
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureConfig:
		return "config"
	case FailureConnection:
		return "connection"
	case FailureTimeout:
		return "timeout"
	case FailureUnauthorized:
		return "unauthorized"
	case FailureNotFound:
		return "not_found"
	}
	return "unknown"
}

// Validation is the resolver's tagged result. The resolver never returns
// an error: every failure path lands here as Valid=false with a kind.
type Validation struct {
	Valid        bool
	Role         string
	DisplayName  string
	FromCache    bool
	FromFallback bool
	Failure      FailureKind
}

// Config bounds the upstream lookup and gates the timeout fallback.
type Config struct {
	// InteractiveTimeout bounds lookups for fresh logins.
	InteractiveTimeout time.Duration
	// RestoreTimeout bounds lookups during session restoration, which is
	// non-interactive and tolerates more latency.
	RestoreTimeout time.Duration
	// FallbackOnTimeout enables the pattern-based role inference when the
	// upstream lookup times out. Off by default: granting a role from an
	// unverified string match is a deployment policy decision.
	FallbackOnTimeout bool
}

// Resolver coalesces concurrent lookups per (email, attempt, restore) key
// and answers from cache on first attempts.
type Resolver struct {
	directory Directory
	cache     *cache.Cache
	cfg       Config
	logger    *zap.Logger
	group     singleflight.Group
}

// New creates a Resolver. directory may be nil, in which case every
// uncached resolution fails with FailureConfig. logger may be nil.
func New(directory Directory, c *cache.Cache, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		directory: directory,
		cache:     c,
		cfg:       cfg,
		logger:    logger,
	}
}

// Resolve validates one email address. Concurrent calls sharing the same
// (email, attempt, restore) key share a single underlying resolution; the
// in-flight entry is removed when that resolution settles either way.
func (r *Resolver) Resolve(ctx context.Context, email string, attempt int, restore bool) Validation {
	email = cache.NormalizeEmail(email)
	key := fmt.Sprintf("%s|%d|%t", email, attempt, restore)

	result, _, _ := r.group.Do(key, func() (interface{}, error) {
		return r.resolve(ctx, email, attempt, restore), nil
	})
	return result.(Validation)
}

func (r *Resolver) resolve(ctx context.Context, email string, attempt int, restore bool) Validation {
	// Cache is only consulted on the first attempt; an explicit retry must
	// reach the authoritative source.
	if attempt <= 1 && r.cache != nil {
		if entry, ok := r.cache.Get(ctx, email, restore); ok {
			return Validation{
				Valid:       true,
				Role:        entry.Role,
				DisplayName: entry.DisplayName,
				FromCache:   true,
			}
		}
	}

	if r.directory == nil {
		return Validation{Failure: FailureConfig}
	}

	timeout := r.cfg.InteractiveTimeout
	if restore {
		timeout = r.cfg.RestoreTimeout
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	record, err := r.directory.LookupByEmail(lookupCtx, email)
	if err == nil {
		if r.cache != nil {
			r.cache.Put(ctx, email, record.Role, record.DisplayName)
		}
		return Validation{
			Valid:       true,
			Role:        record.Role,
			DisplayName: record.DisplayName,
		}
	}

	kind := classify(ctx, lookupCtx, err)
	if kind == FailureTimeout && r.cfg.FallbackOnTimeout {
		return r.fallback(ctx, email)
	}

	r.logger.Warn("role lookup failed",
		zap.String("email", email),
		zap.Int("attempt", attempt),
		zap.Bool("restore", restore),
		zap.String("kind", kind.String()),
	)
	return Validation{Failure: kind}
}

// fallback infers a role from the address itself and caches it so the
// rest of the session is served without further upstream calls. The
// result is marked so callers can audit it separately from an
// authoritative grant.
func (r *Resolver) fallback(ctx context.Context, email string) Validation {
	role := InferRole(email)
	name := displayNameFromEmail(email)

	r.logger.Warn("role lookup timed out, using pattern fallback",
		zap.String("email", email),
		zap.String("role", role),
	)
	if r.cache != nil {
		r.cache.Put(ctx, email, role, name)
	}
	return Validation{
		Valid:        true,
		Role:         role,
		DisplayName:  name,
		FromFallback: true,
	}
}

func classify(parent, lookupCtx context.Context, err error) FailureKind {
	switch {
	case parent.Err() != nil:
		// The caller's own deadline or cancellation is not the lookup
		// bound. It must not read as a timeout, or a short caller deadline
		// could trigger the fallback role grant.
		return FailureConnection
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(lookupCtx.Err(), context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrUnauthorized):
		return FailureUnauthorized
	case errors.Is(err, ErrConfig):
		return FailureConfig
	default:
		return FailureConnection
	}
}
