package authflow

import (
	"context"
	"time"

	"github.com/rhwb/authflow/internal/resolver"
	"github.com/rhwb/authflow/internal/store"
)

// Role is the enumerated authorization level gating dashboard access.
//
//	Docs: docs/roles.md
type Role string

const (
	// RoleAdmin is an exported constant or variable used by the session coordinator.
	RoleAdmin Role = "admin"
	// RoleCoach is an exported constant or variable used by the session coordinator.
	RoleCoach Role = "coach"
	// RoleHybrid is an exported constant or variable used by the session coordinator.
	RoleHybrid Role = "hybrid"
	// RoleRunner is an exported constant or variable used by the session coordinator.
	RoleRunner Role = "runner"
)

// Known reports whether r is one of the enumerated roster roles.
func (r Role) Known() bool {
	switch r {
	case RoleAdmin, RoleCoach, RoleHybrid, RoleRunner:
		return true
	}
	return false
}

// State is the coordinator's lifecycle state.
//
//	Docs: docs/coordinator.md
type State uint8

const (
	// StateUnknown is an exported constant or variable used by the session coordinator.
	StateUnknown State = iota
	// StateUnauthenticated is an exported constant or variable used by the session coordinator.
	StateUnauthenticated
	// StateAuthenticating is an exported constant or variable used by the session coordinator.
	StateAuthenticating
	// StateAuthenticated is an exported constant or variable used by the session coordinator.
	StateAuthenticated
	// StateUnconfirmed means a session exists but its identity could not be
	// confirmed in time; the session is preserved and [Coordinator.Retry]
	// is available.
	StateUnconfirmed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateUnconfirmed:
		return "unconfirmed"
	}
	return "invalid"
}

// Session is the provider-issued proof of authentication. The coordinator
// holds a read reference and never mutates provider state through it;
// absence or expiry reads as unauthenticated.
type Session struct {
	ID           string
	AccessToken  string
	RefreshToken string
	UserID       string
	Email        string
	ExpiresAt    time.Time
}

// Live reports whether the session exists and has not expired.
func (s *Session) Live(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// AuthenticatedUser is the derived current-user value. It is never
// persisted directly and is always recomputed from Session plus a
// resolver result; a non-nil AuthenticatedUser always corresponds to a
// live Session.
type AuthenticatedUser struct {
	Email        string
	Role         Role
	DisplayName  string
	SessionID    string
	FromFallback bool
}

// AuthEventKind identifies one identity-provider lifecycle event.
type AuthEventKind string

const (
	// EventSignedIn is an exported constant or variable used by the session coordinator.
	EventSignedIn AuthEventKind = "SIGNED_IN"
	// EventSignedOut is an exported constant or variable used by the session coordinator.
	EventSignedOut AuthEventKind = "SIGNED_OUT"
	// EventTokenRefreshed is an exported constant or variable used by the session coordinator.
	EventTokenRefreshed AuthEventKind = "TOKEN_REFRESHED"
	// EventUserUpdated is delivered by some providers; the coordinator
	// ignores it.
	EventUserUpdated AuthEventKind = "USER_UPDATED"
	// EventPasswordRecovery is delivered by some providers; the
	// coordinator ignores it.
	EventPasswordRecovery AuthEventKind = "PASSWORD_RECOVERY"
)

// AuthChange is one entry in the identity provider's event stream.
type AuthChange struct {
	Event   AuthEventKind
	Session *Session
}

// IdentityProvider is the external identity/session capability the
// coordinator drives. Implementations own session lifecycle entirely;
// GetSession returns (nil, nil) when no session exists.
//
//	Docs: docs/provider.md
type IdentityProvider interface {
	GetSession(ctx context.Context) (*Session, error)
	SignInWithOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, code string) (*Session, error)
	SignOut(ctx context.Context) error
	Events() <-chan AuthChange
}

// DirectoryRecord is the authoritative roster row for one email address.
type DirectoryRecord = resolver.Record

// RoleDirectory is the authoritative role source consulted by the
// resolver. A missing row must surface as [resolver.ErrNotFound].
type RoleDirectory = resolver.Directory

// Validation is the resolver's tagged result. Callers must treat
// FromFallback results as unverified for audit purposes.
type Validation = resolver.Validation

// FailureKind classifies a failed validation.
type FailureKind = resolver.FailureKind

const (
	// FailureNone is an exported constant or variable used by the session coordinator.
	FailureNone = resolver.FailureNone
	// FailureConfig is an exported constant or variable used by the session coordinator.
	FailureConfig = resolver.FailureConfig
	// FailureConnection is an exported constant or variable used by the session coordinator.
	FailureConnection = resolver.FailureConnection
	// FailureTimeout is an exported constant or variable used by the session coordinator.
	FailureTimeout = resolver.FailureTimeout
	// FailureUnauthorized is an exported constant or variable used by the session coordinator.
	FailureUnauthorized = resolver.FailureUnauthorized
	// FailureNotFound is an exported constant or variable used by the session coordinator.
	FailureNotFound = resolver.FailureNotFound
)

// KVStore is the key/value contract for the two session/cache stores.
// [NewMemoryStore] and [NewRedisStore] provide the standard pair.
type KVStore = store.KV

// Snapshot is a point-in-time view of the coordinator delivered to the
// OnChange hook and returned by [Coordinator.Snapshot].
type Snapshot struct {
	State   State
	User    *AuthenticatedUser
	Session *Session
	// Failure carries the classification of the most recent failed
	// validation, FailureNone otherwise.
	Failure FailureKind
}

// OTPChallenge tracks one outstanding one-time code request. The expiry
// is advisory UI state only; the identity provider enforces the real
// code lifetime.
type OTPChallenge struct {
	ID        string
	Email     string
	SentAt    time.Time
	ExpiresAt time.Time
	Resends   int
}

// Remaining returns the advisory time left on the countdown.
func (c *OTPChallenge) Remaining(now time.Time) time.Duration {
	if c == nil || !now.Before(c.ExpiresAt) {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}
