package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rhwb/authflow/internal/cache"
	"github.com/rhwb/authflow/internal/resolver"
)

// Coordinator owns the single source of truth for the current session and
// the current authenticated user. It reacts to provider lifecycle events,
// drives the role resolver exactly once per transition, and serializes
// transitions with a single in-flight token: a concurrent trigger is
// dropped, not queued.
//
// Coordinator instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Coordinator struct {
	config     Config
	provider   IdentityProvider
	resolver   *resolver.Resolver
	cache      *cache.Cache
	ephemeral  KVStore
	persistent KVStore
	logger     *zap.Logger
	audit      *auditDispatcher
	metrics    *Metrics
	onChange   func(Snapshot)

	mu        sync.Mutex
	state     State
	user      *AuthenticatedUser
	session   *Session
	failure   FailureKind
	challenge *OTPChallenge
	attempts  int
	// generation advances every time local state is cleared. A transition
	// captures it at start and commits only if it is unchanged, so an
	// in-flight validation can never resurrect state a logout or sign-out
	// already swept.
	generation uint64
	// active is the store session data is written to; VerifyCode switches
	// it to the ephemeral store for public devices before any write.
	active KVStore

	validating atomic.Bool
	loggingOut atomic.Bool
	started    atomic.Bool
	closed     atomic.Bool
	done       chan struct{}
	wg         sync.WaitGroup
}

func (c *Coordinator) sessionKey() string {
	return c.config.Storage.Prefix + ":session"
}

// Start runs the startup probe and begins consuming the provider's event
// stream. It must be called exactly once; the probe completes before
// Start returns, so callers observe a settled state.
func (c *Coordinator) Start(ctx context.Context) error {
	if c == nil {
		return ErrCoordinatorNotReady
	}
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}

	c.startupProbe(ctx)

	c.wg.Add(1)
	go c.eventLoop()
	return nil
}

// startupProbe asks the provider for an existing session, bounded so a
// hung provider reads as "no session" instead of blocking the app.
func (c *Coordinator) startupProbe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.Coordinator.StartupProbeTimeout)
	defer cancel()

	session, err := c.provider.GetSession(probeCtx)
	switch {
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) {
			c.metricInc(MetricStartupProbeTimeout)
			c.logger.Warn("startup session probe timed out")
		} else {
			c.logger.Warn("startup session probe failed", zap.Error(err))
		}
		c.setUnauthenticated(FailureNone)
	case !session.Live(time.Now()):
		c.setUnauthenticated(FailureNone)
	default:
		c.metricInc(MetricSessionRestored)
		c.validateTransition(session, 1, true, auditEventSessionRestore)
	}
}

func (c *Coordinator) eventLoop() {
	defer c.wg.Done()

	events := c.provider.Events()
	for {
		select {
		case change, ok := <-events:
			if !ok {
				return
			}
			c.handleChange(change)
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) handleChange(change AuthChange) {
	// Events arriving mid-logout are ignored outright so a late SIGNED_IN
	// cannot resurrect a user the logout already cleared.
	if c.loggingOut.Load() {
		c.metricInc(MetricEventDropped)
		c.logger.Debug("auth event ignored during logout", zap.String("event", string(change.Event)))
		return
	}

	switch change.Event {
	case EventSignedIn:
		if change.Session.Live(time.Now()) {
			c.validateTransition(change.Session, 1, false, auditEventSignedIn)
		}
	case EventTokenRefreshed:
		// Refresh is non-interactive; validated with restore semantics.
		if change.Session.Live(time.Now()) {
			c.validateTransition(change.Session, 1, true, auditEventTokenRefreshed)
		}
	case EventSignedOut:
		c.clearLocal(context.Background())
		c.setUnauthenticated(FailureNone)
	default:
		// All other provider events would only cause redundant
		// re-validation.
	}
}

// validateTransition runs one full cache-check → lookup → state-update
// sequence. The CAS token guarantees at most one sequence at a time; a
// losing trigger relies on the in-flight one to settle the shared state.
func (c *Coordinator) validateTransition(session *Session, attempt int, restore bool, trigger string) {
	if !c.validating.CompareAndSwap(false, true) {
		c.metricInc(MetricEventDropped)
		c.logger.Debug("validation trigger dropped, transition in flight", zap.String("trigger", trigger))
		return
	}
	defer c.validating.Store(false)

	email := cache.NormalizeEmail(session.Email)

	c.mu.Lock()
	if c.loggingOut.Load() {
		c.mu.Unlock()
		c.metricInc(MetricEventDropped)
		c.logger.Debug("validation trigger dropped during logout", zap.String("trigger", trigger))
		return
	}
	c.state = StateAuthenticating
	c.session = session
	c.user = nil
	c.failure = FailureNone
	c.attempts = attempt
	gen := c.generation
	c.mu.Unlock()
	c.notify()

	ctx := context.Background()
	start := time.Now()
	v := c.resolver.Resolve(ctx, email, attempt, restore)
	c.metricObserve(MetricValidateLatency, time.Since(start))

	if v.Valid {
		c.completeValidation(ctx, session, email, v, gen, trigger)
		return
	}
	c.failValidation(ctx, session, email, v, gen, trigger)
}

func (c *Coordinator) completeValidation(ctx context.Context, session *Session, email string, v Validation, gen uint64, trigger string) {
	user := &AuthenticatedUser{
		Email:        email,
		Role:         Role(v.Role),
		DisplayName:  v.DisplayName,
		SessionID:    session.ID,
		FromFallback: v.FromFallback,
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		c.metricInc(MetricEventDropped)
		// The resolution already wrote through the validation cache; sweep
		// it again so the logout's clean-stores guarantee holds.
		c.cache.Clear(ctx)
		c.logger.Debug("validation result discarded, state cleared mid-flight", zap.String("trigger", trigger))
		return
	}
	c.state = StateAuthenticated
	c.user = user
	c.session = session
	c.failure = FailureNone
	active := c.active
	c.mu.Unlock()

	c.persistSession(ctx, active, session)

	// A logout that raced the persist has already swept the stores; take
	// the key back out so nothing under the prefix survives it.
	c.mu.Lock()
	swept := c.generation != gen
	c.mu.Unlock()
	if swept {
		c.cache.Clear(ctx)
		if err := active.Delete(ctx, c.sessionKey()); err != nil {
			c.logger.Debug("post-logout session delete failed", zap.Error(err))
		}
		return
	}

	outcome := auditOutcomeSuccess
	if v.FromFallback {
		outcome = auditOutcomeFallback
		c.metricInc(MetricValidateFallback)
	} else if v.FromCache {
		c.metricInc(MetricValidateCacheHit)
	}
	c.metricInc(MetricValidateSuccess)
	c.emitAudit(ctx, auditEventValidate, outcome, email, session.ID, nil, trigger, func() map[string]string {
		return map[string]string{
			"role":       v.Role,
			"from_cache": boolLabel(v.FromCache),
		}
	})
	c.notify()
}

func (c *Coordinator) failValidation(ctx context.Context, session *Session, email string, v Validation, gen uint64, trigger string) {
	c.mu.Lock()
	stale := c.generation != gen
	c.mu.Unlock()
	if stale {
		c.metricInc(MetricEventDropped)
		c.logger.Debug("validation failure discarded, state cleared mid-flight", zap.String("trigger", trigger))
		return
	}

	c.metricInc(MetricValidateFailure)
	c.emitAudit(ctx, auditEventValidate, auditOutcomeFailure, email, session.ID, failureError(v.Failure), trigger, func() map[string]string {
		return map[string]string{
			"kind": v.Failure.String(),
		}
	})

	if v.Failure == FailureTimeout {
		// Couldn't check is not the same as not authorized: keep the
		// session and surface a retryable unconfirmed state.
		c.metricInc(MetricLookupTimeout)
		c.metricInc(MetricIdentityUnconfirmed)
		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return
		}
		c.state = StateUnconfirmed
		c.user = nil
		c.session = session
		c.failure = FailureTimeout
		c.mu.Unlock()
		c.notify()
		return
	}

	// Authoritative "no": destroy the session at the provider.
	c.metricInc(MetricForcedSignOut)
	c.clearLocal(ctx)
	c.setUnauthenticated(v.Failure)
	c.providerSignOut(auditEventForcedSignOut, email)
}

// Retry re-runs validation after an unconfirmed transition, bypassing the
// cache by advancing the attempt number.
func (c *Coordinator) Retry(ctx context.Context) error {
	if c == nil {
		return ErrCoordinatorNotReady
	}
	if c.loggingOut.Load() {
		return ErrLogoutInProgress
	}

	c.mu.Lock()
	session := c.session
	state := c.state
	attempt := c.attempts + 1
	c.mu.Unlock()

	if state != StateUnconfirmed || session == nil {
		return ErrNoSession
	}
	if !session.Live(time.Now()) {
		return ErrSessionExpired
	}
	if c.validating.Load() {
		return ErrValidationInFlight
	}
	c.validateTransition(session, attempt, true, auditEventRetry)
	return nil
}

// Logout synchronously clears all local state and every key under the
// storage prefix in both stores, then fires a best-effort provider
// sign-out. Local clearing never waits on the network.
func (c *Coordinator) Logout(ctx context.Context) error {
	if c == nil {
		return ErrCoordinatorNotReady
	}
	if !c.loggingOut.CompareAndSwap(false, true) {
		return ErrLogoutInProgress
	}

	c.mu.Lock()
	email := ""
	if c.user != nil {
		email = c.user.Email
	} else if c.session != nil {
		email = cache.NormalizeEmail(c.session.Email)
	}
	c.mu.Unlock()

	c.clearLocal(ctx)
	c.setUnauthenticated(FailureNone)

	c.metricInc(MetricLogout)
	c.emitAudit(ctx, auditEventLogout, auditOutcomeSuccess, email, "", nil, "", nil)

	c.providerSignOut(auditEventLogout, email)

	c.loggingOut.Store(false)
	return nil
}

// providerSignOut is fire-and-forget: bounded, logged, never surfaced.
func (c *Coordinator) providerSignOut(label, email string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.config.Coordinator.SignOutTimeout)
		defer cancel()

		if err := c.provider.SignOut(ctx); err != nil {
			c.logger.Warn("provider sign-out failed", zap.Error(err))
			c.emitAudit(ctx, auditEventProviderSignOut, auditOutcomeFailure, email, "", err, label, nil)
		}
	}()
}

// clearLocal removes the user, the session reference, the OTP challenge,
// and every prefixed key from both stores.
func (c *Coordinator) clearLocal(ctx context.Context) {
	c.mu.Lock()
	c.user = nil
	c.session = nil
	c.challenge = nil
	c.attempts = 0
	c.active = c.persistent
	c.generation++
	c.mu.Unlock()

	c.cache.Clear(ctx)
	prefix := c.config.Storage.Prefix + ":"
	for _, kv := range []KVStore{c.ephemeral, c.persistent} {
		if kv == nil {
			continue
		}
		if err := kv.DeletePrefix(ctx, prefix); err != nil {
			c.logger.Debug("session store clear failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) setUnauthenticated(failure FailureKind) {
	c.mu.Lock()
	c.state = StateUnauthenticated
	c.user = nil
	c.session = nil
	c.failure = failure
	c.mu.Unlock()
	c.notify()
}

// persistSession writes the session snapshot to the active store so a
// restart on the same device can restore it. Failures degrade silently;
// the provider remains the source of truth.
func (c *Coordinator) persistSession(ctx context.Context, active KVStore, session *Session) {
	if active == nil || session == nil {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	ttl := time.Duration(0)
	if !session.ExpiresAt.IsZero() {
		ttl = time.Until(session.ExpiresAt)
		if ttl <= 0 {
			return
		}
	}
	if err := active.Set(ctx, c.sessionKey(), data, ttl); err != nil {
		c.logger.Debug("session persist failed", zap.Error(err))
	}
}

func (c *Coordinator) notify() {
	if c.onChange == nil {
		return
	}
	c.onChange(c.Snapshot())
}

// Snapshot describes the snapshot operation and its observable behavior.
//
// Snapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:   c.state,
		Failure: c.failure,
		Session: c.session,
	}
	if c.user != nil {
		user := *c.user
		snap.User = &user
	}
	return snap
}

// State describes the state operation and its observable behavior.
//
// State does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentUser returns the authenticated user, or nil outside
// [StateAuthenticated].
func (c *Coordinator) CurrentUser() *AuthenticatedUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	user := *c.user
	return &user
}

// CurrentSession returns the coordinator's read reference to the
// provider-owned session, or nil when unauthenticated.
func (c *Coordinator) CurrentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Close stops the event loop and drains the audit dispatcher. The
// coordinator must not be used after Close.
func (c *Coordinator) Close() {
	if c == nil {
		return
	}
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.wg.Wait()
	if c.audit != nil {
		c.audit.Close()
	}
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Coordinator) AuditDropped() uint64 {
	if c == nil || c.audit == nil {
		return 0
	}
	return c.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Coordinator) MetricsSnapshot() MetricsSnapshot {
	if c == nil || c.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return c.metrics.Snapshot()
}

func (c *Coordinator) metricInc(id MetricID) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.Inc(id)
}

func (c *Coordinator) metricObserve(id MetricID, d time.Duration) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.Observe(id, d)
}

func failureError(kind FailureKind) error {
	switch kind {
	case FailureConfig:
		return ErrDirectoryNotConfigured
	case FailureConnection:
		return ErrConnection
	case FailureTimeout:
		return ErrLookupTimeout
	case FailureUnauthorized:
		return ErrUnauthorized
	case FailureNotFound:
		return ErrEmailNotFound
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
