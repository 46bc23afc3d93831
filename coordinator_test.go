package authflow

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rhwb/authflow/internal/resolver"
	"github.com/rhwb/authflow/internal/store"
)

type fakeProvider struct {
	mu          sync.Mutex
	session     *Session
	getHang     bool
	signInErr   error
	verifyOut   *Session
	verifyErr   error
	signOutErr  error
	signOutHang bool
	// emitOnVerify makes VerifyOTP publish SIGNED_IN on the event stream
	// before it returns, the way the HTTP provider client behaves.
	emitOnVerify bool

	signInCalls  atomic.Int32
	verifyCalls  atomic.Int32
	signOutCalls atomic.Int32

	events chan AuthChange
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{events: make(chan AuthChange, 8)}
}

func (p *fakeProvider) GetSession(ctx context.Context) (*Session, error) {
	if p.getHang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, nil
}

func (p *fakeProvider) SignInWithOTP(_ context.Context, _ string) error {
	p.signInCalls.Add(1)
	return p.signInErr
}

func (p *fakeProvider) VerifyOTP(_ context.Context, _, _ string) (*Session, error) {
	p.verifyCalls.Add(1)
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	if p.emitOnVerify && p.verifyOut != nil {
		p.events <- AuthChange{Event: EventSignedIn, Session: p.verifyOut}
	}
	return p.verifyOut, nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.signOutCalls.Add(1)
	if p.signOutHang {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.signOutErr
}

func (p *fakeProvider) Events() <-chan AuthChange {
	return p.events
}

type mockDirectory struct {
	mu      sync.Mutex
	records map[string]DirectoryRecord
	err     error
	hang    bool
	delay   time.Duration
	calls   atomic.Int32
}

func (d *mockDirectory) LookupByEmail(ctx context.Context, email string) (DirectoryRecord, error) {
	d.calls.Add(1)
	d.mu.Lock()
	hang, err, delay := d.hang, d.err, d.delay
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return DirectoryRecord{}, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return DirectoryRecord{}, ctx.Err()
		}
	}
	if err != nil {
		return DirectoryRecord{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.records[email]
	if !ok {
		return DirectoryRecord{}, resolver.ErrNotFound
	}
	return record, nil
}

func (d *mockDirectory) heal() {
	d.mu.Lock()
	d.hang = false
	d.err = nil
	d.mu.Unlock()
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Resolver.InteractiveTimeout = 40 * time.Millisecond
	cfg.Resolver.RestoreTimeout = 60 * time.Millisecond
	cfg.Coordinator.StartupProbeTimeout = 60 * time.Millisecond
	cfg.Coordinator.SignOutTimeout = 60 * time.Millisecond
	return cfg
}

func liveSession(email string) *Session {
	return &Session{
		ID:          "sess-1",
		AccessToken: "token",
		UserID:      "user-1",
		Email:       email,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func coachRoster() map[string]DirectoryRecord {
	return map[string]DirectoryRecord{
		"coach@rhwb.org": {Email: "coach@rhwb.org", Role: "coach", DisplayName: "Coach K"},
	}
}

func newTestCoordinator(t *testing.T, provider IdentityProvider, dir RoleDirectory, cfg Config) (*Coordinator, KVStore, KVStore) {
	t.Helper()

	ephemeral := store.NewMemory()
	persistent := store.NewMemory()

	c, err := New().
		WithConfig(cfg).
		WithProvider(provider).
		WithDirectory(dir).
		WithEphemeralStore(ephemeral).
		WithPersistentStore(persistent).
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c, ephemeral, persistent
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartupRestoreAuthenticated(t *testing.T) {
	provider := newFakeProvider()
	provider.session = liveSession("coach@rhwb.org")
	dir := &mockDirectory{records: coachRoster()}

	c, _, _ := newTestCoordinator(t, provider, dir, testConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if got := c.State(); got != StateAuthenticated {
		t.Fatalf("expected authenticated, got %v", got)
	}
	user := c.CurrentUser()
	if user == nil || user.Role != RoleCoach || user.Email != "coach@rhwb.org" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.FromFallback {
		t.Fatal("authoritative restore must not be marked fallback")
	}
	if provider.signOutCalls.Load() != 0 {
		t.Fatalf("no sign-out call expected, got %d", provider.signOutCalls.Load())
	}
}

func TestStartupWithoutSession(t *testing.T) {
	provider := newFakeProvider()
	dir := &mockDirectory{records: coachRoster()}

	c, _, _ := newTestCoordinator(t, provider, dir, testConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if got := c.State(); got != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", got)
	}
	if dir.calls.Load() != 0 {
		t.Fatalf("no lookup expected without a session, got %d", dir.calls.Load())
	}
}

func TestStartupProbeTimeoutReadsAsNoSession(t *testing.T) {
	provider := newFakeProvider()
	provider.getHang = true
	dir := &mockDirectory{records: coachRoster()}

	c, _, _ := newTestCoordinator(t, provider, dir, testConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if got := c.State(); got != StateUnauthenticated {
		t.Fatalf("expected unauthenticated after probe timeout, got %v", got)
	}
	if c.MetricsSnapshot().Counters[MetricStartupProbeTimeout] != 1 {
		t.Fatal("expected startup probe timeout metric")
	}
}

func TestRepeatedTimeoutYieldsUnconfirmedWithRetry(t *testing.T) {
	provider := newFakeProvider()
	provider.session = liveSession("coach@rhwb.org")
	dir := &mockDirectory{hang: true}

	cfg := testConfig()
	cfg.Resolver.FallbackOnTimeout = false

	c, _, _ := newTestCoordinator(t, provider, dir, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if got := c.State(); got != StateUnconfirmed {
		t.Fatalf("expected unconfirmed after lookup timeout, got %v", got)
	}
	if c.CurrentSession() == nil {
		t.Fatal("session must be preserved on timeout")
	}

	// Second timeout in a row: still unconfirmed, still retryable.
	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := c.State(); got != StateUnconfirmed {
		t.Fatalf("expected unconfirmed after second timeout, got %v", got)
	}
	if c.CurrentSession() == nil {
		t.Fatal("session must survive repeated timeouts")
	}
	if provider.signOutCalls.Load() != 0 {
		t.Fatal("timeout must never force a sign-out")
	}

	// Directory recovers: manual retry completes the login.
	dir.heal()
	dir.mu.Lock()
	dir.records = coachRoster()
	dir.mu.Unlock()

	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := c.State(); got != StateAuthenticated {
		t.Fatalf("expected authenticated after recovery, got %v", got)
	}
}

func TestNotFoundForcesSignOut(t *testing.T) {
	provider := newFakeProvider()
	provider.session = liveSession("stranger@rhwb.org")
	dir := &mockDirectory{records: coachRoster()}

	c, _, _ := newTestCoordinator(t, provider, dir, testConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if got := c.State(); got != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", got)
	}
	if got := c.Snapshot().Failure; got != FailureNotFound {
		t.Fatalf("expected not_found failure, got %v", got)
	}
	waitFor(t, "provider sign-out", func() bool {
		return provider.signOutCalls.Load() == 1
	})
}

func TestSignedInEventDrivesValidation(t *testing.T) {
	provider := newFakeProvider()
	dir := &mockDirectory{records: coachRoster()}

	c, _, _ := newTestCoordinator(t, provider, dir, testConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	provider.events <- AuthChange{Event: EventSignedIn, Session: liveSession("coach@rhwb.org")}

	waitFor(t, "authenticated state", func() bool {
		return c.State() == StateAuthenticated
	})
	if user := c.CurrentUser(); user == nil || user.Role != RoleCoach {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestSignedOutEventClearsState(t *testing.T) {
	provider := newFakeProvider()
	provider.session = liveSession("coach@rhwb.org")
	dir := &mockDirectory{records: coachRoster()}

	c, _, persistent := newTestCoordinator(t, provider, dir, testConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if c.State() != StateAuthenticated {
		t.Fatalf("precondition failed: %v", c.State())
	}

	provider.events <- AuthChange{Event: EventSignedOut}

	waitFor(t, "unauthenticated state", func() bool {
		return c.State() == StateUnauthenticated && c.CurrentUser() == nil
	})
	keys, _ := persistent.Keys(context.Background(), "rhwb_auth:")
	if len(keys) != 0 {
		t.Fatalf("expected prefixed keys cleared, got %v", keys)
	}
}

func TestIgnoredEventKindsDoNotRevalidate(t *testing.T) {
	provider := newFakeProvider()
	provider.session = liveSession("coach@rhwb.org")
	dir := &mockDirectory{records: coachRoster()}

	c, _, _ := newTestCoordinator(t, provider, dir, testConfig())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	before := dir.calls.Load()

	provider.events <- AuthChange{Event: EventUserUpdated, Session: liveSession("coach@rhwb.org")}
	provider.events <- AuthChange{Event: EventPasswordRecovery, Session: liveSession("coach@rhwb.org")}

	time.Sleep(50 * time.Millisecond)
	if got := dir.calls.Load(); got != before {
		t.Fatalf("ignored events must not trigger lookups: %d -> %d", before, got)
	}
}

func TestTokenRefreshedRevalidates(t *testing.T) {
	provider := newFakeProvider()
	provider.session = liveSession("coach@rhwb.org")
	dir := &mockDirectory{records: coachRoster()}

	cfg := testConfig()
	// Zero fresh window forces the refresh transition past the cache.
	cfg.Cache.FreshWindow = time.Nanosecond
	cfg.Cache.RestoreWindow = time.Nanosecond

	c, _, _ := newTestCoordinator(t, provider, dir, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	before := dir.calls.Load()

	refreshed := liveSession("coach@rhwb.org")
	refreshed.AccessToken = "token-2"
	provider.events <- AuthChange{Event: EventTokenRefreshed, Session: refreshed}

	waitFor(t, "revalidation", func() bool {
		return dir.calls.Load() == before+1
	})
	waitFor(t, "authenticated state", func() bool {
		return c.State() == StateAuthenticated
	})
}

func TestLogoutClearsBothStoresDespiteProviderFailure(t *testing.T) {
	cases := []struct {
		name string
		prep func(p *fakeProvider)
	}{
		{"provider_success", func(p *fakeProvider) {}},
		{"provider_error", func(p *fakeProvider) { p.signOutErr = context.DeadlineExceeded }},
		{"provider_hang", func(p *fakeProvider) { p.signOutHang = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := newFakeProvider()
			provider.session = liveSession("coach@rhwb.org")
			tc.prep(provider)
			dir := &mockDirectory{records: coachRoster()}

			c, ephemeral, persistent := newTestCoordinator(t, provider, dir, testConfig())
			if err := c.Start(context.Background()); err != nil {
				t.Fatalf("start failed: %v", err)
			}
			if c.State() != StateAuthenticated {
				t.Fatalf("precondition failed: %v", c.State())
			}

			start := time.Now()
			if err := c.Logout(context.Background()); err != nil {
				t.Fatalf("logout failed: %v", err)
			}
			if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
				t.Fatalf("logout blocked on network for %v", elapsed)
			}

			if c.State() != StateUnauthenticated || c.CurrentUser() != nil || c.CurrentSession() != nil {
				t.Fatal("logout must clear local state synchronously")
			}
			for name, kv := range map[string]KVStore{"ephemeral": ephemeral, "persistent": persistent} {
				keys, _ := kv.Keys(context.Background(), "rhwb_auth:")
				if len(keys) != 0 {
					t.Fatalf("expected zero prefixed keys in %s store, got %v", name, keys)
				}
			}
			waitFor(t, "provider sign-out attempt", func() bool {
				return provider.signOutCalls.Load() == 1
			})
		})
	}
}

func TestLogoutDuringSlowValidationDoesNotResurrectUser(t *testing.T) {
	provider := newFakeProvider()
	dir := &mockDirectory{records: coachRoster(), delay: 150 * time.Millisecond}

	cfg := testConfig()
	cfg.Resolver.InteractiveTimeout = time.Second
	cfg.Resolver.RestoreTimeout = time.Second

	c, ephemeral, persistent := newTestCoordinator(t, provider, dir, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	provider.events <- AuthChange{Event: EventSignedIn, Session: liveSession("coach@rhwb.org")}
	waitFor(t, "validation in flight", func() bool {
		return c.State() == StateAuthenticating
	})

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("logout failed: %v", err)
	}

	// Let the slow lookup finish; its result must be discarded, not
	// committed over the logout.
	time.Sleep(300 * time.Millisecond)

	if got := c.State(); got != StateUnauthenticated {
		t.Fatalf("in-flight validation survived logout, got %v", got)
	}
	if c.CurrentUser() != nil || c.CurrentSession() != nil {
		t.Fatal("logout must leave no user or session behind")
	}
	for name, kv := range map[string]KVStore{"ephemeral": ephemeral, "persistent": persistent} {
		keys, _ := kv.Keys(context.Background(), "rhwb_auth:")
		if len(keys) != 0 {
			t.Fatalf("expected zero prefixed keys in %s store after logout, got %v", name, keys)
		}
	}
}

func TestLogoutClearsRedisBackedStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	provider := newFakeProvider()
	provider.session = liveSession("coach@rhwb.org")
	dir := &mockDirectory{records: coachRoster()}

	c, err := New().
		WithConfig(testConfig()).
		WithProvider(provider).
		WithDirectory(dir).
		WithRedis(rdb).
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	t.Cleanup(c.Close)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if c.State() != StateAuthenticated {
		t.Fatalf("precondition failed: %v", c.State())
	}
	if got := len(mr.Keys()); got == 0 {
		t.Fatal("expected session/validation keys before logout")
	}

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "rhwb_auth:") {
			t.Fatalf("prefixed key survived logout: %s", key)
		}
	}
}

func TestFallbackResultIsMarkedOnUser(t *testing.T) {
	provider := newFakeProvider()
	provider.session = liveSession("jane-coach@x.com")
	dir := &mockDirectory{hang: true}

	cfg := testConfig()
	cfg.Resolver.FallbackOnTimeout = true

	c, _, _ := newTestCoordinator(t, provider, dir, cfg)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if got := c.State(); got != StateAuthenticated {
		t.Fatalf("expected authenticated via fallback, got %v", got)
	}
	user := c.CurrentUser()
	if user == nil || !user.FromFallback || user.Role != RoleCoach {
		t.Fatalf("expected marked fallback coach, got %+v", user)
	}
	if c.MetricsSnapshot().Counters[MetricValidateFallback] != 1 {
		t.Fatal("expected fallback metric")
	}
}

func TestBuilderRequiresProviderAndStore(t *testing.T) {
	if _, err := New().WithPersistentStore(store.NewMemory()).Build(); err == nil {
		t.Fatal("expected error without provider")
	}
	if _, err := New().WithProvider(newFakeProvider()).Build(); err == nil {
		t.Fatal("expected error without persistent store")
	}

	b := New().WithProvider(newFakeProvider()).WithPersistentStore(store.NewMemory())
	if _, err := b.Build(); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("expected error on builder reuse")
	}
}
