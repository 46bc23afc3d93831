package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rhwb/authflow"
)

const defaultHTTPTimeout = 10 * time.Second

// Config carries the connection settings for a GoTrue-compatible
// identity endpoint.
type Config struct {
	// BaseURL is the server root, without the /auth/v1 suffix.
	BaseURL string
	// APIKey is sent as the apikey header on every request.
	APIKey string
	// HTTPTimeout bounds each request independently of the caller's
	// context. Defaults to 10s.
	HTTPTimeout time.Duration
	// EventBuffer sizes the lifecycle event channel. Defaults to 16.
	EventBuffer int
}

// Client talks to the identity endpoint and tracks the one session this
// process holds. It satisfies the coordinator's IdentityProvider contract.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger

	mu      sync.Mutex
	session *authflow.Session

	events chan authflow.AuthChange
}

// New creates a Client. logger may be nil.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provider: base URL required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("provider: api key required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  logger,
		events:  make(chan authflow.AuthChange, cfg.EventBuffer),
	}, nil
}

// Events returns the session lifecycle stream. The channel is buffered;
// events are dropped, not queued, when no consumer keeps up.
func (c *Client) Events() <-chan authflow.AuthChange {
	return c.events
}

// GetSession returns the current session, refreshing it first when the
// access token has expired and a refresh token is available. A nil
// session with a nil error means "not signed in".
func (c *Client) GetSession(ctx context.Context) (*authflow.Session, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return nil, nil
	}
	if session.Live(time.Now()) {
		out := *session
		return &out, nil
	}
	if session.RefreshToken == "" {
		return nil, nil
	}

	refreshed, err := c.refresh(ctx, session.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("provider: refresh session: %w", err)
	}
	c.setSession(refreshed)
	c.emit(authflow.EventTokenRefreshed, refreshed)
	out := *refreshed
	return &out, nil
}

// SignInWithOTP asks the server to email a one-time code.
func (c *Client) SignInWithOTP(ctx context.Context, email string) error {
	body := map[string]any{
		"email":       email,
		"create_user": false,
	}
	resp, err := c.post(ctx, "/auth/v1/otp", body, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(resp)
	}
	return nil
}

// VerifyOTP exchanges a code for a session and emits SIGNED_IN.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (*authflow.Session, error) {
	body := map[string]any{
		"type":  "email",
		"email": email,
		"token": code,
	}
	resp, err := c.post(ctx, "/auth/v1/verify", body, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp)
	}

	session, err := decodeSession(resp.Body)
	if err != nil {
		return nil, err
	}
	if session.Email == "" {
		session.Email = email
	}

	c.setSession(session)
	c.emit(authflow.EventSignedIn, session)
	out := *session
	return &out, nil
}

// SignOut invalidates the session server-side, clears the local
// reference, and emits SIGNED_OUT. The local clear happens even when the
// server call fails.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	c.emit(authflow.EventSignedOut, nil)

	if session == nil || session.AccessToken == "" {
		return nil
	}
	resp, err := c.post(ctx, "/auth/v1/logout", nil, session.AccessToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpError(resp)
	}
	return nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (*authflow.Session, error) {
	body := map[string]any{
		"refresh_token": refreshToken,
	}
	resp, err := c.post(ctx, "/auth/v1/token?grant_type=refresh_token", body, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp)
	}
	return decodeSession(resp.Body)
}

func (c *Client) post(ctx context.Context, path string, body any, bearer string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("provider: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: send request: %w", err)
	}
	return resp, nil
}

func (c *Client) setSession(session *authflow.Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

func (c *Client) emit(event authflow.AuthEventKind, session *authflow.Session) {
	change := authflow.AuthChange{Event: event}
	if session != nil {
		copied := *session
		change.Session = &copied
	}
	select {
	case c.events <- change:
	default:
		c.logger.Warn("auth event dropped, channel full", zap.String("event", string(event)))
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func decodeSession(r io.Reader) (*authflow.Session, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("provider: read response: %w", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("provider: unmarshal response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("provider: response carries no access token")
	}

	return &authflow.Session{
		ID:           uuid.NewString(),
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
		ExpiresAt:    tokenExpiry(tr.AccessToken, tr.ExpiresIn),
	}, nil
}

// tokenExpiry prefers the server's expires_in and falls back to the
// access token's own exp claim. The claim is read without signature
// verification: the client only schedules refreshes with it, the server
// remains the authority.
func tokenExpiry(accessToken string, expiresIn int64) time.Time {
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func httpError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var apiErr struct {
		Message   string `json:"msg"`
		ErrorDesc string `json:"error_description"`
	}
	if err := json.Unmarshal(data, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("provider: %s (status %d)", apiErr.Message, resp.StatusCode)
		}
		if apiErr.ErrorDesc != "" {
			return fmt.Errorf("provider: %s (status %d)", apiErr.ErrorDesc, resp.StatusCode)
		}
	}
	return fmt.Errorf("provider: http error %d", resp.StatusCode)
}
