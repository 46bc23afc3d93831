package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rhwb/authflow/internal/cache"
)

// RequestCode asks the identity provider to email a one-time code and
// starts the advisory countdown. Requesting again for the same address
// resets the countdown and supersedes the previous challenge.
func (c *Coordinator) RequestCode(ctx context.Context, email string) (*OTPChallenge, error) {
	if c == nil {
		return nil, ErrCoordinatorNotReady
	}
	if c.loggingOut.Load() {
		return nil, ErrLogoutInProgress
	}

	email = cache.NormalizeEmail(email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}

	if err := c.provider.SignInWithOTP(ctx, email); err != nil {
		c.metricInc(MetricOTPFailure)
		c.emitAudit(ctx, auditEventOTPRequest, auditOutcomeFailure, email, "", err, "", nil)
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	now := time.Now()
	challenge := &OTPChallenge{
		ID:        uuid.NewString(),
		Email:     email,
		SentAt:    now,
		ExpiresAt: now.Add(c.config.OTP.AdvisoryTTL),
	}

	c.mu.Lock()
	if c.challenge != nil && c.challenge.Email == email {
		challenge.Resends = c.challenge.Resends + 1
	}
	c.challenge = challenge
	c.mu.Unlock()

	c.metricInc(MetricOTPRequested)
	c.emitAudit(ctx, auditEventOTPRequest, auditOutcomeSuccess, email, "", nil, "", func() map[string]string {
		return map[string]string{
			"challenge_id": challenge.ID,
		}
	})

	out := *challenge
	return &out, nil
}

// Challenge returns a copy of the outstanding OTP challenge, or nil.
func (c *Coordinator) Challenge() *OTPChallenge {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.challenge == nil {
		return nil
	}
	out := *c.challenge
	return &out
}

// VerifyCode exchanges a user-submitted code for a session. When
// publicDevice is set, the ephemeral store becomes the active session
// store before any session data is written, so nothing about the session
// outlives the process on a shared machine.
func (c *Coordinator) VerifyCode(ctx context.Context, email, code string, publicDevice bool) (*Session, error) {
	if c == nil {
		return nil, ErrCoordinatorNotReady
	}
	if c.loggingOut.Load() {
		return nil, ErrLogoutInProgress
	}

	email = cache.NormalizeEmail(email)
	if !validEmail(email) {
		return nil, ErrInvalidEmail
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrCodeInvalid
	}

	// The storage policy switch must land before the provider call, not
	// after it: providers may emit SIGNED_IN from inside VerifyOTP, and
	// the event-driven transition persists through whichever store is
	// active at that moment.
	c.mu.Lock()
	previous := c.active
	if publicDevice {
		c.active = c.ephemeral
	} else {
		c.active = c.persistent
	}
	c.mu.Unlock()

	session, err := c.provider.VerifyOTP(ctx, email, code)
	if err != nil {
		c.mu.Lock()
		c.active = previous
		c.mu.Unlock()
		c.metricInc(MetricOTPFailure)
		c.emitAudit(ctx, auditEventOTPVerify, auditOutcomeFailure, email, "", err, "", nil)
		return nil, fmt.Errorf("%w: %v", ErrCodeInvalid, err)
	}
	if session == nil {
		c.mu.Lock()
		c.active = previous
		c.mu.Unlock()
		return nil, errors.New("provider returned no session")
	}
	if session.Email == "" {
		session.Email = email
	}

	c.mu.Lock()
	c.challenge = nil
	c.mu.Unlock()

	c.metricInc(MetricOTPVerified)
	c.emitAudit(ctx, auditEventOTPVerify, auditOutcomeSuccess, email, session.ID, nil, "", func() map[string]string {
		return map[string]string{
			"public_device": boolLabel(publicDevice),
		}
	})

	// Drive the signed-in transition directly; if the provider also emits
	// SIGNED_IN, the re-entrancy token drops the duplicate trigger.
	c.validateTransition(session, 1, false, auditEventSignedIn)

	return session, nil
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1
}
