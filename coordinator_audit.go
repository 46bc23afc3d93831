package authflow

import (
	"context"
	"time"
)

const (
	auditEventValidate        = "role_validate"
	auditEventSessionRestore  = "session_restore"
	auditEventSignedIn        = "signed_in"
	auditEventTokenRefreshed  = "token_refreshed"
	auditEventRetry           = "retry"
	auditEventOTPRequest      = "otp_request"
	auditEventOTPVerify       = "otp_verify"
	auditEventLogout          = "logout"
	auditEventForcedSignOut   = "forced_sign_out"
	auditEventProviderSignOut = "provider_sign_out"
)

const (
	auditOutcomeSuccess  = "success"
	auditOutcomeFailure  = "failure"
	auditOutcomeFallback = "fallback"
)

func (c *Coordinator) emitAudit(
	ctx context.Context,
	event string,
	outcome string,
	email string,
	sessionID string,
	err error,
	label string,
	metadataBuilder func() map[string]string,
) {
	if c == nil || c.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	record := AuditEvent{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Email:     email,
		SessionID: sessionID,
		Outcome:   outcome,
		Label:     label,
		Metadata:  metadata,
	}
	if err != nil {
		record.Error = err.Error()
	}

	c.audit.Emit(ctx, record)
}
