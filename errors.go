package authflow

import "errors"

var (
	// ErrProviderNotConfigured is an exported constant or variable used by the session coordinator.
	ErrProviderNotConfigured = errors.New("identity provider not configured")
	// ErrDirectoryNotConfigured is an exported constant or variable used by the session coordinator.
	ErrDirectoryNotConfigured = errors.New("role directory not configured")
	// ErrConnection is an exported constant or variable used by the session coordinator.
	ErrConnection = errors.New("identity backend connection failed")
	// ErrLookupTimeout is an exported constant or variable used by the session coordinator.
	ErrLookupTimeout = errors.New("role lookup timed out")
	// ErrUnauthorized is an exported constant or variable used by the session coordinator.
	ErrUnauthorized = errors.New("email not authorized")
	// ErrEmailNotFound is an exported constant or variable used by the session coordinator.
	ErrEmailNotFound = errors.New("email not in roster")
	// ErrNoSession is an exported constant or variable used by the session coordinator.
	ErrNoSession = errors.New("no active session")
	// ErrSessionExpired is an exported constant or variable used by the session coordinator.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidEmail is an exported constant or variable used by the session coordinator.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrCodeInvalid is an exported constant or variable used by the session coordinator.
	ErrCodeInvalid = errors.New("verification code invalid or expired")
	// ErrCoordinatorClosed is an exported constant or variable used by the session coordinator.
	ErrCoordinatorClosed = errors.New("coordinator closed")
	// ErrCoordinatorNotReady is an exported constant or variable used by the session coordinator.
	ErrCoordinatorNotReady = errors.New("coordinator not initialized")
	// ErrValidationInFlight is an exported constant or variable used by the session coordinator.
	ErrValidationInFlight = errors.New("validation already in flight")
	// ErrLogoutInProgress is an exported constant or variable used by the session coordinator.
	ErrLogoutInProgress = errors.New("logout in progress")
)
