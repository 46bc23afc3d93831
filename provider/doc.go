// Package provider implements the coordinator's IdentityProvider contract
// over a GoTrue-compatible HTTP API: email OTP issue and verify, session
// read with transparent refresh, and global sign-out. Session lifecycle
// changes are surfaced on an in-process event channel the coordinator
// subscribes to.
package provider
