// Package authflow provides the authentication and session-coordination
// engine for the RHWB coaching dashboard: OTP sign-in against an external
// identity provider, authoritative role resolution with a two-layer
// validation cache, and a serialized session state machine with audit and
// metrics hooks.
//
// The package is designed for event-driven clients: Coordinator methods
// are safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authflow is the public surface. It exposes [Coordinator], [Builder],
// [Config], and value types (Snapshot, AuthenticatedUser, OTPChallenge,
// etc.). All internal coordination — cache layering, role resolution,
// request coalescing, audit dispatch — lives under internal/ and is never
// exported. Concrete adapters for the identity provider and the roster
// directory ship in the provider/ and directory/ sub-packages.
//
// # What this package must NOT do
//
//   - Mint, refresh, or verify session tokens; the identity provider owns
//     the session exclusively and authflow holds a read reference.
//   - Grant access on any failure other than a lookup timeout, and then
//     only when the fallback is explicitly enabled and the result is
//     marked as inferred.
//   - Depend on either cache store for correctness: storage loss degrades
//     to cache misses, never to errors.
package authflow
