package internaldefs

import (
	"github.com/rhwb/authflow"
)

// CounterDef defines a public type used by authflow APIs.
//
// CounterDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CounterDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// HistogramDef defines a public type used by authflow APIs.
//
// HistogramDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type HistogramDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// CounterDefs is an exported constant or variable used by the session coordinator.
var CounterDefs = []CounterDef{
	{ID: authflow.MetricValidateSuccess, Name: "authflow_validate_success_total", Help: "Successful role validations."},
	{ID: authflow.MetricValidateFailure, Name: "authflow_validate_failure_total", Help: "Failed role validations."},
	{ID: authflow.MetricValidateCacheHit, Name: "authflow_validate_cache_hit_total", Help: "Validations answered from the validation cache."},
	{ID: authflow.MetricValidateFallback, Name: "authflow_validate_fallback_total", Help: "Roles granted by pattern inference after a lookup timeout."},
	{ID: authflow.MetricLookupTimeout, Name: "authflow_lookup_timeout_total", Help: "Role lookups that exceeded their deadline."},
	{ID: authflow.MetricSessionRestored, Name: "authflow_session_restored_total", Help: "Sessions restored at startup."},
	{ID: authflow.MetricStartupProbeTimeout, Name: "authflow_startup_probe_timeout_total", Help: "Startup session probes that timed out."},
	{ID: authflow.MetricIdentityUnconfirmed, Name: "authflow_identity_unconfirmed_total", Help: "Transitions left in the unconfirmed state."},
	{ID: authflow.MetricOTPRequested, Name: "authflow_otp_requested_total", Help: "One-time code requests."},
	{ID: authflow.MetricOTPVerified, Name: "authflow_otp_verified_total", Help: "Successful one-time code verifications."},
	{ID: authflow.MetricOTPFailure, Name: "authflow_otp_failure_total", Help: "Failed one-time code operations."},
	{ID: authflow.MetricForcedSignOut, Name: "authflow_forced_sign_out_total", Help: "Provider sign-outs forced by failed validation."},
	{ID: authflow.MetricLogout, Name: "authflow_logout_total", Help: "User-initiated logout operations."},
	{ID: authflow.MetricEventDropped, Name: "authflow_event_dropped_total", Help: "Triggers dropped by the re-entrancy or logout guards."},
}

// HistogramDefs is an exported constant or variable used by the session coordinator.
var HistogramDefs = []HistogramDef{
	{ID: authflow.MetricValidateLatency, Name: "authflow_validate_latency_seconds", Help: "Validate latency histogram."},
}

// HistogramBounds is an exported constant or variable used by the session coordinator.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is an exported constant or variable used by the session coordinator.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets describes the normalizebuckets operation and its observable behavior.
//
// NormalizeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets describes the cumulativebuckets operation and its observable behavior.
//
// CumulativeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
