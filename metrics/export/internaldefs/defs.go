package internaldefs

import (
	"github.com/rotorauth/rotor"
)

// CounterDef binds a core metric id to its stable exported name.
type CounterDef struct {
	ID   rotor.MetricID
	Name string
	Help string
}

// HistogramDef binds a core histogram id to its stable exported name.
type HistogramDef struct {
	ID   rotor.MetricID
	Name string
	Help string
}

// CounterDefs is the canonical counter list shared by all exporters.
var CounterDefs = []CounterDef{
	{ID: rotor.MetricRotationSuccess, Name: "rotor_rotation_success_total", Help: "Successful token rotations."},
	{ID: rotor.MetricRotationFailure, Name: "rotor_rotation_failure_total", Help: "Failed token rotations."},
	{ID: rotor.MetricRotationRateLimited, Name: "rotor_rotation_rate_limited_total", Help: "Rate-limited rotation attempts."},
	{ID: rotor.MetricReuseDetected, Name: "rotor_reuse_detected_total", Help: "Detected refresh token reuses."},
	{ID: rotor.MetricFamilyCreated, Name: "rotor_family_created_total", Help: "Created token families."},
	{ID: rotor.MetricFamilyInvalidated, Name: "rotor_family_invalidated_total", Help: "Invalidated token families."},
	{ID: rotor.MetricUserTokensRevoked, Name: "rotor_user_tokens_revoked_total", Help: "User-wide token revocations executed."},
	{ID: rotor.MetricDetectorFailOpen, Name: "rotor_detector_fail_open_total", Help: "Reuse detector backend failures handled fail-open."},
	{ID: rotor.MetricLimiterFailOpen, Name: "rotor_limiter_fail_open_total", Help: "Rate limiter backend failures handled fail-open."},
	{ID: rotor.MetricMaintenanceRun, Name: "rotor_maintenance_run_total", Help: "Completed maintenance runs."},
	{ID: rotor.MetricMaintenanceSkipped, Name: "rotor_maintenance_skipped_total", Help: "Maintenance runs skipped because one was in flight."},
}

// HistogramDefs is the canonical histogram list shared by all exporters.
var HistogramDefs = []HistogramDef{
	{ID: rotor.MetricRotationLatency, Name: "rotor_rotation_latency_seconds", Help: "Rotation latency histogram."},
}

// HistogramBounds are the textual le labels matching the core bucket bounds.
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

// HistogramBoundSuffix are instrument-name-safe renderings of HistogramBounds.
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

// NormalizeBuckets pads or truncates a raw snapshot slice to the fixed width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form the
// exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
