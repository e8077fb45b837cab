package rotor

import (
	"context"
	"log"
)

// DetectTokenReuse records a presentation of rawToken and classifies it.
// The first sighting creates a marker and reports not-reused; a repeat within
// the grace period is treated as a benign transport retry; anything later is
// reuse, graded by how many times the token has been replayed.
//
// This is classification only. The rotation path runs its own detection and
// executes the revocation response; callers using this operation directly
// decide their own response from the returned risk.
//
// Detector backend failures fail safe as not-reused so that an infrastructure
// incident does not lock out legitimate clients.
func (r *Rotator) DetectTokenReuse(ctx context.Context, rawToken string) (*ReuseDetectionResult, error) {
	if r == nil || r.detector == nil {
		return nil, ErrEngineNotReady
	}
	if rawToken == "" {
		return nil, ErrInvalidRefreshToken
	}

	var outcome struct {
		reused bool
		count  int64
	}
	err := r.guard.Do(depRedis, func() error {
		out, touchErr := r.detector.Touch(ctx, rawToken)
		if touchErr != nil {
			return touchErr
		}
		outcome.reused = out.Reused
		outcome.count = out.Count
		return nil
	})
	if err != nil {
		log.Print("rotor: reuse detector unavailable, failing open")
		r.metricInc(MetricDetectorFailOpen)
		return &ReuseDetectionResult{Reused: false, Risk: RiskNone}, nil
	}

	if !outcome.reused {
		return &ReuseDetectionResult{Reused: false, Risk: RiskNone}, nil
	}

	r.metricInc(MetricReuseDetected)
	return &ReuseDetectionResult{
		Reused:     true,
		ReuseCount: outcome.count,
		Risk:       r.classifyRisk(outcome.count),
	}, nil
}
