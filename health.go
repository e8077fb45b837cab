package rotor

import (
	"context"
	"log"
	"time"
)

// Health verdicts.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth is the probe result for one dependency.
type ComponentHealth struct {
	Status       string `json:"status"`
	BreakerState string `json:"breaker_state,omitempty"`
	Error        string `json:"error,omitempty"`
	LatencyMS    int64  `json:"latency_ms,omitempty"`
}

// HealthCounters are point-in-time occupancy figures, best-effort: a counting
// failure zeroes the figure rather than degrading the verdict.
type HealthCounters struct {
	TrackedFamilies         int    `json:"tracked_families"`
	TrackedRateLimitEntries int    `json:"tracked_rate_limit_entries"`
	AuditHistoryEntries     int    `json:"audit_history_entries"`
	AuditDropped            uint64 `json:"audit_dropped"`
}

// HealthReport aggregates dependency probes and breaker states into a single
// verdict. Redis is the only hard dependency: if it is unreachable the
// verdict is unhealthy; any other failing probe or open breaker degrades.
type HealthReport struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Counters   HealthCounters             `json:"counters"`
	Uptime     time.Duration              `json:"uptime"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Maintainer is implemented by collaborators that expose a periodic
// maintenance hook, invoked from [Rotator.PerformMaintenance].
type Maintainer interface {
	PerformMaintenance(ctx context.Context) error
}

// GetHealthStatus probes every dependency and reports the aggregate verdict.
func (r *Rotator) GetHealthStatus(ctx context.Context) *HealthReport {
	if r == nil || r.familyStore == nil {
		return &HealthReport{
			Status:     StatusUnhealthy,
			Components: make(map[string]ComponentHealth),
			CheckedAt:  time.Now(),
		}
	}

	report := &HealthReport{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth),
		CheckedAt:  r.now(),
		Uptime:     r.now().Sub(r.startedAt),
	}

	degrade := func() {
		if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}

	latency, err := r.familyStore.Ping(ctx)
	redisHealth := ComponentHealth{
		Status:       StatusHealthy,
		BreakerState: r.guard.State(depRedis),
		LatencyMS:    latency.Milliseconds(),
	}
	if err != nil {
		redisHealth.Status = StatusUnhealthy
		redisHealth.Error = err.Error()
		report.Status = StatusUnhealthy
	}
	report.Components[depRedis] = redisHealth

	probes := []struct {
		name string
		dep  any
	}{
		{depVerifier, r.verifier},
		{depSigner, r.signer},
		{depRevocation, r.revocations},
		{depIdentity, r.identity},
		{depAuditStore, r.auditStore},
	}
	for _, probe := range probes {
		if probe.dep == nil {
			continue
		}
		health := ComponentHealth{
			Status:       StatusHealthy,
			BreakerState: r.guard.State(probe.name),
		}
		if pinger, ok := probe.dep.(Pinger); ok {
			if pingErr := pinger.Ping(ctx); pingErr != nil {
				health.Status = StatusUnhealthy
				health.Error = pingErr.Error()
				degrade()
			}
		}
		if health.BreakerState == "open" {
			degrade()
		}
		report.Components[probe.name] = health
	}

	if count, countErr := r.familyStore.CountFamilies(ctx); countErr == nil {
		report.Counters.TrackedFamilies = count
	}
	if r.limiter != nil {
		if entries, entriesErr := r.limiter.TrackedEntries(ctx); entriesErr == nil {
			report.Counters.TrackedRateLimitEntries = entries
		}
	}
	if r.history != nil {
		report.Counters.AuditHistoryEntries = r.history.Entries()
	}
	report.Counters.AuditDropped = r.AuditDropped()

	return report
}

// PerformMaintenance trims bounded in-process caches and invokes the
// maintenance hooks of collaborators that expose one. Overlapping runs are
// skipped, not queued: the caller schedules it on a fixed interval and a slow
// run simply absorbs the next tick.
func (r *Rotator) PerformMaintenance(ctx context.Context) {
	if r == nil || r.familyStore == nil {
		return
	}
	if !r.maintenanceRunning.CompareAndSwap(false, true) {
		r.metricInc(MetricMaintenanceSkipped)
		return
	}
	defer r.maintenanceRunning.Store(false)

	if r.history != nil {
		trimmed := r.history.TrimExpired(r.config.Family.TTL, r.now())
		if trimmed > 0 {
			log.Printf("rotor: maintenance trimmed %d audit history entries", trimmed)
		}
	}

	for _, dep := range []any{r.verifier, r.signer, r.revocations, r.identity, r.auditStore} {
		maintainer, ok := dep.(Maintainer)
		if !ok {
			continue
		}
		if err := maintainer.PerformMaintenance(ctx); err != nil {
			log.Print("rotor: dependency maintenance hook failed")
		}
	}

	r.metricInc(MetricMaintenanceRun)
}
