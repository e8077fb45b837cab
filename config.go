package rotor

import (
	"errors"
	"time"
)

// Config defines the tunables of a [Rotator]. Construct it once, validate it
// through [Builder.Build], and treat it as immutable afterwards. Zero values
// are filled from documented defaults by [DefaultConfig]; an explicitly
// constructed Config is validated as-is.
type Config struct {
	Family      FamilyConfig
	Reuse       ReuseConfig
	RateLimit   RateLimitConfig
	Security    SecurityConfig
	Audit       AuditConfig
	Breaker     BreakerConfig
	Metrics     MetricsConfig
	Maintenance MaintenanceConfig
}

// FamilyConfig controls token-family persistence.
type FamilyConfig struct {
	// RedisPrefix namespaces family and token-index keys.
	RedisPrefix string
	// TTL bounds how long an idle family (and its token-index entries and
	// reuse markers) survives in Redis.
	TTL time.Duration
}

// ReuseConfig controls the reuse detector.
type ReuseConfig struct {
	// GracePeriod is the window after a token's first use during which a
	// repeat presentation is treated as a benign transport retry, not theft.
	GracePeriod time.Duration
	// HighRiskReuseCount: reuse counts strictly above it grade RiskHigh.
	HighRiskReuseCount int64
	// CriticalReuseCount: reuse counts at or above it grade RiskCritical.
	CriticalReuseCount int64
}

// RateLimitConfig controls per-user rotation budgets. Backend failures fail
// open (allow) so an infrastructure incident does not lock out legitimate
// users; this is deliberately the opposite direction of the reuse detector's
// in-window tolerance and must not be unified with it.
type RateLimitConfig struct {
	Enabled             bool
	MaxRotationsPerHour int
	MaxRotationsPerDay  int
}

// SecurityConfig controls the blast radius of the reuse response.
type SecurityConfig struct {
	// ScopeRevocationByRisk, when true, revokes only the affected family for
	// RiskMedium reuse and escalates to user-wide revocation for RiskHigh and
	// above. When false every confirmed reuse revokes user-wide, matching the
	// broadest threat model.
	ScopeRevocationByRisk bool
}

// AuditConfig controls the async audit pipeline.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// HistorySize bounds the in-process recent-history buffer per user.
	HistorySize int
}

// BreakerConfig controls the per-dependency circuit breakers.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker once reached.
	ConsecutiveFailures uint32
	// ResetTimeout is how long an open breaker short-circuits before probing.
	ResetTimeout time.Duration
	// HalfOpenProbes is how many trial calls a half-open breaker admits.
	HalfOpenProbes uint32
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// MaintenanceConfig controls the periodic maintenance job. The job itself is
// driven by the embedding application; Interval is advisory.
type MaintenanceConfig struct {
	Interval time.Duration
}

// DefaultConfig returns the documented defaults. They favor safety for reuse
// handling and availability for rate limiting.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Family: FamilyConfig{
			RedisPrefix: "rtf",
			TTL:         30 * 24 * time.Hour,
		},
		Reuse: ReuseConfig{
			GracePeriod:        30 * time.Second,
			HighRiskReuseCount: 2,
			CriticalReuseCount: 5,
		},
		RateLimit: RateLimitConfig{
			Enabled:             true,
			MaxRotationsPerHour: 30,
			MaxRotationsPerDay:  200,
		},
		Security: SecurityConfig{
			ScopeRevocationByRisk: false,
		},
		Audit: AuditConfig{
			Enabled:     true,
			BufferSize:  1024,
			DropIfFull:  true,
			HistorySize: 100,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			ResetTimeout:        30 * time.Second,
			HalfOpenProbes:      1,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Maintenance: MaintenanceConfig{
			Interval: 5 * time.Minute,
		},
	}
}

func cloneConfig(cfg Config) Config {
	// All fields are value types; a shallow copy is a full copy.
	return cfg
}

// Validate checks the configuration for internally inconsistent or unsafe
// values. Called by [Builder.Build]; exported for callers that assemble a
// Config from their own loading layer.
func (c *Config) Validate() error {
	if c.Family.RedisPrefix == "" {
		return errors.New("family redis prefix must not be empty")
	}
	if c.Family.TTL <= 0 {
		return errors.New("family ttl must be positive")
	}
	if c.Reuse.GracePeriod < 0 {
		return errors.New("reuse grace period must not be negative")
	}
	if c.Reuse.GracePeriod >= c.Family.TTL {
		return errors.New("reuse grace period must be shorter than family ttl")
	}
	if c.Reuse.HighRiskReuseCount < 1 {
		return errors.New("high risk reuse count must be at least 1")
	}
	if c.Reuse.CriticalReuseCount <= c.Reuse.HighRiskReuseCount {
		return errors.New("critical reuse count must exceed high risk reuse count")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRotationsPerHour <= 0 {
			return errors.New("max rotations per hour must be positive")
		}
		if c.RateLimit.MaxRotationsPerDay < c.RateLimit.MaxRotationsPerHour {
			return errors.New("max rotations per day must be at least the hourly budget")
		}
	}
	if c.Audit.Enabled {
		if c.Audit.BufferSize <= 0 {
			return errors.New("audit buffer size must be positive")
		}
		if c.Audit.HistorySize <= 0 {
			return errors.New("audit history size must be positive")
		}
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		return errors.New("breaker consecutive failure threshold must be positive")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return errors.New("breaker reset timeout must be positive")
	}
	if c.Maintenance.Interval < 0 {
		return errors.New("maintenance interval must not be negative")
	}
	return nil
}
