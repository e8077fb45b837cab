package rotor

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rotorauth/rotor/internal/audit"
	"github.com/rotorauth/rotor/internal/family"
	"github.com/rotorauth/rotor/internal/guard"
	"github.com/rotorauth/rotor/internal/rate"
	"github.com/rotorauth/rotor/internal/reuse"
)

// Builder assembles a [Rotator] from its collaborators. Construction is
// allocation-only until Build; no I/O happens before the first method call on
// the built Rotator.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	verifier    TokenVerifier
	signer      TokenSigner
	revocations RevocationStore
	identity    IdentityResolver
	auditStore  AuditStore
	auditSink   AuditSink

	built bool
}

// New returns a Builder preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the keyed TTL store backing families, reuse markers, and
// rate counters. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithVerifier sets the external refresh-token verifier. Required.
func (b *Builder) WithVerifier(v TokenVerifier) *Builder {
	b.verifier = v
	return b
}

// WithSigner sets the external token signer. Required.
func (b *Builder) WithSigner(s TokenSigner) *Builder {
	b.signer = s
	return b
}

// WithRevocationStore sets the external revocation/blacklist store. Required.
func (b *Builder) WithRevocationStore(rs RevocationStore) *Builder {
	b.revocations = rs
	return b
}

// WithIdentityResolver sets the subject resolver. Required.
func (b *Builder) WithIdentityResolver(ir IdentityResolver) *Builder {
	b.identity = ir
	return b
}

// WithAuditStore sets the durable compliance store. Optional; without it the
// audit trail is in-process history plus the configured sink only.
func (b *Builder) WithAuditStore(store AuditStore) *Builder {
	b.auditStore = store
	return b
}

// WithAuditSink sets an additional sink for audited operations. Optional.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the rotation latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wiring and returns the Rotator. A
// Builder is single-use.
func (b *Builder) Build() (*Rotator, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.verifier == nil {
		return nil, errors.New("token verifier required")
	}
	if b.signer == nil {
		return nil, errors.New("token signer required")
	}
	if b.revocations == nil {
		return nil, errors.New("revocation store required")
	}
	if b.identity == nil {
		return nil, errors.New("identity resolver required")
	}

	r := &Rotator{
		config:      cfg,
		redis:       b.redis,
		verifier:    b.verifier,
		signer:      b.signer,
		revocations: b.revocations,
		identity:    b.identity,
		auditStore:  b.auditStore,
		auditSink:   b.auditSink,
		startedAt:   time.Now(),
		now:         time.Now,
	}

	r.familyStore = family.NewStore(b.redis, cfg.Family.RedisPrefix, cfg.Family.TTL)
	r.detector = reuse.NewDetector(b.redis, cfg.Family.RedisPrefix, cfg.Reuse.GracePeriod, cfg.Family.TTL)
	if cfg.RateLimit.Enabled {
		r.limiter = rate.New(b.redis, cfg.Family.RedisPrefix, rate.Config{
			MaxRotationsPerHour: cfg.RateLimit.MaxRotationsPerHour,
			MaxRotationsPerDay:  cfg.RateLimit.MaxRotationsPerDay,
		})
	}

	r.guard = guard.New(
		[]string{depVerifier, depSigner, depRevocation, depIdentity, depRedis, depAuditStore},
		guard.Settings{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			ResetTimeout:        cfg.Breaker.ResetTimeout,
			HalfOpenProbes:      cfg.Breaker.HalfOpenProbes,
		},
	)

	r.metrics = NewMetrics(cfg.Metrics)

	if cfg.Audit.Enabled {
		r.history = audit.NewHistory(cfg.Audit.HistorySize)
		r.audit = audit.NewDispatcher(audit.Config{
			Enabled:    true,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, dispatcherSink{rotator: r})
	}

	b.built = true
	return r, nil
}
