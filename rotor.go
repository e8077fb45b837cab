package rotor

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rotorauth/rotor/internal/audit"
	"github.com/rotorauth/rotor/internal/family"
	"github.com/rotorauth/rotor/internal/guard"
	"github.com/rotorauth/rotor/internal/rate"
	"github.com/rotorauth/rotor/internal/reuse"
)

// Names of the guarded external dependencies, used as breaker keys and in
// health reports.
const (
	depVerifier   = "verifier"
	depSigner     = "signer"
	depRevocation = "revocation"
	depIdentity   = "identity"
	depRedis      = "redis"
	depAuditStore = "audit_store"
)

// Rotator is the rotation orchestrator. Construct it through [Builder.Build];
// afterwards it is immutable and safe for concurrent use.
type Rotator struct {
	config      Config
	redis       redis.UniversalClient
	familyStore *family.Store
	detector    *reuse.Detector
	limiter     *rate.Limiter
	guard       *guard.Guard
	audit       *audit.Dispatcher
	history     *audit.History
	metrics     *Metrics

	verifier    TokenVerifier
	signer      TokenSigner
	revocations RevocationStore
	identity    IdentityResolver
	auditStore  AuditStore
	auditSink   AuditSink

	startedAt          time.Time
	maintenanceRunning atomic.Bool
	now                func() time.Time
}

// Close drains the audit dispatcher. The Rotator must not be used afterwards.
func (r *Rotator) Close() {
	if r == nil {
		return
	}
	if r.audit != nil {
		r.audit.Close()
	}
}

// AuditDropped reports how many audit records the dispatcher dropped because
// its buffer was full.
func (r *Rotator) AuditDropped() uint64 {
	if r == nil || r.audit == nil {
		return 0
	}
	return r.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the in-process counters.
func (r *Rotator) MetricsSnapshot() MetricsSnapshot {
	if r == nil || r.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return r.metrics.Snapshot()
}

func (r *Rotator) metricInc(id MetricID) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Inc(id)
}

// dispatcherSink receives records from the async dispatcher and fans them out
// to the recent-history buffer, the durable compliance store, and the
// embedder's sink. The durable write is best-effort: its failure is logged
// and swallowed, never propagated.
type dispatcherSink struct {
	rotator *Rotator
}

func (s dispatcherSink) Emit(ctx context.Context, rec audit.Record) {
	r := s.rotator

	if r.history != nil {
		r.history.Emit(ctx, rec)
	}

	if r.auditStore != nil {
		op := operationFromRecord(rec)
		err := r.guard.Do(depAuditStore, func() error {
			return r.auditStore.AppendOperation(ctx, op)
		})
		if err != nil {
			log.Print("rotor: durable audit write failed")
		}
	}

	if r.auditSink != nil {
		r.auditSink.Emit(ctx, operationFromRecord(rec))
	}
}

func recordFromOperation(op TokenOperation) audit.Record {
	return audit.Record{
		Type:      string(op.Type),
		TokenID:   op.TokenID,
		FamilyID:  op.FamilyID,
		UserID:    op.UserID,
		SessionID: op.SessionID,
		IP:        op.IP,
		UserAgent: op.UserAgent,
		Timestamp: op.Timestamp,
		Success:   op.Success,
		ErrorCode: op.ErrorCode,
		Metadata:  op.Metadata,
	}
}

func operationFromRecord(rec audit.Record) TokenOperation {
	return TokenOperation{
		Type:      OperationType(rec.Type),
		TokenID:   rec.TokenID,
		FamilyID:  rec.FamilyID,
		UserID:    rec.UserID,
		SessionID: rec.SessionID,
		IP:        rec.IP,
		UserAgent: rec.UserAgent,
		Timestamp: rec.Timestamp,
		Success:   rec.Success,
		ErrorCode: rec.ErrorCode,
		Metadata:  rec.Metadata,
	}
}

// emitAudit queues an operation on the async pipeline, stamping request
// context and timestamp. metaFn is evaluated only when auditing is enabled.
func (r *Rotator) emitAudit(
	ctx context.Context,
	opType OperationType,
	success bool,
	userID, familyID, tokenID string,
	err error,
	metaFn func() map[string]string,
) {
	if r.audit == nil {
		return
	}

	var metadata map[string]string
	if metaFn != nil {
		metadata = metaFn()
	}

	r.audit.Emit(ctx, audit.Record{
		Type:      string(opType),
		TokenID:   tokenID,
		FamilyID:  familyID,
		UserID:    userID,
		SessionID: sessionIDFromContext(ctx),
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Timestamp: r.now(),
		Success:   success,
		ErrorCode: ErrorCode(err),
		Metadata:  metadata,
	})
}
