package rotor

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// AuditSink receives every audited token operation after the built-in
// recent-history and durable-store handling. Implementations must not block:
// the dispatcher goroutine is shared.
type AuditSink interface {
	Emit(ctx context.Context, op TokenOperation)
}

// NoOpSink drops operations.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, TokenOperation) {}

// ChannelSink writes operations into a buffered channel.
type ChannelSink struct {
	ops chan TokenOperation
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		ops: make(chan TokenOperation, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, op TokenOperation) {
	select {
	case s.ops <- op:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Operations() <-chan TokenOperation {
	return s.ops
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, op TokenOperation) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(op)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// AuditTokenOperation records an externally observed operation on the audit
// pipeline: recent history, durable compliance store, and the configured
// sink. The write is queued asynchronously and never fails the caller; a
// missing timestamp is stamped with the current time.
func (r *Rotator) AuditTokenOperation(ctx context.Context, op TokenOperation) {
	if r == nil || r.audit == nil {
		return
	}

	if op.Timestamp.IsZero() {
		op.Timestamp = r.now()
	}
	if op.IP == "" {
		op.IP = clientIPFromContext(ctx)
	}
	if op.UserAgent == "" {
		op.UserAgent = userAgentFromContext(ctx)
	}

	r.audit.Emit(ctx, recordFromOperation(op))
}

// RecentOperations returns the bounded in-process history for a user, oldest
// first. Advisory only; the durable compliance store owns the full trail.
func (r *Rotator) RecentOperations(userID string) []TokenOperation {
	if r == nil || r.history == nil {
		return nil
	}

	records := r.history.Recent(userID)
	if len(records) == 0 {
		return nil
	}

	ops := make([]TokenOperation, len(records))
	for i, rec := range records {
		ops[i] = operationFromRecord(rec)
	}
	return ops
}
