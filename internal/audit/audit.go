package audit

import (
	"context"
	"time"
)

// Record is the canonical audit model used by internal dispatching. The root
// package converts it to and from its public TokenOperation type.
type Record struct {
	Type      string            `json:"operation_type"`
	TokenID   string            `json:"token_id,omitempty"`
	FamilyID  string            `json:"family_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Success   bool              `json:"success"`
	ErrorCode string            `json:"error_code,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives dispatched audit records.
type Sink interface {
	Emit(ctx context.Context, rec Record)
}

// NoOpSink drops audit records.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Record) {}

// FanOutSink forwards each record to every child sink in order.
type FanOutSink struct {
	sinks []Sink
}

func NewFanOutSink(sinks ...Sink) *FanOutSink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &FanOutSink{sinks: kept}
}

func (s *FanOutSink) Emit(ctx context.Context, rec Record) {
	if s == nil {
		return
	}
	for _, child := range s.sinks {
		child.Emit(ctx, rec)
	}
}
