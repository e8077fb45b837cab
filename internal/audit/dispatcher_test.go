package audit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, Record) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{gate: make(chan struct{})}
}

func (s *gateSink) Emit(context.Context, Record) {
	<-s.gate
}

func TestDispatcherDeliversAll(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 64, DropIfFull: true}, sink)

	for i := 0; i < 50; i++ {
		d.Emit(context.Background(), Record{Type: "rotation"})
	}
	d.Close()

	if got := sink.Count(); got != 50 {
		t.Fatalf("expected 50 delivered records, got %d", got)
	}
	if dropped := d.Dropped(); dropped != 0 {
		t.Fatalf("expected no drops, got %d", dropped)
	}
}

func TestDispatcherDisabledReturnsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &countingSink{})
	if d != nil {
		t.Fatal("disabled dispatcher must be nil")
	}
	// nil receiver methods are safe no-ops.
	d.Emit(context.Background(), Record{})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reports zero drops")
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := newGateSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// One record is consumed by the blocked worker, one fills the buffer;
	// everything beyond that must drop rather than block the caller.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Record{Type: "rotation"})
	}

	deadline := time.After(2 * time.Second)
	for d.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected drops under backpressure")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(sink.gate)
	d.Close()
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 128, DropIfFull: false}, sink)

	for i := 0; i < 100; i++ {
		d.Emit(context.Background(), Record{Type: "rotation"})
	}
	d.Close()

	if got := sink.Count(); got != 100 {
		t.Fatalf("expected close to drain all 100 records, got %d", got)
	}
}

func TestDispatcherEmitAfterClose(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8, DropIfFull: true}, sink)
	d.Close()

	d.Emit(context.Background(), Record{Type: "rotation"})

	if got := sink.Count(); got != 0 {
		t.Fatalf("expected no delivery after close, got %d", got)
	}
}
