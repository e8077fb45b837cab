package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher decouples audit delivery from the request path: records are
// queued here and forwarded to the sink from a single worker goroutine. With
// DropIfFull set, a full queue sheds the record and bumps the drop counter
// instead of stalling the caller.
type Dispatcher struct {
	sink       Sink
	dropIfFull bool

	queue chan Record
	stop  chan struct{}

	worker  sync.WaitGroup
	stopped sync.Once
	closing atomic.Bool
	dropped atomic.Uint64
}

// NewDispatcher starts the delivery worker. A disabled config yields a nil
// dispatcher, which every method treats as a no-op.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}

	d := &Dispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		queue:      make(chan Record, size),
		stop:       make(chan struct{}),
	}

	d.worker.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.worker.Done()

	for {
		select {
		case <-d.stop:
			d.flush()
			return
		case rec := <-d.queue:
			d.sink.Emit(context.Background(), rec)
		}
	}
}

// flush delivers whatever is still queued at shutdown.
func (d *Dispatcher) flush() {
	for {
		select {
		case rec := <-d.queue:
			d.sink.Emit(context.Background(), rec)
		default:
			return
		}
	}
}

// Emit queues a record for delivery. After Close it is a no-op. Without
// DropIfFull, a full queue blocks until space frees up, the context expires,
// or the dispatcher shuts down.
func (d *Dispatcher) Emit(ctx context.Context, rec Record) {
	if d == nil || d.closing.Load() {
		return
	}

	if d.dropIfFull {
		select {
		case d.queue <- rec:
		case <-d.stop:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- rec:
	case <-ctx.Done():
	case <-d.stop:
	}
}

// Close stops accepting records, drains the queue, and waits for the worker.
// Safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopped.Do(func() {
		d.closing.Store(true)
		close(d.stop)
		d.worker.Wait()
	})
}

// Dropped reports how many records were shed on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
