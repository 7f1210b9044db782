package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// Dispatcher forwards events to a sink from a single background worker.
// Emit never blocks: when the buffer is full, or the dispatcher is closed, the
// event is dropped and counted. Every emitted event is either written to the
// sink or counted in Dropped.
type Dispatcher struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration
	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	failed  atomic.Uint64

	// mu orders sends against Close so nothing is queued after the worker
	// has drained the channel.
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(cfg Config, sink Sink, logger *zap.Logger) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}

	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		timeout: cfg.WriteTimeout,
		ch:      make(chan Event, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.write(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.write(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			d.failed.Add(1)
			d.logger.Error("audit_sink_panic", zap.String("action", event.Action), zap.Any("panic", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.Write(ctx, event); err != nil {
		d.failed.Add(1)
		d.logger.Error("audit_write_failed",
			zap.Error(err),
			zap.String("action", event.Action),
			zap.String("actor_id", event.ActorID),
			zap.Bool("success", event.Success),
		)
	}
}

// Emit fills in the id and timestamp when missing and queues the event.
func (d *Dispatcher) Emit(_ context.Context, event Event) {
	if d == nil {
		return
	}
	if event.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			event.ID = id.String()
		} else {
			event.ID = fmt.Sprintf("evt-%d", time.Now().UnixNano())
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.ch <- event:
	default:
		d.dropped.Add(1)
	}
}

// Close stops accepting events and drains what is already queued.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
