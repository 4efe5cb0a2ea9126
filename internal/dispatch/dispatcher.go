// Package dispatch implements the client-side single-consumer change
// dispatcher.
//
// Producers (subscription callbacks, the periodic resync timer) enqueue work
// without blocking; one goroutine hands items to the handler strictly in
// FIFO order. A failing or panicking handler affects only its own item.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind distinguishes work items.
type Kind int

const (
	// KindModelChange carries a structural or value change to apply.
	KindModelChange Kind = iota + 1
	// KindPeriodicResync requests a full re-browse.
	KindPeriodicResync
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindModelChange:
		return "model_change"
	case KindPeriodicResync:
		return "periodic_resync"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Item is one unit of dispatcher work.
type Item struct {
	Kind       Kind
	Payload    any
	Seq        int64
	EnqueuedAt time.Time
}

// Handler processes one item. Errors are logged and do not stop the loop.
type Handler func(ctx context.Context, item Item) error

// Dispatcher is the single-writer work loop.
//
// Thread-safety model:
//   - Enqueue*(): safe from any goroutine, never blocks
//   - Start(), Stop(), Close(): safe from any goroutine, idempotent
//   - the handler runs on exactly one goroutine
type Dispatcher struct {
	handler Handler
	queue   *itemQueue
	clock   *Clock
	logger  *slog.Logger
	name    string

	mu      sync.Mutex
	started bool
	done    chan struct{}

	stopping atomic.Bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithName labels the dispatcher in logs and metrics. Default: "default".
func WithName(name string) Option {
	return func(d *Dispatcher) { d.name = name }
}

// New creates a stopped dispatcher.
func New(handler Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler: handler,
		queue:   newItemQueue(),
		clock:   NewClock(),
		logger:  slog.Default(),
		name:    "default",
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the consumer goroutine. Items enqueued before Start are
// processed once it runs. Calling Start twice, or after Stop, is a no-op.
//
// Cancelling ctx ends the loop as Stop would.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopping.Load() {
		return
	}
	d.started = true
	go d.run(ctx)
}

// EnqueueModelChange queues a change payload. Returns false once stopping.
func (d *Dispatcher) EnqueueModelChange(payload any) bool {
	return d.enqueue(KindModelChange, payload)
}

// EnqueuePeriodicResync queues a resync request. Returns false once stopping.
func (d *Dispatcher) EnqueuePeriodicResync() bool {
	return d.enqueue(KindPeriodicResync, nil)
}

func (d *Dispatcher) enqueue(kind Kind, payload any) bool {
	if d.stopping.Load() {
		return false
	}
	it := Item{
		Kind:       kind,
		Payload:    payload,
		Seq:        d.clock.Next(),
		EnqueuedAt: time.Now(),
	}
	if !d.queue.Enqueue(it) {
		return false
	}
	itemsEnqueued.WithLabelValues(d.name, kind.String()).Inc()
	return true
}

// Len returns the number of queued (not in-flight) items.
func (d *Dispatcher) Len() int {
	return d.queue.Len()
}

// run is the consumer loop.
// CRITICAL: the only goroutine that calls the handler.
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	d.logger.Debug("dispatcher starting", "dispatcher", d.name)

	for {
		if d.stopping.Load() {
			d.logger.Debug("dispatcher stopping", "dispatcher", d.name)
			return
		}

		if it, ok := d.queue.TryDequeue(); ok {
			d.process(ctx, it)
			continue
		}

		select {
		case <-ctx.Done():
			d.stopping.Store(true)
			if n := d.queue.Close(); n > 0 {
				d.logger.Debug("dispatcher discarded items", "dispatcher", d.name, "count", n)
			}
			d.logger.Debug("dispatcher stopping: context cancelled", "dispatcher", d.name)
			return
		case <-d.queue.Wait():
			// Signals coalesce, so a wake-up may find the queue empty; only a
			// closed queue ends the loop.
			if d.queue.Closed() && d.queue.Len() == 0 {
				return
			}
		}
	}
}

// process runs the handler for one item with panic isolation.
func (d *Dispatcher) process(ctx context.Context, it Item) {
	start := time.Now()
	err := d.safeHandle(ctx, it)
	handlerDuration.WithLabelValues(d.name, it.Kind.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		itemsFailed.WithLabelValues(d.name, it.Kind.String()).Inc()
		d.logger.Error("dispatcher item failed",
			"dispatcher", d.name,
			"kind", it.Kind.String(),
			"seq", it.Seq,
			"error", err,
		)
		return
	}
	d.logger.Debug("dispatcher item processed",
		"dispatcher", d.name,
		"kind", it.Kind.String(),
		"seq", it.Seq,
	)
}

func (d *Dispatcher) safeHandle(ctx context.Context, it Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler(ctx, it)
}

// Stop stops accepting items, lets an in-flight handler finish, discards
// the rest of the queue and waits for the loop to exit or ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	// Closing the queue first is what stops dequeuing; the flag only
	// rejects producers early.
	if n := d.queue.Close(); n > 0 {
		d.logger.Debug("dispatcher discarded items", "dispatcher", d.name, "count", n)
	}
	d.stopping.Store(true)

	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop dispatcher %s: %w", d.name, ctx.Err())
	}
}

// Close stops the dispatcher and waits for the in-flight item. Idempotent.
func (d *Dispatcher) Close() error {
	return d.Stop(context.Background())
}
