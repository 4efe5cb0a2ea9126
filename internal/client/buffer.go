package client

import (
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/subject"
)

// pendingWrite is one outgoing value write.
type pendingWrite struct {
	ref   subject.PropertyReference
	node  *ua.NodeID
	value any
}

// flushFunc writes a batch and returns the writes to retain for the next
// flush (all of them when the session is down).
type flushFunc func(batch []pendingWrite) (retry []pendingWrite)

// writeBuffer coalesces outgoing writes per property for one window and
// writes them as a batch. Writes that could not be sent are kept until the
// next flush unless a newer value for the same property arrived meanwhile.
type writeBuffer struct {
	window time.Duration
	flush  flushFunc

	mu       sync.Mutex
	pending  map[subject.PropertyReference]*pendingWrite
	order    []subject.PropertyReference
	timer    *time.Timer
	flushing sync.Mutex
	stopped  bool
}

func newWriteBuffer(window time.Duration, flush flushFunc) *writeBuffer {
	return &writeBuffer{
		window:  window,
		flush:   flush,
		pending: make(map[subject.PropertyReference]*pendingWrite),
	}
}

// Add queues a write, replacing any pending value of the same property.
func (b *writeBuffer) Add(w pendingWrite) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if cur, ok := b.pending[w.ref]; ok {
		cur.value = w.value
		cur.node = w.node
	} else {
		b.pending[w.ref] = &w
		b.order = append(b.order, w.ref)
	}
	b.scheduleLocked()
}

func (b *writeBuffer) scheduleLocked() {
	if b.stopped || b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.window, b.Flush)
}

// Flush writes everything pending now.
func (b *writeBuffer) Flush() {
	b.flushing.Lock()
	defer b.flushing.Unlock()

	b.mu.Lock()
	b.timer = nil
	batch := make([]pendingWrite, 0, len(b.order))
	for _, ref := range b.order {
		batch = append(batch, *b.pending[ref])
	}
	clear(b.pending)
	b.order = b.order[:0]
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	retry := b.flush(batch)

	b.mu.Lock()
	defer b.mu.Unlock()
	var kept []subject.PropertyReference
	for _, w := range retry {
		if _, newer := b.pending[w.ref]; newer {
			continue
		}
		b.pending[w.ref] = &w
		kept = append(kept, w.ref)
	}
	b.order = append(kept, b.order...)
}

// Len returns the number of pending writes.
func (b *writeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Stop cancels the flush timer and drops pending writes.
func (b *writeBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	clear(b.pending)
	b.order = nil
}
