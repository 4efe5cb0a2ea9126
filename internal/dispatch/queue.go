package dispatch

import "sync"

// itemQueue is a thread-safe unbounded FIFO of work items.
//
// Producers never block: model-change bursts from a subscription callback
// must not stall the OPC UA stack. The single consumer waits on a signal
// channel so the wait can be combined with context cancellation.
type itemQueue struct {
	mu     sync.Mutex
	items  []Item
	closed bool
	signal chan struct{} // buffered, size 1
}

func newItemQueue() *itemQueue {
	return &itemQueue{
		items:  make([]Item, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends an item. Returns false if the queue is closed.
func (q *itemQueue) Enqueue(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, it)

	// Non-blocking: the size-1 buffer coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front item without blocking. A closed queue
// yields nothing, so no item leaves the queue once Close has begun.
func (q *itemQueue) TryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items[0] = Item{} // release the payload for GC
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return it, true
}

// Wait returns a channel that signals when items may be available. The
// channel is closed when the queue closes.
func (q *itemQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *itemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *itemQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close rejects further enqueues and wakes the consumer. Queued items are
// dropped. Idempotent.
func (q *itemQueue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}
	q.closed = true
	dropped := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	close(q.signal)
	return dropped
}
