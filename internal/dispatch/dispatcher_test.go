package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemQueue_FIFO(t *testing.T) {
	q := newItemQueue()
	for i := 0; i < 3; i++ {
		require.True(t, q.Enqueue(Item{Kind: KindModelChange, Payload: i}))
	}

	for i := 0; i < 3; i++ {
		it, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, it.Payload)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestItemQueue_CloseDropsAndRejects(t *testing.T) {
	q := newItemQueue()
	q.Enqueue(Item{Kind: KindPeriodicResync})
	q.Enqueue(Item{Kind: KindPeriodicResync})

	assert.Equal(t, 2, q.Close())
	assert.Equal(t, 0, q.Close(), "second close is a no-op")
	assert.False(t, q.Enqueue(Item{Kind: KindPeriodicResync}))
	assert.Equal(t, 0, q.Len())

	select {
	case <-q.Wait():
	default:
		t.Fatal("closed queue should wake waiters")
	}
}

func TestItemQueue_ClosedQueueYieldsNothing(t *testing.T) {
	q := newItemQueue()
	q.Close()

	// An item that raced in under the lock before the flag was read.
	q.mu.Lock()
	q.items = append(q.items, Item{Kind: KindModelChange})
	q.mu.Unlock()

	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestClock_Monotonic(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Current())
}

func TestDispatcher_FIFOWithFaultIsolation(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	d := New(func(_ context.Context, it Item) error {
		time.Sleep(2 * time.Millisecond)
		n := it.Payload.(int)
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		if n == 9 {
			close(done)
		}
		switch n {
		case 3:
			return errors.New("handler failed")
		case 6:
			panic("handler panicked")
		}
		return nil
	})

	for i := 0; i < 10; i++ {
		require.True(t, d.EnqueueModelChange(i))
	}
	d.Start(context.Background())
	defer d.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dispatcher")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestDispatcher_ItemsCarrySequence(t *testing.T) {
	seqs := make(chan Item, 2)
	d := New(func(_ context.Context, it Item) error {
		seqs <- it
		return nil
	})
	d.Start(context.Background())
	defer d.Close()

	d.EnqueueModelChange("a")
	d.EnqueuePeriodicResync()

	first := <-seqs
	second := <-seqs
	assert.Equal(t, KindModelChange, first.Kind)
	assert.Equal(t, KindPeriodicResync, second.Kind)
	assert.Less(t, first.Seq, second.Seq)
}

func TestDispatcher_StopCompletesInFlightAndDiscardsRest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var processed []int
	d := New(func(_ context.Context, it Item) error {
		n := it.Payload.(int)
		if n == 0 {
			close(started)
			<-release
		}
		mu.Lock()
		processed = append(processed, n)
		mu.Unlock()
		return nil
	})
	d.Start(context.Background())

	d.EnqueueModelChange(0)
	<-started
	d.EnqueueModelChange(1)
	d.EnqueueModelChange(2)

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(context.Background()) }()

	// Stop must wait for the in-flight handler.
	select {
	case <-stopped:
		t.Fatal("stop returned before in-flight item completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0}, processed)
	assert.False(t, d.EnqueueModelChange(3))
}

func TestDispatcher_NothingProcessedAfterStop(t *testing.T) {
	for round := 0; round < 20; round++ {
		var mu sync.Mutex
		processed := 0
		d := New(func(context.Context, Item) error {
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		})
		d.Start(context.Background())

		produced := make(chan struct{})
		go func() {
			defer close(produced)
			for d.EnqueueModelChange(round) {
			}
		}()
		time.Sleep(time.Millisecond)

		require.NoError(t, d.Stop(context.Background()))
		<-produced

		mu.Lock()
		after := processed
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		assert.Equal(t, after, processed, "round %d", round)
		mu.Unlock()
		assert.Equal(t, 0, d.Len())
	}
}

func TestDispatcher_StopTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	d := New(func(context.Context, Item) error {
		close(started)
		<-release
		return nil
	})
	d.Start(context.Background())
	d.EnqueuePeriodicResync()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := d.Stop(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDispatcher_StopBeforeStart(t *testing.T) {
	calls := 0
	d := New(func(context.Context, Item) error {
		calls++
		return nil
	})
	d.EnqueueModelChange("x")

	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Close())

	d.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, d.Len())
}

func TestDispatcher_ContextCancelEndsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(func(context.Context, Item) error { return nil })
	d.Start(ctx)

	cancel()
	assert.Eventually(t, func() bool {
		return !d.EnqueueModelChange("late")
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Close())
}
