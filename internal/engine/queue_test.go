package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQueueConcurrencyBound(t *testing.T) {
	const maxConcurrent = 2
	q := NewAdmissionQueue(maxConcurrent, time.Second, zap.NewNop())
	defer q.Shutdown()

	var running, peak int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	work := func(ctx context.Context, slot *Slot) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
	}

	// Only maxConcurrent of these admissions can succeed at once; keep
	// retrying the rest as slots free up.
	accepted := int32(0)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			for {
				err := q.Enqueue(id, work)
				if err == nil {
					atomic.AddInt32(&accepted, 1)
					return
				}
				require.ErrorIs(t, err, ErrQueueFull)
				time.Sleep(5 * time.Millisecond)
			}
		}(i)
	}

	go func() {
		for i := 0; i < 6; i++ {
			time.Sleep(20 * time.Millisecond)
			release <- struct{}{}
		}
	}()
	wg.Wait()

	assert.Equal(t, int32(6), atomic.LoadInt32(&accepted))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(maxConcurrent))
}

func TestQueueFullAndAlreadyQueued(t *testing.T) {
	q := NewAdmissionQueue(2, time.Second, zap.NewNop())
	defer q.Shutdown()

	release := make(chan struct{})
	blocker := func(ctx context.Context, slot *Slot) { <-release }

	require.NoError(t, q.Enqueue("gen-1", blocker))
	require.NoError(t, q.Enqueue("gen-2", blocker))

	err := q.Enqueue("gen-3", blocker)
	assert.ErrorIs(t, err, ErrQueueFull)

	err = q.Enqueue("gen-1", blocker)
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	stats := q.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 2, stats.Capacity)
	assert.Equal(t, 2*time.Second, stats.EstimatedWait)

	close(release)
	assert.Eventually(t, func() bool { return q.Stats().Active == 0 },
		time.Second, 10*time.Millisecond)
}

// A panicking unit of work must still release its slot.
func TestQueueReleasesSlotOnPanic(t *testing.T) {
	q := NewAdmissionQueue(1, time.Second, zap.NewNop())
	defer q.Shutdown()

	require.NoError(t, q.Enqueue("gen-1", func(ctx context.Context, slot *Slot) {
		panic("boom")
	}))

	assert.Eventually(t, func() bool { return q.Stats().Active == 0 },
		time.Second, 10*time.Millisecond)

	// The freed slot is usable again.
	require.NoError(t, q.Enqueue("gen-2", func(ctx context.Context, slot *Slot) {}))
}

func TestQueueDequeueCancelsWork(t *testing.T) {
	q := NewAdmissionQueue(1, time.Second, zap.NewNop())
	defer q.Shutdown()

	cancelled := make(chan struct{})
	require.NoError(t, q.Enqueue("gen-1", func(ctx context.Context, slot *Slot) {
		<-ctx.Done()
		close(cancelled)
	}))

	assert.True(t, q.Dequeue("gen-1"))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("unit of work never observed cancellation")
	}
	assert.Eventually(t, func() bool { return q.Stats().Active == 0 },
		time.Second, 10*time.Millisecond)

	assert.False(t, q.Dequeue("gen-unknown"))
}

func TestSlotAttemptCounter(t *testing.T) {
	slot := &Slot{GenerationID: "gen-1"}
	assert.Equal(t, 0, slot.Attempt())
	assert.Equal(t, 1, slot.BeginAttempt())
	assert.Equal(t, 2, slot.BeginAttempt())
	assert.Equal(t, 2, slot.Attempt())
}
