package workqueue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemosyne/internal/workqueue"
)

func TestQueue_RunsEnqueuedJobs(t *testing.T) {
	q := workqueue.New(10, 2)
	q.Start()
	defer q.Close()

	var wg sync.WaitGroup
	var ran int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := q.Enqueue(func(ctx context.Context) {
			defer wg.Done()
			atomic.AddInt32(&ran, 1)
		})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.Equal(t, int32(5), atomic.LoadInt32(&ran))
}

func TestQueue_EnqueueRejectsWhenFull(t *testing.T) {
	q := workqueue.New(1, 0) // workers default to 1, but we never Start()
	block := make(chan struct{})

	// Fill the one buffered slot; with no worker draining it, the next
	// Enqueue must be rejected rather than block the caller.
	require.NoError(t, q.Enqueue(func(ctx context.Context) { <-block }))

	err := q.Enqueue(func(ctx context.Context) {})
	assert.Error(t, err)

	close(block)
}

func TestQueue_CloseWaitsForInFlightJobToFinish(t *testing.T) {
	q := workqueue.New(4, 1)
	q.Start()

	var cancelledBeforeReturn int32
	started := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, q.Enqueue(func(ctx context.Context) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			atomic.StoreInt32(&cancelledBeforeReturn, 1)
		default:
		}
		close(finished)
	}))

	<-started
	q.Close()

	select {
	case <-finished:
	default:
		t.Fatal("Close returned before the in-flight job finished")
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&cancelledBeforeReturn),
		"Close must let an in-flight job finish on its own before cancelling its context")
}

func TestQueue_CloseForceCancelsAfterTimeout(t *testing.T) {
	q := workqueue.New(4, 1)
	q.SetCloseTimeout(20 * time.Millisecond)
	q.Start()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, q.Enqueue(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))

	<-started
	q.Close()

	select {
	case <-cancelled:
	default:
		t.Fatal("expected the job context to be cancelled once the close timeout elapsed")
	}
}

func TestQueue_EnqueueAfterCloseErrors(t *testing.T) {
	q := workqueue.New(4, 1)
	q.Start()
	q.Close()

	err := q.Enqueue(func(ctx context.Context) {})
	assert.Error(t, err)
}

func TestQueue_CountReflectsDepth(t *testing.T) {
	q := workqueue.New(4, 0)
	assert.Equal(t, 0, q.Count())

	require.NoError(t, q.Enqueue(func(ctx context.Context) {}))
	require.NoError(t, q.Enqueue(func(ctx context.Context) {}))
	assert.Equal(t, 2, q.Count())
}
