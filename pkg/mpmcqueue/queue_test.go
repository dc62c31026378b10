package mpmcqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memhive/memhive/pkg/errors"
)

func TestPushPopIdentity(t *testing.T) {
	q := New[int](4)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, 7))
	v, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestTryPushFullQueue(t *testing.T) {
	q := New[int](1)
	ok, err := q.TryPush(1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.TryPush(2)
	require.NoError(t, err)
	assert.False(t, ok, "queue at capacity must refuse without blocking")
}

func TestTryPopEmptyQueue(t *testing.T) {
	q := New[int](1)
	_, ok, err := q.TryPop()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPushBlocksUntilRoom(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, 1))

	pushed := make(chan struct{})
	go func() {
		_ = q.Push(ctx, 2)
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("Push should have blocked on a full queue")
	case <-time.After(30 * time.Millisecond):
	}

	v, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("Push did not unblock after room freed")
	}
}

func TestCloseWakesBlockedPush(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, 1))

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Push(ctx, 2)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errors.ErrClosedQueue)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake blocked Push")
	}
}

func TestCloseDrainsBufferedItemsBeforeErroring(t *testing.T) {
	q := New[int](4)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, 1))
	require.NoError(t, q.Push(ctx, 2))
	q.Close()

	v, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, errors.ErrClosedQueue)
}

func TestCloseIsIdempotent(t *testing.T) {
	q := New[int](1)
	assert.NotPanics(t, func() {
		q.Close()
		q.Close()
	})
	assert.True(t, q.Closed())
}

func TestPushRespectsContextCancellation(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, 1))

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Push(cctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManyProducersManyConsumersExactlyOnceDelivery(t *testing.T) {
	const producers = 4
	const consumers = 4
	const perProducer = 250
	const total = producers * perProducer

	q := New[int](16)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(ctx, base*perProducer+i)
			}
		}(p)
	}

	var received atomic.Int64
	seen := make([]atomic.Bool, total)
	var cwg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				v, err := q.Pop(ctx)
				if err != nil {
					return
				}
				if seen[v].Swap(true) {
					t.Errorf("value %d delivered more than once", v)
				}
				if received.Add(1) == int64(total) {
					q.Close()
					return
				}
			}
		}()
	}

	wg.Wait()
	cwg.Wait()
	assert.Equal(t, int64(total), received.Load())
}
