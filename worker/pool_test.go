package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var counter atomic.Int64
	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(ctx, func() {
			defer wg.Done()
			counter.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int64(100), counter.Load())
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewPool(2)
	p.Close()

	err := p.Submit(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestCloseIdempotent(t *testing.T) {
	p := NewPool(2)
	p.Close()
	p.Close()
}

func TestCloseDrainsQueuedWork(t *testing.T) {
	p := NewPool(1)

	var counter atomic.Int64
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(ctx, func() {
			counter.Add(1)
		}))
	}
	p.Close()

	assert.Equal(t, int64(10), counter.Load())
}

func TestForEachAggregatesPerItemErrors(t *testing.T) {
	bad := errors.New("item failed")

	itemErrs, err := ForEach(context.Background(), 10, 3, 4, func(i int) error {
		if i%3 == 0 {
			return bad
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, itemErrs, 10)

	for i, e := range itemErrs {
		if i%3 == 0 {
			assert.ErrorIs(t, e, bad, "item %d", i)
		} else {
			assert.NoError(t, e, "item %d", i)
		}
	}
}

func TestForEachEmpty(t *testing.T) {
	itemErrs, err := ForEach(context.Background(), 0, 0, 0, func(int) error { return nil })
	require.NoError(t, err)
	assert.Nil(t, itemErrs)
}

func TestForEachVisitsEveryItemOnce(t *testing.T) {
	const n = 1000
	var visits [n]atomic.Int32

	_, err := ForEach(context.Background(), n, 7, 8, func(i int) error {
		visits[i].Add(1)
		return nil
	})
	require.NoError(t, err)

	for i := range visits {
		assert.Equal(t, int32(1), visits[i].Load(), "item %d", i)
	}
}

func TestForEachCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ForEach(ctx, 100, 10, 2, func(int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
