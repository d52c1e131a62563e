package endpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitLatchBlocksAtLimit(t *testing.T) {
	l := newLimitLatch(2)
	ctx := context.Background()
	require.NoError(t, l.countUpOrAwait(ctx))
	require.NoError(t, l.countUpOrAwait(ctx))

	admitted := make(chan struct{})
	go func() {
		_ = l.countUpOrAwait(ctx)
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("third caller admitted above the limit")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Eventually(t, func() bool { return l.waiters() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), l.countDown())
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after countDown")
	}
	assert.Equal(t, int64(2), l.getCount())
}

func TestLimitLatchNeverNegative(t *testing.T) {
	l := newLimitLatch(-1)
	assert.Equal(t, int64(0), l.countDown())

	var wg sync.WaitGroup
	var negative atomic.Bool
	for i := 0; i < 50; i++ {
		require.NoError(t, l.countUpOrAwait(context.Background()))
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.countDown() < 0 {
				negative.Store(true)
			}
		}()
	}
	wg.Wait()
	assert.False(t, negative.Load())
	assert.Equal(t, int64(0), l.getCount())
}

func TestLimitLatchCountNeverExceedsLimit(t *testing.T) {
	l := newLimitLatch(3)
	var inside, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.countUpOrAwait(context.Background()))
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			l.countDown()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(0), l.getCount())
}

func TestLimitLatchReleaseAll(t *testing.T) {
	l := newLimitLatch(1)
	require.NoError(t, l.countUpOrAwait(context.Background()))

	done := make(chan error, 1)
	go func() { done <- l.countUpOrAwait(context.Background()) }()
	assert.Eventually(t, func() bool { return l.waiters() == 1 }, time.Second, 5*time.Millisecond)

	l.releaseAll()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("releaseAll did not free the waiter")
	}

	l.reset()
	l.countDown()
	l.countDown()
	require.NoError(t, l.countUpOrAwait(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.countUpOrAwait(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(1), l.getCount())
}

func TestLimitLatchSetLimit(t *testing.T) {
	l := newLimitLatch(1)
	require.NoError(t, l.countUpOrAwait(context.Background()))

	done := make(chan error, 1)
	go func() { done <- l.countUpOrAwait(context.Background()) }()
	assert.Eventually(t, func() bool { return l.waiters() == 1 }, time.Second, 5*time.Millisecond)

	l.setLimit(2)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("growing the limit did not wake the waiter")
	}

	// shrinking keeps admitted slots
	l.setLimit(1)
	assert.Equal(t, int64(2), l.getCount())
	assert.Equal(t, int64(1), l.getLimit())
	assert.Equal(t, int64(1), l.countDown())
	assert.Equal(t, int64(0), l.countDown())
}

func TestLimitLatchWithinLimit(t *testing.T) {
	l := newLimitLatch(1)
	require.NoError(t, l.countUpOrAwait(context.Background()))
	assert.True(t, l.withinLimit())

	l.releaseAll()
	require.NoError(t, l.countUpOrAwait(context.Background()))
	assert.True(t, l.withinLimit(), "everything fits while released")

	l.reset()
	assert.False(t, l.withinLimit())
	l.countDown()
	assert.True(t, l.withinLimit())

	l.setLimit(-1)
	require.NoError(t, l.countUpOrAwait(context.Background()))
	assert.True(t, l.withinLimit())
}
