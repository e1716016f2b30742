package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsJobs(t *testing.T) {
	var ran atomic.Int32
	var mu sync.Mutex
	var results []error

	pool := NewPool(context.Background(), "test", 3, 10, time.Second, WithDoneHook(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, err)
	}))

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	require.NoError(t, pool.Submit(func(context.Context) error { return boom }))

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(5), ran.Load())
	assert.Len(t, results, 6)
	assert.Contains(t, results, boom)
	assert.Equal(t, 0, pool.Depth())
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	pool := NewPool(context.Background(), "test", 1, 1, time.Second)

	require.NoError(t, pool.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	require.NoError(t, pool.Submit(func(context.Context) error { return nil }))
	assert.Equal(t, 1, pool.Depth())
	assert.ErrorIs(t, pool.Submit(func(context.Context) error { return nil }), ErrQueueFull)
	assert.Equal(t, 1, pool.Depth())

	close(release)
	require.NoError(t, pool.Shutdown(time.Second))
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewPool(context.Background(), "test", 1, 1, time.Second)
	require.NoError(t, pool.Shutdown(time.Second))
	assert.ErrorIs(t, pool.Submit(func(context.Context) error { return nil }), ErrPoolClosed)
	assert.NoError(t, pool.Shutdown(time.Second))
}

func TestPool_PanicBecomesError(t *testing.T) {
	var got atomic.Value
	pool := NewPool(context.Background(), "test", 1, 1, time.Second, WithDoneHook(func(err error) {
		got.Store(err)
	}))
	require.NoError(t, pool.Submit(func(context.Context) error { panic("kaboom") }))
	require.NoError(t, pool.Shutdown(time.Second))

	err, _ := got.Load().(error)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestPool_JobTimeout(t *testing.T) {
	var got atomic.Value
	pool := NewPool(context.Background(), "test", 1, 1, 20*time.Millisecond, WithDoneHook(func(err error) {
		got.Store(err)
	}))
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, pool.Shutdown(time.Second))

	err, _ := got.Load().(error)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_ShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	pool := NewPool(context.Background(), "test", 1, 1, time.Minute)
	require.NoError(t, pool.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	err := pool.Shutdown(20 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestPool_DepthHook(t *testing.T) {
	var mu sync.Mutex
	var depths []int
	release := make(chan struct{})
	started := make(chan struct{})
	pool := NewPool(context.Background(), "test", 1, 4, time.Second, WithDepthHook(func(n int) {
		mu.Lock()
		defer mu.Unlock()
		depths = append(depths, n)
	}))

	require.NoError(t, pool.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, pool.Submit(func(context.Context) error { return nil }))
	close(release)
	require.NoError(t, pool.Shutdown(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, depths[len(depths)-1])
	assert.Contains(t, depths, 1)
}
