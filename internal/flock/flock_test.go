package flock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Acquire(ctx, "src/main.go", 0))
	worker, _, ok := r.Holder("src/main.go")
	require.True(t, ok)
	assert.Equal(t, 0, worker)

	r.Release("src/main.go")
	_, _, ok = r.Holder("src/main.go")
	assert.False(t, ok)
}

func TestReentrantSameWorker(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Acquire(ctx, "a.txt", 1))
	require.NoError(t, r.Acquire(ctx, "a.txt", 1)) // must not deadlock

	r.Release("a.txt")
	_, _, ok := r.Holder("a.txt")
	assert.True(t, ok, "still held after releasing one of two holds")

	r.Release("a.txt")
	_, _, ok = r.Holder("a.txt")
	assert.False(t, ok)
}

func TestBlocksOtherWorkerFIFO(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	require.NoError(t, r.Acquire(ctx, "f.go", 0))

	order := make(chan int, 2)
	started := make(chan struct{}, 2)
	go func() {
		started <- struct{}{}
		require.NoError(t, r.Acquire(ctx, "f.go", 1))
		order <- 1
	}()
	<-started
	time.Sleep(10 * time.Millisecond) // worker 1 enqueues first
	go func() {
		started <- struct{}{}
		require.NoError(t, r.Acquire(ctx, "f.go", 2))
		order <- 2
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	select {
	case <-order:
		t.Fatal("waiter admitted while lock held")
	default:
	}

	r.Release("f.go")
	assert.Equal(t, 1, <-order)
	r.Release("f.go")
	assert.Equal(t, 2, <-order)
	r.Release("f.go")
}

func TestCaseInsensitiveNormalization(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	require.NoError(t, r.Acquire(ctx, "Src/Main.GO", 0))

	blocked, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := r.Acquire(blocked, "src/main.go", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Acquire(context.Background(), "x", 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Acquire(ctx, "x", 1) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The cancelled waiter must not receive the handoff.
	r.Release("x")
	require.NoError(t, r.Acquire(context.Background(), "x", 2))
}
