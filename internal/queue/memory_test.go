package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{JobID: "job-1", AccountID: "acc-1", MessageID: fmt.Sprintf("m%d", i)}
	}
	return tasks
}

func TestMemoryQueue_ProcessesAllTasks(t *testing.T) {
	q := NewMemoryQueue(4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	wg.Add(100)

	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func(ctx context.Context, task Task) error {
			mu.Lock()
			seen[task.MessageID]++
			mu.Unlock()
			wg.Done()
			return nil
		})
	}()

	require.NoError(t, q.Enqueue(context.Background(), makeTasks(60)...))
	require.NoError(t, q.Enqueue(context.Background(), makeTasks(100)[60:]...))

	wg.Wait()
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, seen, 100)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s handled more than once", id)
	}
}

func TestMemoryQueue_BoundsConcurrency(t *testing.T) {
	const limit = 3
	q := NewMemoryQueue(limit, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var running, peak int32
	var wg sync.WaitGroup
	wg.Add(20)

	go func() {
		_ = q.Run(ctx, func(ctx context.Context, task Task) error {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}()

	require.NoError(t, q.Enqueue(context.Background(), makeTasks(20)...))
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(limit))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestMemoryQueue_HandlerErrorDoesNotStopWorkers(t *testing.T) {
	q := NewMemoryQueue(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled int32
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		_ = q.Run(ctx, func(ctx context.Context, task Task) error {
			defer wg.Done()
			atomic.AddInt32(&handled, 1)
			return errors.New("ledger unavailable")
		})
	}()

	require.NoError(t, q.Enqueue(context.Background(), makeTasks(3)...))
	wg.Wait()
	assert.Equal(t, int32(3), atomic.LoadInt32(&handled))
}

func TestMemoryQueue_StopsOnCancel(t *testing.T) {
	q := NewMemoryQueue(2, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func(ctx context.Context, task Task) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMemoryQueue_InFlightTaskSeesLiveContext(t *testing.T) {
	q := NewMemoryQueue(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var ctxErr atomic.Value
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func(taskCtx context.Context, task Task) error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			ctxErr.Store(fmt.Sprint(taskCtx.Err()))
			return nil
		})
	}()

	require.NoError(t, q.Enqueue(context.Background(), makeTasks(1)...))
	<-started
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "<nil>", ctxErr.Load())
}

func TestMemoryQueue_EnqueueWithCancelledContext(t *testing.T) {
	q := NewMemoryQueue(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, q.Enqueue(ctx, makeTasks(1)...))
	assert.NoError(t, q.Enqueue(context.Background()))
	assert.Equal(t, 0, q.Len())
}
