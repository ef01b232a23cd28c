package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MemoryQueue is an unbounded in-process queue drained by a fixed number of workers.
// Tasks still queued at shutdown are dropped; their jobs are reaped as stalled.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []Task
	notify  chan struct{}

	concurrency int
	logger      zerolog.Logger
}

func NewMemoryQueue(concurrency int, logger zerolog.Logger) *MemoryQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &MemoryQueue{
		notify:      make(chan struct{}, 1),
		concurrency: concurrency,
		logger:      logger,
	}
}

// Enqueue never blocks on worker availability.
func (q *MemoryQueue) Enqueue(ctx context.Context, tasks ...Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	q.pending = append(q.pending, tasks...)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Len returns the number of queued tasks not yet picked up.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) Run(ctx context.Context, handler Handler) error {
	var g errgroup.Group
	for i := 0; i < q.concurrency; i++ {
		g.Go(func() error {
			for {
				task, ok := q.next(ctx)
				if !ok {
					return nil
				}
				// In-flight tasks finish even when shutdown begins
				if err := handler(context.WithoutCancel(ctx), task); err != nil {
					q.logger.Error().Err(err).
						Str("job_id", task.JobID).
						Str("message_id", task.MessageID).
						Msg("task not settled")
				}
			}
		})
	}
	err := g.Wait()

	if dropped := q.Len(); dropped > 0 {
		q.logger.Warn().Int("dropped", dropped).Msg("queue stopped with pending tasks")
	}
	return err
}

func (q *MemoryQueue) next(ctx context.Context) (Task, bool) {
	for {
		if ctx.Err() != nil {
			return Task{}, false
		}

		q.mu.Lock()
		if len(q.pending) > 0 {
			task := q.pending[0]
			q.pending[0] = Task{}
			q.pending = q.pending[1:]
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return task, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, false
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
