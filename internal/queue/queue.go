// Package queue dispatches per-message sync tasks to workers.
package queue

import (
	"context"
)

// Task is one message of one sync job.
type Task struct {
	JobID     string `json:"jobId"`
	AccountID string `json:"accountId"`
	MessageID string `json:"messageId"`
}

// Handler processes a task. It owns retries and failure reporting; a returned
// error means the task could not be settled and may be delivered again.
type Handler func(ctx context.Context, task Task) error

// Dispatcher accepts tasks and runs them on a bounded set of workers.
type Dispatcher interface {
	Enqueue(ctx context.Context, tasks ...Task) error
	// Run blocks until ctx is cancelled and in-flight tasks have returned.
	Run(ctx context.Context, handler Handler) error
}
