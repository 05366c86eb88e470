package dispatch

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process FIFO. Jobs are lost with the process.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   []Job
	failed []Job
	closed bool
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	err := job.Validate()
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.jobs = append(q.jobs, job)

	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	if len(q.jobs) == 0 {
		return nil, ErrEmpty
	}

	job := q.jobs[0]
	q.jobs = q.jobs[1:]

	return &Delivery{Job: job, settle: func(failed bool) error {
		if failed {
			q.mu.Lock()
			q.failed = append(q.failed, job)
			q.mu.Unlock()
		}

		return nil
	}}, nil
}

func (q *MemoryQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.jobs), nil
}

// Failed returns the jobs whose delivery failed.
func (q *MemoryQueue) Failed() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]Job(nil), q.failed...)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	return nil
}
