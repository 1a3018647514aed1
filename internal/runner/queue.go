// Package runner drains the transcode queue with a bounded worker pool,
// drives the pipeline for each job, and moves video records into their
// terminal states.
package runner

import (
	"context"
	"errors"
	"sync"
)

// Job identifies one merged source awaiting transcoding. It is the unit that
// travels through the Queue, so it must survive JSON round-trips for the
// Redis-backed implementation.
type Job struct {
	VideoID     string `json:"videoId"`
	ContentHash string `json:"contentHash"`
	SourcePath  string `json:"sourcePath"`
}

// ErrQueueClosed is returned by Publish after Close.
var ErrQueueClosed = errors.New("queue closed")

// Queue hands jobs from the merge endpoint to the worker pool. The in-memory
// implementation loses queued jobs on restart; recovery re-enqueues from the
// repository. The Redis implementation survives restarts on its own.
type Queue interface {
	Publish(ctx context.Context, job Job) error
	Subscribe() Subscription
	Close() error
}

// Subscription is one consumer's view of the queue.
type Subscription interface {
	Jobs() <-chan Job
	Close()
}

const defaultQueueBuffer = 64

type memoryQueue struct {
	ch     chan Job
	done   chan struct{}
	closed sync.Once
}

// NewMemoryQueue returns a process-local queue with the given buffer size.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = defaultQueueBuffer
	}
	return &memoryQueue{
		ch:   make(chan Job, buffer),
		done: make(chan struct{}),
	}
}

func (q *memoryQueue) Publish(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- job:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Subscribe() Subscription {
	return &memorySubscription{queue: q}
}

func (q *memoryQueue) Close() error {
	q.closed.Do(func() {
		close(q.done)
	})
	return nil
}

type memorySubscription struct {
	queue *memoryQueue
}

func (s *memorySubscription) Jobs() <-chan Job {
	return s.queue.ch
}

func (s *memorySubscription) Close() {}
