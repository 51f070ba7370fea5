package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrStopped         = errors.New("scheduler stopped")
	ErrQueueFull       = errors.New("job queue full")
)

type JobKind string

const (
	JobCollectProvider JobKind = "collect_provider"
	JobCollectAll      JobKind = "collect_all"
	JobRetention       JobKind = "retention"
	JobRollup          JobKind = "rollup"
)

// Job is one unit of queued work.
type Job struct {
	ID         string    `json:"id"`
	Kind       JobKind   `json:"kind"`
	Provider   string    `json:"provider,omitempty"`
	Manual     bool      `json:"manual"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func newJob(kind JobKind, provider string, manual bool, now time.Time) Job {
	return Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Provider:   provider,
		Manual:     manual,
		EnqueuedAt: now,
	}
}

// Queue holds jobs between producers and workers.
type Queue interface {
	Push(ctx context.Context, job Job) error
	// Pop blocks until a job is available or ctx ends.
	Pop(ctx context.Context) (Job, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is a bounded in-process Queue.
type MemoryQueue struct {
	ch chan Job
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan Job, size)}
}

func (q *MemoryQueue) Push(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (Job, error) {
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case job := <-q.ch:
		return job, nil
	}
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	return len(q.ch), nil
}
