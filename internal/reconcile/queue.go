package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Request is the unit of work handed to the worker once a call ends.
type Request struct {
	CallSid    string    `json:"call_sid"`
	OwnerID    string    `json:"owner_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// receipt is set by durable queues and identifies the message to commit.
	receipt *receipt
}

type receipt struct {
	topic     string
	partition int
	offset    int64
}

func (r Request) validate() error {
	if strings.TrimSpace(r.CallSid) == "" {
		return errors.New("reconcile: call_sid required")
	}
	return nil
}

var (
	// ErrQueueFull is returned when an in-process queue is saturated. Enqueue
	// never blocks the caller.
	ErrQueueFull   = errors.New("reconcile: queue full")
	ErrQueueClosed = errors.New("reconcile: queue closed")
)

// Enqueuer is the producer side, used by webhook ingestion and the API.
type Enqueuer interface {
	Enqueue(ctx context.Context, r Request) error
}

// Queue is a job queue consumed by Runner.
type Queue interface {
	Enqueuer
	// Dequeue blocks until a job is available, ctx ends, or the queue closes.
	Dequeue(ctx context.Context) (Request, error)
	// Ack marks a dequeued job finished. Durable queues redeliver jobs that
	// were never acked.
	Ack(ctx context.Context, r Request) error
	Close() error
}

// MemoryQueue is a bounded in-process queue. Jobs are lost on restart.
type MemoryQueue struct {
	ch        chan Request
	closed    chan struct{}
	closeOnce sync.Once
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{ch: make(chan Request, capacity), closed: make(chan struct{})}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, r Request) error {
	if err := r.validate(); err != nil {
		return err
	}
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Request, error) {
	select {
	case r := <-q.ch:
		return r, nil
	case <-q.closed:
		return Request{}, ErrQueueClosed
	case <-ctx.Done():
		return Request{}, ctx.Err()
	}
}

// Ack is a no-op: dequeued jobs are already gone.
func (q *MemoryQueue) Ack(ctx context.Context, r Request) error { return nil }

// Len reports how many jobs are waiting.
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
