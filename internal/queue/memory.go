package queue

import (
	"context"
	"sync"
)

// MemoryQueue is a process-local Queue backed by a slice.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []string
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, id)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", false, ErrClosed
	}
	if len(q.items) == 0 {
		return "", false, nil
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return id, true, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
