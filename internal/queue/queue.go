// Package queue holds the FIFO work queue that connects the change detector
// to the worker loop. Entries are staging object keys.
package queue

import (
	"context"
	"errors"
)

// DefaultKey is the Redis list name used when none is configured.
const DefaultKey = "videoQueue"

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Queue is a FIFO of pending object keys. Dequeue removes an entry for good;
// there is no acknowledgement or redelivery.
type Queue interface {
	Enqueue(ctx context.Context, id string) error
	// Dequeue pops the oldest entry. The boolean is false when the queue was
	// empty at the time of the call.
	Dequeue(ctx context.Context) (string, bool, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}
