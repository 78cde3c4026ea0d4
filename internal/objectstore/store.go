package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("objectstore: object not found")

// Object describes one stored object as reported by List.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the subset of object storage operations used by the ingest
// pipeline. Keys are slash separated and never start with "/".
type Store interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
}
