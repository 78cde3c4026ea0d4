// Package publication records finished HLS packages in downstream systems.
// Sinks run after the artifacts are in the production store; their failures
// never undo a publish.
package publication

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Publication describes one published artifact set.
type Publication struct {
	JobID       string    `json:"job_id"`
	SourceKey   string    `json:"source_key"`
	BaseName    string    `json:"base_name"`
	MasterKey   string    `json:"master_key"`
	Renditions  []string  `json:"renditions"`
	Objects     int       `json:"objects"`
	Bytes       int64     `json:"bytes"`
	PublishedAt time.Time `json:"published_at"`
}

// Sink accepts publication records.
type Sink interface {
	Record(ctx context.Context, pub Publication) error
}

// Noop discards every record.
type Noop struct{}

func (Noop) Record(context.Context, Publication) error { return nil }

// Named pairs a sink with the label used in logs and metrics.
type Named struct {
	Name string
	Sink Sink
}

// Multi forwards each record to every sink, even after a failure, and joins
// the errors.
type Multi []Named

func (m Multi) Record(ctx context.Context, pub Publication) error {
	var errs []error
	for _, named := range m {
		if named.Sink == nil {
			continue
		}
		if err := named.Sink.Record(ctx, pub); err != nil {
			errs = append(errs, &SinkError{Sink: named.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer style Close.
func (m Multi) Close() error {
	var errs []error
	for _, named := range m {
		if closer, ok := named.Sink.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", named.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// SinkError identifies which sink rejected a record.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("publication sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// FailedSinks lists the sink names found in err.
func FailedSinks(err error) []string {
	if err == nil {
		return nil
	}
	var names []string
	var walk func(error)
	walk = func(err error) {
		var sinkErr *SinkError
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		if errors.As(err, &sinkErr) {
			names = append(names, sinkErr.Sink)
			return
		}
		names = append(names, "unknown")
	}
	walk(err)
	return names
}
