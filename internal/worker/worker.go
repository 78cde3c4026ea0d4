// Package worker drains the work queue one job at a time.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hls-ingest/internal/observability/metrics"
	"hls-ingest/internal/queue"
)

const (
	DefaultIdleInterval = 2 * time.Second
	DefaultErrorBackoff = 5 * time.Second
)

// Processor handles one dequeued key.
type Processor interface {
	Process(ctx context.Context, key string) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, key string) error

func (f ProcessorFunc) Process(ctx context.Context, key string) error {
	return f(ctx, key)
}

// Worker pops keys from Queue and hands them to Processor synchronously, so
// at most one job is in flight. A dequeued key is never requeued.
type Worker struct {
	Queue        queue.Queue
	Processor    Processor
	IdleInterval time.Duration
	ErrorBackoff time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Run loops until ctx is cancelled. Empty polls wait IdleInterval; dequeue
// and processing errors are logged and wait ErrorBackoff.
func (w *Worker) Run(ctx context.Context) error {
	if w.Queue == nil {
		return errors.New("worker: queue is required")
	}
	if w.Processor == nil {
		return errors.New("worker: processor is required")
	}
	idle := w.IdleInterval
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	backoff := w.ErrorBackoff
	if backoff <= 0 {
		backoff = DefaultErrorBackoff
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("worker started")
	for {
		if ctx.Err() != nil {
			logger.Info("worker stopped")
			return nil
		}
		wait := w.step(ctx, logger, idle, backoff)
		if !sleep(ctx, wait) {
			logger.Info("worker stopped")
			return nil
		}
	}
}

// step runs one iteration and returns how long to wait before the next.
func (w *Worker) step(ctx context.Context, logger *slog.Logger, idle, backoff time.Duration) time.Duration {
	key, ok, err := w.Queue.Dequeue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		w.Metrics.DequeueFailed()
		logger.Error("dequeue failed", "error", err)
		return backoff
	}
	if !ok {
		return idle
	}

	logger.Info("processing source", "key", key)
	if err := w.Processor.Process(ctx, key); err != nil {
		logger.Error("processing failed", "key", key, "error", err)
		return backoff
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
