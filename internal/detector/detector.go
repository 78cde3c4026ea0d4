// Package detector polls the staging store for new source videos and
// enqueues each one once per process lifetime.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"hls-ingest/internal/objectstore"
	"hls-ingest/internal/observability/metrics"
	"hls-ingest/internal/queue"
)

// DefaultInterval is the polling period used when none is configured.
const DefaultInterval = 10 * time.Second

// DefaultExtensions lists the source container formats picked up by the
// detector.
var DefaultExtensions = []string{".mp4", ".mkv", ".mov", ".avi", ".webm"}

// Detector lists the staging store on a fixed interval and pushes unseen
// keys with a supported extension onto the work queue.
type Detector struct {
	Store      objectstore.Store
	Queue      queue.Queue
	Seen       *SeenSet
	Interval   time.Duration
	Extensions []string
	Prefix     string
	Logger     *slog.Logger
	Metrics    *metrics.Recorder

	once    sync.Once
	allowed map[string]struct{}
	// skipped holds unsupported keys already counted.
	skipped *SeenSet
}

func (d *Detector) validate() error {
	if d.Store == nil {
		return errors.New("detector: store is required")
	}
	if d.Queue == nil {
		return errors.New("detector: queue is required")
	}
	d.once.Do(d.setDefaults)
	return nil
}

func (d *Detector) setDefaults() {
	if d.Seen == nil {
		d.Seen = NewSeenSet()
	}
	if d.Interval <= 0 {
		d.Interval = DefaultInterval
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	extensions := d.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	d.allowed = make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		d.allowed[foldExtension(ext)] = struct{}{}
	}
	d.skipped = NewSeenSet()
}

// Supported reports whether key carries one of the configured extensions,
// compared case-insensitively.
func (d *Detector) Supported(key string) bool {
	d.once.Do(d.setDefaults)
	ext := path.Ext(key)
	if ext == "" {
		return false
	}
	_, ok := d.allowed[foldExtension(ext)]
	return ok
}

// Tick performs one listing pass and returns the number of keys enqueued.
// Enqueue failures do not stop the pass; the failed key is forgotten so the
// next tick retries it. The returned error joins every failure of the pass.
func (d *Detector) Tick(ctx context.Context) (int, error) {
	if err := d.validate(); err != nil {
		return 0, err
	}
	objects, err := d.Store.List(ctx, d.Prefix)
	if err != nil {
		d.Metrics.ListFailed()
		return 0, fmt.Errorf("list staging store: %w", err)
	}

	var (
		enqueued int
		errs     []error
	)
	for _, object := range objects {
		if d.Seen.Has(object.Key) {
			continue
		}
		if !d.Supported(object.Key) {
			if d.skipped.Add(object.Key) {
				d.Metrics.ObjectSkipped()
			}
			continue
		}
		if !d.Seen.Add(object.Key) {
			continue
		}
		if err := d.Queue.Enqueue(ctx, object.Key); err != nil {
			d.Seen.Forget(object.Key)
			d.Metrics.EnqueueFailed()
			errs = append(errs, fmt.Errorf("enqueue %s: %w", object.Key, err))
			continue
		}
		enqueued++
		d.Metrics.ObjectDetected()
		d.Logger.Info("new source detected", "key", object.Key, "size", object.Size)
	}

	if depth, err := d.Queue.Len(ctx); err == nil {
		d.Metrics.SetQueueDepth(depth)
	}
	return enqueued, errors.Join(errs...)
}

// Run ticks immediately and then on every interval until ctx is cancelled.
// Tick failures are logged and never stop the loop.
func (d *Detector) Run(ctx context.Context) error {
	if err := d.validate(); err != nil {
		return err
	}
	d.Logger.Info("detector started", "interval", d.Interval.String())
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			d.Logger.Info("detector stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Detector) tick(ctx context.Context) {
	enqueued, err := d.Tick(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.Logger.Error("detector tick failed", "error", err, "enqueued", enqueued)
		return
	}
	if enqueued > 0 {
		d.Logger.Debug("detector tick complete", "enqueued", enqueued, "seen", d.Seen.Len())
	}
}

// foldExtension uses a new Caser per call; Casers must not be shared.
func foldExtension(ext string) string {
	return cases.Fold().String(ext)
}
