package detector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hls-ingest/internal/objectstore"
	"hls-ingest/internal/observability/logging"
	"hls-ingest/internal/observability/metrics"
	"hls-ingest/internal/queue"
)

func seedStore(t *testing.T, keys ...string) *objectstore.MemoryStore {
	t.Helper()
	store := objectstore.NewMemoryStore()
	for _, key := range keys {
		if err := store.Put(context.Background(), key, "", strings.NewReader("data"), 4); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	return store
}

func drain(t *testing.T, q queue.Queue) []string {
	t.Helper()
	var ids []string
	for {
		id, ok, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if !ok {
			return ids
		}
		ids = append(ids, id)
	}
}

func TestTickEnqueuesSupportedExtensionsOnly(t *testing.T) {
	store := seedStore(t, "a.mp4", "a.txt")
	q := queue.NewMemoryQueue()
	d := &Detector{Store: store, Queue: q, Logger: logging.Discard()}

	n, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one enqueued key, got %d", n)
	}
	got := drain(t, q)
	if len(got) != 1 || got[0] != "a.mp4" {
		t.Fatalf("expected [a.mp4], got %v", got)
	}
}

func TestTickEnqueuesEachKeyOnce(t *testing.T) {
	store := seedStore(t, "movie.MP4", "clip.webm")
	q := queue.NewMemoryQueue()
	d := &Detector{Store: store, Queue: q, Logger: logging.Discard()}

	for i := 0; i < 3; i++ {
		if _, err := d.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	got := drain(t, q)
	if len(got) != 2 {
		t.Fatalf("expected two keys across three ticks, got %v", got)
	}
	if d.Seen.Len() != 2 {
		t.Fatalf("expected two seen keys, got %d", d.Seen.Len())
	}
}

func TestSupportedIsCaseInsensitive(t *testing.T) {
	d := &Detector{Store: objectstore.NewMemoryStore(), Queue: queue.NewMemoryQueue()}
	cases := map[string]bool{
		"a.mp4":           true,
		"b.MKV":           true,
		"nested/c.Mov":    true,
		"d.avi":           true,
		"e.webm":          true,
		"f.txt":           false,
		"noextension":     false,
		"archive.mp4.zip": false,
		"dir.mp4/":        false,
	}
	for key, want := range cases {
		if got := d.Supported(key); got != want {
			t.Fatalf("Supported(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestCustomExtensions(t *testing.T) {
	store := seedStore(t, "a.mp4", "b.ts")
	q := queue.NewMemoryQueue()
	d := &Detector{Store: store, Queue: q, Extensions: []string{".TS"}, Logger: logging.Discard()}
	if _, err := d.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if got := drain(t, q); len(got) != 1 || got[0] != "b.ts" {
		t.Fatalf("expected [b.ts], got %v", got)
	}
}

type failingListStore struct {
	objectstore.Store
	mu    sync.Mutex
	fails int
}

func (f *failingListStore) List(ctx context.Context, prefix string) ([]objectstore.Object, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("listing unavailable")
	}
	f.mu.Unlock()
	return f.Store.List(ctx, prefix)
}

func counterValue(t *testing.T, recorder *metrics.Recorder, name string) float64 {
	t.Helper()
	families, err := recorder.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		var total float64
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func TestTickReportsListFailure(t *testing.T) {
	recorder := metrics.New()
	store := &failingListStore{Store: seedStore(t, "a.mp4"), fails: 1}
	q := queue.NewMemoryQueue()
	d := &Detector{Store: store, Queue: q, Logger: logging.Discard(), Metrics: recorder}

	if _, err := d.Tick(context.Background()); err == nil {
		t.Fatal("expected list failure")
	}
	if got := counterValue(t, recorder, "hls_ingest_list_failures_total"); got != 1 {
		t.Fatalf("expected one list failure recorded, got %v", got)
	}
	n, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("expected next tick to succeed, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one key after recovery, got %d", n)
	}
}

type flakyQueue struct {
	queue.Queue
	mu    sync.Mutex
	fails int
}

func (f *flakyQueue) Enqueue(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("queue unavailable")
	}
	return f.Queue.Enqueue(ctx, id)
}

func TestTickForgetsKeyWhenEnqueueFails(t *testing.T) {
	store := seedStore(t, "a.mp4")
	inner := queue.NewMemoryQueue()
	q := &flakyQueue{Queue: inner, fails: 1}
	d := &Detector{Store: store, Queue: q, Logger: logging.Discard()}

	n, err := d.Tick(context.Background())
	if err == nil {
		t.Fatal("expected enqueue failure")
	}
	if n != 0 || d.Seen.Has("a.mp4") {
		t.Fatalf("expected key to be forgotten after failure, n=%d", n)
	}

	n, err = d.Tick(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected retry to enqueue, n=%d err=%v", n, err)
	}
	if got := drain(t, inner); len(got) != 1 || got[0] != "a.mp4" {
		t.Fatalf("expected [a.mp4], got %v", got)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	store := seedStore(t, "first.mp4")
	q := queue.NewMemoryQueue()
	seen := NewSeenSet()
	d := &Detector{Store: store, Queue: q, Seen: seen, Interval: 10 * time.Millisecond, Logger: logging.Discard()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	if err := store.Put(context.Background(), "second.mov", "", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for seen.Len() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected both keys to be seen, got %d", seen.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if got := drain(t, q); len(got) != 2 {
		t.Fatalf("expected two queued keys, got %v", got)
	}
}

func TestTickRequiresCollaborators(t *testing.T) {
	if _, err := (&Detector{Queue: queue.NewMemoryQueue()}).Tick(context.Background()); err == nil {
		t.Fatal("expected missing store error")
	}
	if _, err := (&Detector{Store: objectstore.NewMemoryStore()}).Tick(context.Background()); err == nil {
		t.Fatal("expected missing queue error")
	}
}

func TestTickCountsSkippedKeyOnce(t *testing.T) {
	recorder := metrics.New()
	store := seedStore(t, "a.mp4", "a.txt")
	d := &Detector{Store: store, Queue: queue.NewMemoryQueue(), Logger: logging.Discard(), Metrics: recorder}

	for i := 0; i < 3; i++ {
		if _, err := d.Tick(context.Background()); err != nil {
			t.Fatalf("Tick %d returned error: %v", i, err)
		}
	}
	if got := counterValue(t, recorder, "hls_ingest_objects_skipped_total"); got != 1 {
		t.Fatalf("expected one skipped object, got %v", got)
	}
	if got := counterValue(t, recorder, "hls_ingest_objects_detected_total"); got != 1 {
		t.Fatalf("expected one detected object, got %v", got)
	}
}

func TestSupportedConcurrentBeforeFirstTick(t *testing.T) {
	d := &Detector{Extensions: []string{".mp4"}}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.Supported("clip.MP4") || d.Supported("clip.mkv") {
				t.Errorf("unexpected Supported result")
			}
		}()
	}
	wg.Wait()
}
