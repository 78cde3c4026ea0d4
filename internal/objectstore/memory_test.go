package objectstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Put(ctx, "movie/master.m3u8", "application/x-mpegURL", strings.NewReader("#EXTM3U"), 7); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	body, err := store.Get(ctx, "movie/master.m3u8")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	data, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(data) != "#EXTM3U" {
		t.Fatalf("unexpected body %q", data)
	}
	if _, contentType, ok := store.Object("movie/master.m3u8"); !ok || contentType != "application/x-mpegURL" {
		t.Fatalf("expected content type to be recorded, got %q", contentType)
	}

	if err := store.Delete(ctx, "movie/master.m3u8"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := store.Get(ctx, "movie/master.m3u8"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "movie/master.m3u8"); err != nil {
		t.Fatalf("expected deleting a missing key to succeed, got %v", err)
	}
}

func TestMemoryStoreListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, key := range []string{"b.mp4", "a.mp4", "nested/c.mov"} {
		if err := store.Put(ctx, key, "", strings.NewReader("x"), 1); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(all) != 3 || all[0].Key != "a.mp4" || all[2].Key != "nested/c.mov" {
		t.Fatalf("unexpected listing %+v", all)
	}
	if all[0].Size != 1 || all[0].LastModified.IsZero() {
		t.Fatalf("expected size and modification time, got %+v", all[0])
	}

	nested, err := store.List(ctx, "nested/")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(nested) != 1 || nested[0].Key != "nested/c.mov" {
		t.Fatalf("unexpected nested listing %+v", nested)
	}
}

func TestMemoryStorePutRejectsShortBody(t *testing.T) {
	store := NewMemoryStore()
	err := store.Put(context.Background(), "clip.mp4", "", strings.NewReader("abc"), 10)
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
	if len(store.Keys()) != 0 {
		t.Fatalf("expected nothing stored, got %v", store.Keys())
	}
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemoryStore()
	if _, err := store.List(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryStoreConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "segments/" + string(rune('a'+i)) + ".ts"
			if err := store.Put(ctx, key, "video/MP2T", strings.NewReader("seg"), 3); err != nil {
				t.Errorf("Put %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()
	if got := len(store.Keys()); got != 16 {
		t.Fatalf("expected 16 objects, got %d", got)
	}
}

func TestMemoryStoreLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "uploads"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	files := map[string]string{
		"clip.mp4":          "raw",
		"uploads/other.mkv": "more",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, filepath.FromSlash(name)), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	store := NewMemoryStore()
	n, err := store.LoadDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadDir returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 objects loaded, got %d", n)
	}
	if got := store.Keys(); !reflect.DeepEqual(got, []string{"clip.mp4", "uploads/other.mkv"}) {
		t.Fatalf("unexpected keys %v", got)
	}
	data, _, ok := store.Object("uploads/other.mkv")
	if !ok || string(data) != "more" {
		t.Fatalf("unexpected object contents %q", data)
	}

	if _, err := store.LoadDir(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing dir")
	}
}
