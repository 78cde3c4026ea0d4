package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"hls-ingest/internal/objectstore"
	"hls-ingest/internal/observability/logging"
	"hls-ingest/internal/observability/metrics"
	"hls-ingest/internal/queue"
	"hls-ingest/internal/testsupport/redisstub"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]string{
		"-s3-endpoint", "http://minio:9000",
		"-staging-bucket", "staging",
		"-production-bucket", "production",
	}, envMap(nil))
	if err != nil {
		t.Fatalf("parseConfig returned error: %v", err)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("expected 10s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.IdleInterval != 2*time.Second || cfg.ErrorBackoff != 5*time.Second {
		t.Fatalf("unexpected worker intervals %v / %v", cfg.IdleInterval, cfg.ErrorBackoff)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.Key != queue.DefaultKey {
		t.Fatalf("unexpected redis defaults %+v", cfg.Redis)
	}
	if cfg.FFmpegBinary != "ffmpeg" {
		t.Fatalf("expected ffmpeg binary default, got %q", cfg.FFmpegBinary)
	}
	if len(cfg.Profiles) != 3 || cfg.Profiles[0].Name != "360p" {
		t.Fatalf("expected default profile ladder, got %+v", cfg.Profiles)
	}
	if len(cfg.Extensions) != 5 {
		t.Fatalf("expected five default extensions, got %v", cfg.Extensions)
	}
	if cfg.Production.Endpoint != "http://minio:9000" {
		t.Fatalf("expected production endpoint to fall back to the shared endpoint, got %q", cfg.Production.Endpoint)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("expected metrics listener disabled by default, got %q", cfg.MetricsAddr)
	}
}

func TestParseConfigEnvironmentFallback(t *testing.T) {
	env := envMap(map[string]string{
		"HLS_INGEST_STORE_DRIVER":     "memory",
		"HLS_INGEST_MEMORY_SEED_DIR":  "/srv/seed",
		"HLS_INGEST_QUEUE_DRIVER":     "memory",
		"HLS_INGEST_POLL_INTERVAL":    "30s",
		"HLS_INGEST_PROFILES":         "240p:426x240:400,1080p:1920x1080:5000",
		"HLS_INGEST_KAFKA_BROKERS":    "k1:9092, k2:9092",
		"HLS_INGEST_LOG_LEVEL":        "debug",
		"HLS_INGEST_NAMESPACE_BY_JOB": "true",
	})
	cfg, err := parseConfig([]string{"-poll-interval", "15s"}, env)
	if err != nil {
		t.Fatalf("parseConfig returned error: %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Fatalf("expected explicit flag to win over env, got %v", cfg.PollInterval)
	}
	if cfg.StoreDriver != driverMemory || cfg.QueueDriver != driverMemory {
		t.Fatalf("expected memory drivers, got %q / %q", cfg.StoreDriver, cfg.QueueDriver)
	}
	if cfg.MemorySeedDir != "/srv/seed" {
		t.Fatalf("expected seed dir from env, got %q", cfg.MemorySeedDir)
	}
	if len(cfg.Profiles) != 2 || cfg.Profiles[1].Name != "1080p" {
		t.Fatalf("expected profiles from env, got %+v", cfg.Profiles)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("expected trimmed brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.LogLevel != "debug" || !cfg.NamespaceByJob {
		t.Fatalf("expected env overrides to apply, got %+v", cfg)
	}
}

func TestParseConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{name: "missing buckets", args: []string{"-s3-endpoint", "localhost:9000"}, want: "staging bucket is required"},
		{name: "missing endpoint", args: []string{"-staging-bucket", "a", "-production-bucket", "b"}, want: "s3 endpoint is required"},
		{name: "same store", args: []string{"-s3-endpoint", "x:9000", "-staging-bucket", "a", "-production-bucket", "a"}, want: "must differ"},
		{name: "bad driver", args: []string{"-store-driver", "ftp", "-queue-driver", "memory"}, want: "unsupported store driver"},
		{name: "bad queue driver", args: []string{"-store-driver", "memory", "-queue-driver", "sqs"}, want: "unsupported queue driver"},
		{name: "bad profiles", args: []string{"-store-driver", "memory", "-profiles", "720p:wide:1"}, want: "profiles"},
		{name: "bad env duration", args: []string{"-store-driver", "memory"}, env: map[string]string{"HLS_INGEST_POLL_INTERVAL": "soon"}, want: "HLS_INGEST_POLL_INTERVAL"},
		{name: "memory without seed dir", args: []string{"-store-driver", "memory", "-queue-driver", "memory"}, want: "requires a seed dir"},
		{name: "zero interval", args: []string{"-store-driver", "memory", "-poll-interval", "0s"}, want: "poll interval"},
		{name: "unknown flag", args: []string{"-nope"}, want: "flag provided but not defined"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseConfig(tc.args, envMap(tc.env))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEnvName(t *testing.T) {
	if got := envName("redis-tls-server-name"); got != "HLS_INGEST_REDIS_TLS_SERVER_NAME" {
		t.Fatalf("unexpected env name %q", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	if got := splitAndTrim("  "); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	got := splitAndTrim(" a, ,b ")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected split %v", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing env file to be ignored, got %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("HLS_INGEST_TEST_ONLY_VALUE=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("HLS_INGEST_TEST_ONLY_VALUE", "")
	os.Unsetenv("HLS_INGEST_TEST_ONLY_VALUE")
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile returned error: %v", err)
	}
	if got := os.Getenv("HLS_INGEST_TEST_ONLY_VALUE"); got != "from-file" {
		t.Fatalf("expected value from env file, got %q", got)
	}
}

const fakeFFmpeg = `#!/bin/sh
for last; do :; done
dir=$(dirname "$last")
name=$(basename "$last" .m3u8)
mkdir -p "$dir"
printf 'segment' > "$dir/${name}_000.ts"
printf '#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXTINF:6.000000,\n%s_000.ts\n#EXT-X-ENDLIST\n' "$name" > "$last"
`

func TestAppPublishesDetectedUpload(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake engine requires a POSIX shell")
	}
	binary := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(binary, []byte(fakeFFmpeg), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	seedDir := t.TempDir()
	for name, body := range map[string]string{"clip.mp4": "raw", "notes.txt": "todo"} {
		if err := os.WriteFile(filepath.Join(seedDir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	workDir := t.TempDir()
	cfg, err := parseConfig([]string{
		"-store-driver", "memory",
		"-memory-seed-dir", seedDir,
		"-redis-addr", srv.Addr(),
		"-ffmpeg", binary,
		"-work-dir", workDir,
		"-poll-interval", "20ms",
		"-idle-interval", "10ms",
		"-error-backoff", "10ms",
	}, envMap(nil))
	if err != nil {
		t.Fatalf("parseConfig returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg, logging.Discard(), metrics.New())
	if err != nil {
		t.Fatalf("newApp returned error: %v", err)
	}
	defer a.Close()

	staging := a.staging.(*objectstore.MemoryStore)
	production := a.production.(*objectstore.MemoryStore)
	if _, _, ok := staging.Object("clip.mp4"); !ok {
		t.Fatalf("expected seed dir to be loaded, staging keys %v", staging.Keys())
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, _, ok := production.Object("clip/master.m3u8"); ok {
			if _, _, ok := staging.Object("clip.mp4"); !ok {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("upload was not published, production keys %v", production.Keys())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}

	for _, key := range []string{"clip/360p/360p.m3u8", "clip/480p/480p_000.ts", "clip/720p/720p.m3u8"} {
		if _, _, ok := production.Object(key); !ok {
			t.Fatalf("expected %s to be published", key)
		}
	}
	if _, _, ok := staging.Object("notes.txt"); !ok {
		t.Fatal("expected unsupported file to stay in staging")
	}
	if srv.CommandCount("RPUSH") != 1 {
		t.Fatalf("expected exactly one enqueue, got %d", srv.CommandCount("RPUSH"))
	}
}
