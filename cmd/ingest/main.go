// Command ingest watches a staging bucket for raw videos and publishes each
// one as a multi-rendition HLS package to a production bucket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"hls-ingest/internal/detector"
	"hls-ingest/internal/media"
	"hls-ingest/internal/objectstore"
	"hls-ingest/internal/observability/logging"
	"hls-ingest/internal/observability/metrics"
	"hls-ingest/internal/pipeline"
	"hls-ingest/internal/publication"
	"hls-ingest/internal/queue"
	"hls-ingest/internal/serverutil"
	"hls-ingest/internal/worker"
)

func main() {
	if err := loadEnvFile(firstNonEmpty(os.Getenv(envPrefix+"ENV_FILE"), ".env")); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(2)
	}
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger, metrics.Default())
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		logger.Error("ingest stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ingest stopped")
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type app struct {
	cfg        config
	logger     *slog.Logger
	metrics    *metrics.Recorder
	staging    objectstore.Store
	production objectstore.Store
	queue      queue.Queue
	sink       publication.Multi
	pipeline   *pipeline.Pipeline
	detector   *detector.Detector
	worker     *worker.Worker
}

func newApp(ctx context.Context, cfg config, logger *slog.Logger, recorder *metrics.Recorder) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: recorder}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.staging, a.production, err = openStores(ctx, cfg); err != nil {
		return nil, err
	}
	if a.queue, err = openQueue(ctx, cfg); err != nil {
		return nil, err
	}
	if a.sink, err = openSinks(ctx, cfg, logger); err != nil {
		return nil, err
	}

	engine := &media.FFmpeg{
		Binary: cfg.FFmpegBinary,
		Logger: logging.WithComponent(logger, "ffmpeg"),
	}
	a.pipeline, err = pipeline.New(pipeline.Config{
		Staging:           a.staging,
		Production:        a.production,
		Engine:            engine,
		Profiles:          cfg.Profiles,
		WorkDir:           cfg.WorkDir,
		NamespaceByJob:    cfg.NamespaceByJob,
		UploadConcurrency: cfg.UploadConcurrency,
		Sink:              a.sink,
		Logger:            logging.WithComponent(logger, "pipeline"),
		Metrics:           recorder,
	})
	if err != nil {
		return nil, err
	}
	a.detector = &detector.Detector{
		Store:      a.staging,
		Queue:      a.queue,
		Seen:       detector.NewSeenSet(),
		Interval:   cfg.PollInterval,
		Extensions: cfg.Extensions,
		Logger:     logging.WithComponent(logger, "detector"),
		Metrics:    recorder,
	}
	a.worker = &worker.Worker{
		Queue:        a.queue,
		Processor:    a.pipeline,
		IdleInterval: cfg.IdleInterval,
		ErrorBackoff: cfg.ErrorBackoff,
		Logger:       logging.WithComponent(logger, "worker"),
		Metrics:      recorder,
	}
	ok = true
	return a, nil
}

// Run starts the detector, the worker and the optional metrics listener and
// blocks until ctx is cancelled or one of them fails. A job in flight when
// ctx ends is abandoned; its key is not returned to the queue.
func (a *app) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	a.logger.Info("ingest starting",
		"store_driver", a.cfg.StoreDriver,
		"queue_driver", a.cfg.QueueDriver,
		"profiles", len(a.cfg.Profiles),
		"work_dir", a.cfg.WorkDir,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.detector.Run(groupCtx)
	})
	group.Go(func() error {
		return a.worker.Run(groupCtx)
	})
	if a.cfg.MetricsAddr != "" {
		group.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			a.logger.Info("metrics listener starting", "addr", a.cfg.MetricsAddr)
			return serverutil.Run(groupCtx, serverutil.Config{
				Addr:            a.cfg.MetricsAddr,
				Handler:         mux,
				ShutdownTimeout: 5 * time.Second,
			})
		})
	}
	return group.Wait()
}

func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", "error", err)
		}
	}
	if len(a.sink) > 0 {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("publication sink close failed", "error", err)
		}
	}
}

func openStores(ctx context.Context, cfg config) (objectstore.Store, objectstore.Store, error) {
	if cfg.StoreDriver == driverMemory {
		staging := objectstore.NewMemoryStore()
		if _, err := staging.LoadDir(ctx, cfg.MemorySeedDir); err != nil {
			return nil, nil, fmt.Errorf("staging store: %w", err)
		}
		return staging, objectstore.NewMemoryStore(), nil
	}
	staging, err := openS3(ctx, cfg.Staging)
	if err != nil {
		return nil, nil, fmt.Errorf("staging store: %w", err)
	}
	production, err := openS3(ctx, cfg.Production)
	if err != nil {
		return nil, nil, fmt.Errorf("production store: %w", err)
	}
	return staging, production, nil
}

func openS3(ctx context.Context, cfg storeConfig) (*objectstore.S3Store, error) {
	store, err := objectstore.NewS3Store(objectstore.S3Config{
		Endpoint:       cfg.Endpoint,
		Region:         cfg.Region,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Bucket:         cfg.Bucket,
		UseSSL:         cfg.UseSSL,
		Prefix:         cfg.Prefix,
		RequestTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func openQueue(ctx context.Context, cfg config) (queue.Queue, error) {
	if cfg.QueueDriver == driverMemory {
		return queue.NewMemoryQueue(), nil
	}
	q, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
		Addr:       cfg.Redis.Addr,
		Addrs:      cfg.Redis.Addrs,
		Username:   cfg.Redis.Username,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		Key:        cfg.Redis.Key,
		MasterName: cfg.Redis.MasterName,
		TLS: queue.RedisTLSConfig{
			CAFile:             cfg.Redis.TLSCA,
			CertFile:           cfg.Redis.TLSCert,
			KeyFile:            cfg.Redis.TLSKey,
			ServerName:         cfg.Redis.TLSServerName,
			InsecureSkipVerify: cfg.Redis.TLSSkipVerify,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("work queue: %w", err)
	}
	return q, nil
}

func openSinks(ctx context.Context, cfg config, logger *slog.Logger) (publication.Multi, error) {
	var sinks publication.Multi
	if cfg.PostgresDSN != "" {
		ledger, err := publication.OpenPostgresLedger(ctx, publication.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			MaxConnections:  int32(cfg.PostgresMaxConns),
			ApplicationName: "hls-ingest",
		})
		if err != nil {
			return nil, fmt.Errorf("publication ledger: %w", err)
		}
		sinks = append(sinks, publication.Named{Name: "postgres", Sink: ledger})
		logger.Info("publication ledger enabled")
	}
	if len(cfg.KafkaBrokers) > 0 {
		notifier, err := publication.NewKafkaNotifier(publication.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("publication events: %w", err)
		}
		sinks = append(sinks, publication.Named{Name: "kafka", Sink: notifier})
		logger.Info("publication events enabled", "topic", cfg.KafkaTopic)
	}
	return sinks, nil
}
