package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hls-ingest/internal/detector"
	"hls-ingest/internal/media"
	"hls-ingest/internal/queue"
	"hls-ingest/internal/worker"
)

const envPrefix = "HLS_INGEST_"

const (
	driverS3     = "s3"
	driverRedis  = "redis"
	driverMemory = "memory"
)

type storeConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
	Timeout   time.Duration
}

type redisConfig struct {
	Addr          string
	Addrs         []string
	Username      string
	Password      string
	DB            int
	MasterName    string
	Key           string
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool
}

type config struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string

	StoreDriver   string
	MemorySeedDir string
	Staging       storeConfig
	Production    storeConfig

	QueueDriver string
	Redis       redisConfig

	PollInterval time.Duration
	Extensions   []string

	IdleInterval time.Duration
	ErrorBackoff time.Duration

	FFmpegBinary      string
	WorkDir           string
	Profiles          []media.Profile
	NamespaceByJob    bool
	UploadConcurrency int

	PostgresDSN      string
	PostgresMaxConns int
	KafkaBrokers     []string
	KafkaTopic       string
}

// envName maps a flag name such as "staging-bucket" to
// HLS_INGEST_STAGING_BUCKET.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// parseConfig reads flags from args. Flags not given on the command line
// fall back to their HLS_INGEST_* environment variable.
func parseConfig(args []string, getenv func(string) string) (config, error) {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "json", "log format (json or text)")
	metricsAddr := fs.String("metrics-addr", "", "listen address for /metrics; empty disables the listener")

	storeDriver := fs.String("store-driver", driverS3, "object store driver (s3 or memory)")
	memorySeedDir := fs.String("memory-seed-dir", "", "local directory loaded into the staging store by the memory driver")
	endpoint := fs.String("s3-endpoint", "", "S3-compatible endpoint shared by both stores")
	region := fs.String("s3-region", "", "S3 region")
	accessKey := fs.String("s3-access-key", "", "S3 access key")
	secretKey := fs.String("s3-secret-key", "", "S3 secret key")
	useSSL := fs.Bool("s3-use-ssl", false, "use TLS for the S3 endpoint")
	s3Timeout := fs.Duration("s3-timeout", 0, "timeout for S3 metadata requests")
	stagingBucket := fs.String("staging-bucket", "", "bucket receiving raw uploads")
	stagingPrefix := fs.String("staging-prefix", "", "key prefix inside the staging bucket")
	productionEndpoint := fs.String("production-endpoint", "", "endpoint for the production store; defaults to -s3-endpoint")
	productionBucket := fs.String("production-bucket", "", "bucket receiving published HLS packages")
	productionPrefix := fs.String("production-prefix", "", "key prefix inside the production bucket")

	queueDriver := fs.String("queue-driver", driverRedis, "work queue driver (redis or memory)")
	redisAddr := fs.String("redis-addr", "localhost:6379", "Redis address")
	redisAddrs := fs.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := fs.String("redis-username", "", "Redis username")
	redisPassword := fs.String("redis-password", "", "Redis password")
	redisDB := fs.Int("redis-db", 0, "Redis database number")
	redisMasterName := fs.String("redis-master-name", "", "Redis sentinel master name")
	queueKey := fs.String("queue-key", queue.DefaultKey, "Redis list holding pending keys")
	redisTLSCA := fs.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")

	pollInterval := fs.Duration("poll-interval", detector.DefaultInterval, "staging store polling interval")
	extensions := fs.String("extensions", strings.Join(detector.DefaultExtensions, ","), "comma separated source extensions")
	idleInterval := fs.Duration("idle-interval", worker.DefaultIdleInterval, "wait after an empty dequeue")
	errorBackoff := fs.Duration("error-backoff", worker.DefaultErrorBackoff, "wait after a failed dequeue or job")

	ffmpegBinary := fs.String("ffmpeg", "ffmpeg", "ffmpeg binary")
	workDir := fs.String("work-dir", filepath.Join(os.TempDir(), "hls-ingest"), "local scratch directory")
	profiles := fs.String("profiles", "", "rendition ladder as name:WxH:kbps,...; empty uses 360p,480p,720p")
	namespaceByJob := fs.Bool("namespace-by-job", false, "place each job's scratch files under a per-job directory")
	uploadConcurrency := fs.Int("upload-concurrency", 4, "parallel uploads per job")

	postgresDSN := fs.String("postgres-dsn", "", "Postgres DSN for the publication ledger; empty disables it")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the ledger pool")
	kafkaBrokers := fs.String("kafka-brokers", "", "comma separated Kafka brokers for publication events")
	kafkaTopic := fs.String("kafka-topic", "hls-published", "Kafka topic for publication events")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	if err := applyEnv(fs, getenv); err != nil {
		return config{}, err
	}

	cfg := config{
		LogLevel:      *logLevel,
		LogFormat:     *logFormat,
		MetricsAddr:   strings.TrimSpace(*metricsAddr),
		StoreDriver:   strings.ToLower(strings.TrimSpace(*storeDriver)),
		MemorySeedDir: strings.TrimSpace(*memorySeedDir),
		Staging: storeConfig{
			Endpoint:  strings.TrimSpace(*endpoint),
			Region:    strings.TrimSpace(*region),
			AccessKey: *accessKey,
			SecretKey: *secretKey,
			UseSSL:    *useSSL,
			Bucket:    strings.TrimSpace(*stagingBucket),
			Prefix:    strings.TrimSpace(*stagingPrefix),
			Timeout:   *s3Timeout,
		},
		Production: storeConfig{
			Endpoint:  strings.TrimSpace(firstNonEmpty(*productionEndpoint, *endpoint)),
			Region:    strings.TrimSpace(*region),
			AccessKey: *accessKey,
			SecretKey: *secretKey,
			UseSSL:    *useSSL,
			Bucket:    strings.TrimSpace(*productionBucket),
			Prefix:    strings.TrimSpace(*productionPrefix),
			Timeout:   *s3Timeout,
		},
		QueueDriver: strings.ToLower(strings.TrimSpace(*queueDriver)),
		Redis: redisConfig{
			Addr:          strings.TrimSpace(*redisAddr),
			Addrs:         splitAndTrim(*redisAddrs),
			Username:      *redisUsername,
			Password:      *redisPassword,
			DB:            *redisDB,
			MasterName:    *redisMasterName,
			Key:           strings.TrimSpace(*queueKey),
			TLSCA:         *redisTLSCA,
			TLSCert:       *redisTLSCert,
			TLSKey:        *redisTLSKey,
			TLSServerName: *redisTLSServerName,
			TLSSkipVerify: *redisTLSSkipVerify,
		},
		PollInterval:      *pollInterval,
		Extensions:        splitAndTrim(*extensions),
		IdleInterval:      *idleInterval,
		ErrorBackoff:      *errorBackoff,
		FFmpegBinary:      strings.TrimSpace(*ffmpegBinary),
		WorkDir:           strings.TrimSpace(*workDir),
		NamespaceByJob:    *namespaceByJob,
		UploadConcurrency: *uploadConcurrency,
		PostgresDSN:       strings.TrimSpace(*postgresDSN),
		PostgresMaxConns:  *postgresMaxConns,
		KafkaBrokers:      splitAndTrim(*kafkaBrokers),
		KafkaTopic:        strings.TrimSpace(*kafkaTopic),
	}
	if ladder := strings.TrimSpace(*profiles); ladder != "" {
		parsed, err := media.ParseProfiles(ladder)
		if err != nil {
			return config{}, fmt.Errorf("profiles: %w", err)
		}
		cfg.Profiles = parsed
	} else {
		cfg.Profiles = media.DefaultProfiles()
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// applyEnv sets every flag that was not given explicitly from its
// environment variable, when that variable is non-empty.
func applyEnv(fs *flag.FlagSet, getenv func(string) string) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		value := strings.TrimSpace(getenv(envName(f.Name)))
		if value == "" {
			return
		}
		if err := fs.Set(f.Name, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

func (c config) validate() error {
	var errs []error
	switch c.StoreDriver {
	case driverS3:
		if c.Staging.Endpoint == "" {
			errs = append(errs, errors.New("s3 endpoint is required"))
		}
		if c.Staging.Bucket == "" {
			errs = append(errs, errors.New("staging bucket is required"))
		}
		if c.Production.Bucket == "" {
			errs = append(errs, errors.New("production bucket is required"))
		}
		if c.Staging.Endpoint == c.Production.Endpoint && c.Staging.Bucket != "" &&
			c.Staging.Bucket == c.Production.Bucket && c.Staging.Prefix == c.Production.Prefix {
			errs = append(errs, errors.New("staging and production stores must differ"))
		}
	case driverMemory:
		if c.MemorySeedDir == "" {
			errs = append(errs, errors.New("memory store driver requires a seed dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver %q", c.StoreDriver))
	}
	switch c.QueueDriver {
	case driverRedis:
		if c.Redis.Addr == "" && len(c.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("redis address is required"))
		}
	case driverMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported queue driver %q", c.QueueDriver))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.IdleInterval <= 0 || c.ErrorBackoff <= 0 {
		errs = append(errs, errors.New("worker intervals must be positive"))
	}
	if len(c.Extensions) == 0 {
		errs = append(errs, errors.New("at least one extension is required"))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("work dir is required"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
