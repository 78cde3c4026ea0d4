package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultRequestTimeout = 30 * time.Second

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	RequestTimeout time.Duration
}

func (cfg S3Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.RequestTimeout
}

// S3Store implements Store on top of an S3-compatible service.
type S3Store struct {
	cfg    S3Config
	client *minio.Client
}

// NewS3Store validates the configuration and constructs a client. No network
// calls are made; use Ping to check reachability.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("objectstore: endpoint is required")
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("objectstore: parse endpoint: %w", err)
		}
		if parsed.Scheme == "https" {
			cfg.UseSSL = true
		}
		endpoint = parsed.Host
	}
	if endpoint == "" {
		return nil, errors.New("objectstore: endpoint host is required")
	}
	cfg.Endpoint = endpoint

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: create client: %w", err)
	}
	return &S3Store{cfg: cfg, client: client}, nil
}

// Bucket reports the configured bucket name.
func (s *S3Store) Bucket() string {
	return s.cfg.Bucket
}

// Ping verifies that the bucket exists and is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.requestTimeout())
	defer cancel()
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.cfg.Bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.cfg.Bucket)
	}
	return nil
}

// List returns every object under prefix, recursively. Returned keys are
// relative to the configured store prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.requestTimeout())
	defer cancel()

	listPrefix := s.applyPrefix(prefix)
	if listPrefix != "" && strings.TrimSpace(prefix) == "" {
		listPrefix += "/"
	}
	var objects []Object
	for info := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    listPrefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", s.cfg.Bucket, listPrefix, info.Err)
		}
		if strings.HasSuffix(info.Key, "/") {
			continue
		}
		objects = append(objects, Object{
			Key:          s.stripPrefix(info.Key),
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	return objects, nil
}

// Get opens the object for reading. The first request is issued before Get
// returns so a missing key is reported as ErrNotFound.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	finalKey := s.applyPrefix(key)
	object, err := s.client.GetObject(ctx, s.cfg.Bucket, finalKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapError("get", finalKey, err)
	}
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		return nil, s.wrapError("get", finalKey, err)
	}
	return object, nil
}

// Put uploads body under key. A negative size streams the body with
// multipart uploads.
func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	finalKey := s.applyPrefix(key)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, finalKey, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return s.wrapError("put", finalKey, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.requestTimeout())
	defer cancel()
	finalKey := s.applyPrefix(key)
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, finalKey, minio.RemoveObjectOptions{}); err != nil {
		return s.wrapError("delete", finalKey, err)
	}
	return nil
}

func (s *S3Store) wrapError(op, key string, err error) error {
	code := minio.ToErrorResponse(err).Code
	if code == "NoSuchKey" || code == "NotFound" {
		return fmt.Errorf("%s %s/%s: %w", op, s.cfg.Bucket, key, ErrNotFound)
	}
	return fmt.Errorf("%s %s/%s: %w", op, s.cfg.Bucket, key, err)
}

func (s *S3Store) prefix() string {
	return strings.Trim(strings.TrimSpace(s.cfg.Prefix), "/")
}

func (s *S3Store) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := s.prefix()
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	return prefix + "/" + trimmed
}

func (s *S3Store) stripPrefix(key string) string {
	prefix := s.prefix()
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}
