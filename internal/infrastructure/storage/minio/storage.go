package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kirillkom/doc-intake/internal/core/domain"
	"github.com/kirillkom/doc-intake/internal/infrastructure/resilience"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Storage keeps raw uploads and canonical JSON in an S3-compatible bucket.
// Calls go through the resilience executor when one is configured.
type Storage struct {
	client   *minio.Client
	bucket   string
	executor *resilience.Executor
}

// New connects and makes sure the bucket exists.
func New(ctx context.Context, cfg Config, executor *resilience.Executor) (*Storage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio credentials are required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &Storage{client: cli, bucket: cfg.Bucket, executor: executor}, nil
}

// Save buffers data so a retried upload can replay it.
func (s *Storage) Save(ctx context.Context, key string, data io.Reader) error {
	payload, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	return s.run(ctx, "minio.put", func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
			ContentType: contentType(key),
		})
		if err != nil {
			return fmt.Errorf("put object %s: %w", key, err)
		}
		return nil
	})
}

func (s *Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var obj *minio.Object
	err := s.run(ctx, "minio.get", func(ctx context.Context) error {
		o, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return fmt.Errorf("get object %s: %w", key, err)
		}
		if _, err := o.Stat(); err != nil {
			_ = o.Close()
			return fmt.Errorf("stat object %s: %w", key, err)
		}
		obj = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *Storage) run(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	if s.executor != nil {
		err = s.executor.Execute(ctx, op, fn, classifyMinioError)
	} else {
		err = fn(ctx)
	}
	return mapError(op, err)
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return domain.WrapError(domain.ErrNotFound, op, err)
	}
	if classifyMinioError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, op, err)
	}
	return err
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(unwrapAll(err))
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

// unwrapAll returns the innermost error, where minio.ErrorResponse lives.
func unwrapAll(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func classifyMinioError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case isNotFound(err):
		return resilience.ErrorClassification{}
	}
	resp := minio.ToErrorResponse(unwrapAll(err))
	if resp.StatusCode == 0 || resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

func contentType(key string) string {
	if len(key) > 5 && key[len(key)-5:] == ".json" {
		return "application/json"
	}
	return "application/octet-stream"
}
