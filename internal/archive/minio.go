package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIO archives objects in an S3-compatible bucket.
type MinIO struct {
	client     *minio.Client
	bucket     string
	region     string
	maxRetries uint64
	logger     *slog.Logger
}

// NewMinIO connects a client for cfg. It does not contact the server.
func NewMinIO(cfg Config, logger *slog.Logger) (*MinIO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return NewMinIOWithClient(client, cfg, logger)
}

// NewMinIOWithClient wraps an existing client.
func NewMinIOWithClient(client *minio.Client, cfg Config, logger *slog.Logger) (*MinIO, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = DefaultMaxRetries
	}
	return &MinIO{
		client:     client,
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		maxRetries: retries,
		logger:     logger,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (a *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Put uploads localPath unless an object with the same key already exists.
// Transient failures are retried with exponential backoff.
func (a *MinIO) Put(ctx context.Context, method, fingerprint, localPath string) error {
	key := ObjectKey(method, fingerprint)
	attempt := 0

	operation := func() error {
		attempt++
		exists, err := a.exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			a.logger.Debug("archive object exists", "key", key)
			return nil
		}
		_, err = a.client.FPutObject(ctx, a.bucket, key, localPath, minio.PutObjectOptions{
			ContentType:  "application/octet-stream",
			UserMetadata: map[string]string{"hash-method": method},
		})
		if errors.Is(err, fs.ErrNotExist) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("archive upload retry", "key", key, "attempt", attempt, "wait", wait, "error", err)
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), a.maxRetries)
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	a.logger.Debug("archived", "key", key, "path", localPath)
	return nil
}

func (a *MinIO) exists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
