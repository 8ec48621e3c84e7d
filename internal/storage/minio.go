package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Prefix          string

	// MaxUploads bounds concurrent uploads.
	MaxUploads int

	ConnectTimeout time.Duration

	// Retry settings. The client's own retries are disabled so these are
	// the only ones.
	MaxRetries   int
	RetryBackoff time.Duration
}

type minioMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

// MinIOStore implements SnapshotStore using MinIO
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	prefix     string
	logger     *zap.Logger
	config     MinIOConfig
	uploadPool chan struct{}

	metrics minioMetrics
}

// NewMinIOStore connects and ensures the bucket exists.
func NewMinIOStore(ctx context.Context, config MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	if config.MaxUploads <= 0 {
		config.MaxUploads = 4
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:      credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure:     config.UseSSL,
		Region:     config.Region,
		MaxRetries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:     minioClient,
		bucket:     config.Bucket,
		prefix:     config.Prefix,
		logger:     logger.Named("minio-store"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

func (s *MinIOStore) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.MaxElapsedTime = 30 * time.Second
	ebo.Reset()
	if s.config.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return ebo
}

// PutSnapshot uploads a JPEG under a key partitioned by the capture day.
func (s *MinIOStore) PutSnapshot(ctx context.Context, name string, at time.Time, data []byte) (string, error) {
	key := ObjectKey(s.prefix, at, name)

	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return "", &StorageError{Op: "put", Key: key, Err: ctx.Err()}
	}
	s.metrics.ActiveUploads.Add(1)
	defer s.metrics.ActiveUploads.Add(-1)

	putOpts := minio.PutObjectOptions{
		ContentType:  "image/jpeg",
		CacheControl: "private, max-age=86400",
	}

	op := func() error {
		info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), putOpts)
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			if code := statusCode(err); code == http.StatusForbidden || code == http.StatusBadRequest {
				return backoff.Permanent(&StorageError{Op: "put", Key: key, Err: err, StatusCode: code})
			}
			return err
		}

		s.metrics.TotalUploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))

		s.logger.Debug("Snapshot uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		if serr, ok := err.(*StorageError); ok {
			return "", serr
		}
		return "", &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: statusCode(err),
			Retryable:  true,
		}
	}
	return key, nil
}

// HealthCheck verifies the storage is accessible
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket)}
	}
	return nil
}

// Stats returns upload counters.
func (s *MinIOStore) Stats() Stats {
	return Stats{
		TotalUploads:  s.metrics.TotalUploads.Load(),
		UploadBytes:   s.metrics.UploadBytes.Load(),
		UploadErrors:  s.metrics.UploadErrors.Load(),
		ActiveUploads: s.metrics.ActiveUploads.Load(),
	}
}

// statusCode extracts HTTP status code from MinIO error
func statusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return http.StatusNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return http.StatusForbidden
		case "InvalidArgument", "InvalidBucketName":
			return http.StatusBadRequest
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
