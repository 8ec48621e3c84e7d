// Package storage mirrors snapshot images into an S3-compatible object store.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// SnapshotStore uploads snapshot images. Implementations must be safe for
// concurrent use.
type SnapshotStore interface {
	// PutSnapshot stores data under a key derived from name and the capture
	// time at, and returns that key.
	PutSnapshot(ctx context.Context, name string, at time.Time, data []byte) (string, error)
	HealthCheck(ctx context.Context) error
}

// Stats counts upload activity.
type Stats struct {
	TotalUploads  uint64
	UploadBytes   uint64
	UploadErrors  uint64
	ActiveUploads int32
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 403
	}
	return false
}

// IsRetryable reports whether a failed operation may succeed if repeated.
func IsRetryable(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.Retryable
	}
	return false
}

// ObjectKey builds "<prefix>/<yyyy>/<mm>/<dd>/<name>" from the capture day.
func ObjectKey(prefix string, at time.Time, name string) string {
	at = at.UTC()
	key := path.Join(at.Format("2006"), at.Format("01"), at.Format("02"), path.Base(name))
	if p := strings.Trim(prefix, "/"); p != "" {
		key = p + "/" + key
	}
	return key
}
