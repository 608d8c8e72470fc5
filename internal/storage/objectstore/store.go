package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("object not found")

// Store abstracts S3-compatible object storage. Objects are write-once from
// the caller's point of view; there is no delete.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, opts PutOptions) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	// Stat returns ErrNotFound when the key is absent.
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

type PutOptions struct {
	ContentType  string
	CacheControl string
	// Metadata keys are lowercase; stores return them the same way.
	Metadata map[string]string
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}
