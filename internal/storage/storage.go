// Package storage archives finished render outputs to object storage and
// serves signed download URLs for them.
package storage

import (
	"context"
	"io"
	"time"
)

// Object holds metadata about a stored object.
type Object struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Interface is the object storage contract the orchestrator depends on.
// The S3 implementation talks to any S3-compatible endpoint (Cloudflare R2
// in production); the filesystem implementation backs dev and tests.
type Interface interface {
	// Put uploads size bytes from r to key and returns the stored object's
	// metadata.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error)

	// Stat retrieves object metadata without downloading content. Used to
	// verify uploads before local files are deleted.
	Stat(ctx context.Context, key string) (*Object, error)

	// GetStream returns a readable stream for the object. Caller closes it.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	Delete(ctx context.Context, key string) error

	// PresignGet returns a time-limited download URL that serves the object
	// as an attachment named filename.
	PresignGet(ctx context.Context, key, filename string, expiry time.Duration) (string, error)
}
