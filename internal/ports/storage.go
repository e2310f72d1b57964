// Package ports declares the contracts between the pipeline and its
// pluggable collaborators.
package ports

import (
	"context"
	"io"
	"time"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// ObjectKey is the store-assigned key for later reads. localfs and
	// s3 echo the requested key; gdrive returns the Drive fileId.
	ObjectKey string
	Size      int64
}

type SignedURLOutput struct {
	URL       string
	ExpiresAt time.Time
}

// StorageProvider is the artifact store contract. Artifacts are
// immutable: each key is written at most once.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	StatObject(ctx context.Context, objectKey string) (size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error

	// GetSignedURL returns a time-limited download URL, or an empty URL
	// when the provider cannot sign (localfs, gdrive).
	GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (SignedURLOutput, error)
}
