package storage

import "context"

// Service copies completed download files to durable object storage.
type Service interface {
	// EnsureBucket creates the bucket if missing and keeps its lifecycle
	// expiration rule in sync with configuration.
	EnsureBucket(ctx context.Context) error

	// Upload copies one local file and returns its remote locator.
	Upload(ctx context.Context, localFilePath string) (string, error)
}
