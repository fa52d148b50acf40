package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves archived objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver moves closed position lineages into cold storage.
type Archiver interface {
	// ArchiveClosed uploads every position closed strictly before the
	// cutoff, together with its lots and exit records, and returns the
	// number of positions archived.
	ArchiveClosed(ctx context.Context, before time.Time) (int64, error)
}
