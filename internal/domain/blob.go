package domain

import (
	"context"
	"io"
)

// BlobWriter uploads objects to blob storage. Put sends the object in one
// request; PutLarge streams it in concurrently uploaded parts and is meant
// for exports that run past a few megabytes.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutLarge(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader downloads and lists objects from blob storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Archiver exports terminal auctions to blob storage and prunes them from
// the primary store once uploaded.
type Archiver interface {
	ArchiveBefore(ctx context.Context, cutoffDays int) (int, error)
}
