package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage. A missing object returns an
// error wrapping ErrNotFound.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// DrawArchiver writes immutable receipts for paid-out rounds to cold storage.
type DrawArchiver interface {
	ArchiveDraw(ctx context.Context, d DrawRecord) (path string, err error)
	ReceiptPath(round uint64) string
}
