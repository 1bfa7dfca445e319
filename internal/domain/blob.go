package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads objects to durable blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver moves settled trade history out of the primary store into blob
// storage.
type Archiver interface {
	// ArchiveSettledTrades uploads all non-OPEN trades created before the
	// cutoff as JSONL and returns the number of records archived.
	ArchiveSettledTrades(ctx context.Context, before time.Time) (int64, error)

	// PruneSettledTrades deletes archived non-OPEN trades created before
	// the cutoff from the primary store.
	PruneSettledTrades(ctx context.Context, before time.Time) (int64, error)
}
