// Package media defines the blob storage contract for uploaded and generated
// artifacts. The engine reads and writes media by URI, never by disk path, so
// the backing store can be swapped without touching the pipeline stages.
package media

import (
	"context"
	"errors"
	"io"
)

// Store persists media blobs and resolves them by URI.
type Store interface {
	// Put stores the blob under a new unique URI derived from name and
	// returns that URI.
	Put(ctx context.Context, name string, r io.Reader) (string, error)
	// Open returns the blob identified by the URI.
	// Returns ErrNotFound when no blob exists for the URI.
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// ErrNotFound indicates no blob exists for the given URI.
var ErrNotFound = errors.New("media not found")
