// Package storage defines the ChunkStore interface for durable,
// offset-addressable upload payload storage.
//
// New backends are added by implementing the ChunkStore interface and
// registering with the factory via an init() function in the backend's own
// package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.ChunkStore, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
//
// Stores speak in their own error vocabulary (ErrNotExist, ErrTailMismatch)
// rather than protocol errors; the engine maps these onto client-facing ones.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist reports that no chunk resource exists for the requested upload ID.
var ErrNotExist = errors.New("chunk resource does not exist")

// ErrTailMismatch reports that an append's starting offset does not equal the
// store's durably recorded tail length.
var ErrTailMismatch = errors.New("append offset does not match stored tail")

// ChunkStore is durable byte storage for upload payloads, one resource per
// upload ID. Implementations must guarantee that the recorded tail length
// only ever covers bytes that reached stable storage: a crashed or failed
// append may lose the unflushed suffix of a chunk, but it must never record
// a tail beyond what survives.
//
// Callers serialize all operations on a given ID; operations on distinct IDs
// may run concurrently.
type ChunkStore interface {
	// Allocate creates the backing resource for a new upload. length is the
	// declared total size, or -1 when the length is deferred.
	Allocate(ctx context.Context, id string, length int64) error

	// Append writes src to the resource starting exactly at offset, which
	// must equal the current tail (ErrTailMismatch otherwise). The bytes are
	// flushed before the new tail is recorded.
	//
	// If verify is non-nil it runs after the full stream was copied and
	// flushed but before the tail advances; a verify error discards the
	// just-written bytes, leaves the tail unchanged, and is returned
	// verbatim. This is how the engine vetoes a chunk whose checksum does
	// not match.
	//
	// On a copy failure without verify, the store records the flushed
	// prefix as the new tail and returns its size alongside the error, so
	// partial progress survives a dropped connection.
	Append(ctx context.Context, id string, offset int64, src io.Reader, verify func() error) (int64, error)

	// Tail returns the durably recorded length of the resource.
	Tail(ctx context.Context, id string) (int64, error)

	// Reader streams the resource's content from the beginning.
	Reader(ctx context.Context, id string) (io.ReadCloser, error)

	// Concat writes the ordered concatenation of the source resources into
	// the destination resource, which must exist and be empty. It returns
	// the total number of bytes written.
	Concat(ctx context.Context, destID string, srcIDs []string) (int64, error)

	// Finalize marks the resource complete and returns a stable reference
	// to it (for the local store, the absolute path of the payload file).
	Finalize(ctx context.Context, id string) (string, error)

	// Delete removes the backing resource. Deleting an absent resource is
	// not an error.
	Delete(ctx context.Context, id string) error
}
