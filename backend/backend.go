// Package backend provides the cache store: a flat directory of synced files
// that the slideshow scheduler reads from.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a name does not exist in the cache.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName is returned for names that are not a single path element.
	ErrInvalidName = errors.New("invalid cache entry name")
)

// Entry describes a file in the cache.
type Entry struct {
	Name    string
	Size    int64
	Path    string
	ModTime time.Time
}

// Lister lists cache entries with their size metadata.
type Lister interface {
	// List returns the entries currently in the cache, sorted by name.
	// In-progress writes are never listed.
	List(ctx context.Context) ([]Entry, error)
}

// Sizer probes a single entry.
type Sizer interface {
	// Size returns the size in bytes of the named entry.
	// Returns ErrNotFound if the entry does not exist.
	Size(ctx context.Context, name string) (int64, error)
}

// Reader opens entries for display.
type Reader interface {
	// Read opens the named entry.
	// Returns ErrNotFound if the entry does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, name string) (io.ReadCloser, error)
}

// Writer stores entries.
type Writer interface {
	// Write stores data under the given name.
	// If the name already exists it is overwritten. Readers never observe a
	// partially written entry.
	Write(ctx context.Context, name string, r io.Reader) error
}

// Backend defines the cache store.
// Implementations must be safe for concurrent use: the sync engine writes while
// the scheduler lists and probes.
type Backend interface {
	Lister
	Sizer
	Reader
	Writer

	// Exists checks if a name exists.
	Exists(ctx context.Context, name string) (bool, error)
}
