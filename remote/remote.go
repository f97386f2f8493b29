// Package remote defines how the kiosk reads the manifest and selected files
// from the remote file-hosting service.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wolfeidau/photo-kiosk/manifest"
)

// ErrNotFound is returned when the remote has no item at the requested path.
var ErrNotFound = errors.New("remote item not found")

// Fetcher reads content from the remote drive.
type Fetcher interface {
	// FetchText returns the text document at path, relative to the drive root.
	FetchText(ctx context.Context, path string) (string, error)
	// Fetch streams the file at path, relative to the item the manifest
	// names. The caller must close the returned reader.
	Fetch(ctx context.Context, m *manifest.Manifest, path string) (io.ReadCloser, error)
}

// AuthenticationError reports that the remote rejected or could not be given
// credentials. It aborts the current sync pass only.
type AuthenticationError struct {
	Source string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Source, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// StatusError carries a non-success HTTP status and a snippet of the body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}
