package download

import (
	"context"
	"fmt"
	"io"

	photokiosk "github.com/wolfeidau/photo-kiosk"
	"github.com/wolfeidau/photo-kiosk/backend"
)

// Save streams body into the cache under name, hashing it in the same pass.
// A body that fails mid-stream leaves no entry behind: the cache write is atomic.
func Save(ctx context.Context, w backend.Writer, name string, body io.Reader) (*Result, error) {
	hr := photokiosk.NewHashingReader(body)

	if err := w.Write(ctx, name, hr); err != nil {
		return nil, fmt.Errorf("writing %s to cache: %w", name, err)
	}

	return &Result{
		Name: name,
		Hash: hr.Sum(),
		Size: hr.BytesRead(),
	}, nil
}
