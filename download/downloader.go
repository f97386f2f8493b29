// Package download streams remote files into the cache. Requests for the
// same cache name that overlap share a single transfer.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	photokiosk "github.com/wolfeidau/photo-kiosk"
	"github.com/wolfeidau/photo-kiosk/backend"
)

// DefaultTimeout bounds one transfer.
const DefaultTimeout = 5 * time.Minute

// Result describes a file written to the cache.
type Result struct {
	Name string
	Hash photokiosk.Hash
	Size int64
}

// OpenFunc opens the remote body for a transfer. The caller closes it.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// Downloader writes remote bodies into a cache store.
type Downloader struct {
	dest     backend.Writer
	timeout  time.Duration
	inflight singleflight.Group
	logger   *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithTimeout bounds each transfer. Non-positive values keep DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// New creates a Downloader writing into dest.
func New(dest backend.Writer, opts ...Option) *Downloader {
	d := &Downloader{
		dest:    dest,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch stores the body returned by open under name. If a transfer for name
// is already running, Fetch waits for it instead and reports shared=true.
//
// The transfer does not inherit ctx's cancellation: when ctx ends first,
// Fetch returns ctx.Err() and the transfer carries on, bounded by the
// downloader's timeout.
func (d *Downloader) Fetch(ctx context.Context, name string, open OpenFunc) (res *Result, shared bool, err error) {
	ch := d.inflight.DoChan(name, func() (any, error) {
		return d.transfer(context.WithoutCancel(ctx), name, open)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			if !isContextErr(r.Err) {
				// Let the next pass retry instead of joining a failed call.
				d.inflight.Forget(name)
			}
			return nil, r.Shared, r.Err
		}
		if r.Shared {
			d.logger.Debug("joined running transfer", "name", name)
		}
		return r.Val.(*Result), r.Shared, nil
	}
}

func (d *Downloader) transfer(ctx context.Context, name string, open OpenFunc) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body, err := open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer body.Close()

	return Save(ctx, d.dest, name, body)
}

// Forget drops any record of a transfer for name so the next Fetch starts a
// new one.
func (d *Downloader) Forget(name string) {
	d.inflight.Forget(name)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
