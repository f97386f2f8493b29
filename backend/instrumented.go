package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/photo-kiosk/telemetry"
)

// InstrumentedBackend records a cache store metric for every operation on
// the wrapped Backend. Reads are recorded when the caller closes the reader.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, name string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, name, cr)
	ib.observe(ctx, "write", start, err, cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, name)
	if err != nil {
		ib.observe(ctx, "read", start, err, 0)
		return nil, err
	}
	return &countingReadCloser{ReadCloser: rc, ctx: ctx, backend: ib.name, start: start}, nil
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, name string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, name)
	ib.observe(ctx, "exists", start, err, 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context) ([]Entry, error) {
	start := time.Now()
	entries, err := ib.backend.List(ctx)
	ib.observe(ctx, "list", start, err, 0)
	return entries, err
}

func (ib *InstrumentedBackend) Size(ctx context.Context, name string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Size(ctx, name)
	ib.observe(ctx, "size", start, err, 0)
	return size, err
}

func (ib *InstrumentedBackend) observe(ctx context.Context, op string, start time.Time, err error, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), n)
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// countingReadCloser records the read once the caller closes it.
type countingReadCloser struct {
	io.ReadCloser
	ctx      context.Context
	backend  string
	start    time.Time
	n        int64
	recorded bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	if !c.recorded {
		c.recorded = true
		telemetry.RecordBackendOp(c.ctx, c.backend, "read", "success", time.Since(c.start), c.n)
	}
	return c.ReadCloser.Close()
}

var _ Backend = (*InstrumentedBackend)(nil)
