package telemetry

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// InstrumentedTransport records a remote fetch metric for every request made
// through it. The metric is recorded when the response body is closed, so
// duration and byte counts cover the whole download.
type InstrumentedTransport struct {
	next   http.RoundTripper
	source string
}

// NewInstrumentedTransport wraps next, or http.DefaultTransport when next is
// nil. source names the remote ("graph", "s3") in metric attributes.
func NewInstrumentedTransport(next http.RoundTripper, source string) *InstrumentedTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &InstrumentedTransport{next: next, source: source}
}

func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		RecordRemoteFetch(ctx, t.source, time.Since(start), 0, transportErrorOutcome(ctx))
		return nil, err
	}

	resp.Body = &measuredBody{
		body: resp.Body,
		done: func(n int64) {
			RecordRemoteFetch(ctx, t.source, time.Since(start), n, fetchOutcome(resp.StatusCode))
		},
	}
	return resp, nil
}

func transportErrorOutcome(ctx context.Context) string {
	if ctx.Err() != nil {
		return "canceled"
	}
	return "error"
}

func fetchOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// measuredBody counts bytes read and reports them once on Close.
type measuredBody struct {
	body io.ReadCloser
	n    int64
	once sync.Once
	done func(n int64)
}

func (b *measuredBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *measuredBody) Close() error {
	b.once.Do(func() { b.done(b.n) })
	return b.body.Close()
}
