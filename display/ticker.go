// Package display drives the slideshow: it pops the next queued entry on a
// fixed cadence, decodes it and hands the frame to a renderer.
package display

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/photo-kiosk/backend"
	"github.com/wolfeidau/photo-kiosk/decode"
	"github.com/wolfeidau/photo-kiosk/scheduler"
	"github.com/wolfeidau/photo-kiosk/telemetry"
)

// ImageDecodeError is returned when a queued entry could not be decoded. The
// previous frame stays on screen.
type ImageDecodeError struct {
	Name string
	Err  error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("decoding %s: %v", e.Name, e.Err)
}

func (e *ImageDecodeError) Unwrap() error {
	return e.Err
}

// Queue supplies the next entry to display.
type Queue interface {
	Next(ctx context.Context) (scheduler.Slot, bool)
}

// Config holds ticker configuration.
type Config struct {
	// SlideDuration is the target time each image stays on screen.
	SlideDuration time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{SlideDuration: 15 * time.Second}
}

// TickState is the ticker's bookkeeping.
type TickState struct {
	LastName      string
	LastDisplayed time.Time
	LastWork      time.Duration
	NextWait      time.Duration
	Ticks         uint64
	Displayed     uint64
	Failures      uint64
}

// Ticker fires every SlideDuration, compensating for the time spent on the
// previous tick.
type Ticker struct {
	queue    Queue
	store    backend.Reader
	decoder  decode.Decoder
	renderer Renderer
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	state TickState
}

// Option configures a Ticker.
type Option func(*Ticker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Ticker) {
		t.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(t *Ticker) {
		t.now = now
	}
}

// WithDecoder sets the image decoder.
func WithDecoder(d decode.Decoder) Option {
	return func(t *Ticker) {
		t.decoder = d
	}
}

// NewTicker creates a ticker reading queued entries from store.
func NewTicker(queue Queue, store backend.Reader, renderer Renderer, cfg Config, opts ...Option) *Ticker {
	if cfg.SlideDuration <= 0 {
		cfg.SlideDuration = DefaultConfig().SlideDuration
	}
	t := &Ticker{
		queue:    queue,
		store:    store,
		renderer: renderer,
		config:   cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "display")
	if t.decoder == nil {
		t.decoder = decode.New(decode.DefaultConfig(), decode.WithLogger(t.logger))
	}
	return t
}

// Run ticks until ctx is cancelled. The first tick fires immediately. A tick
// in progress when ctx is cancelled runs to completion.
func (t *Ticker) Run(ctx context.Context) error {
	var wait time.Duration
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		work := t.Tick(ctx)
		wait = nextWait(t.config.SlideDuration, work)

		t.mu.Lock()
		t.state.NextWait = wait
		t.mu.Unlock()
	}
}

// nextWait shortens the next wait by the work already done, never below zero.
func nextWait(slide, work time.Duration) time.Duration {
	return max(slide-work, 0)
}

// Tick displays the next queued entry and returns the time the work took.
// Failures are logged and leave the previous frame in place.
func (t *Ticker) Tick(ctx context.Context) time.Duration {
	start := t.now()
	slot, ok := t.queue.Next(ctx)

	// The rest of the tick finishes even if ctx is cancelled meanwhile.
	work := context.WithoutCancel(telemetry.WithComponent(ctx, telemetry.ComponentSlideshow))

	outcome, err := t.show(work, slot, ok)
	elapsed := t.now().Sub(start)
	telemetry.RecordTick(work, outcome, elapsed)

	t.mu.Lock()
	t.state.Ticks++
	t.state.LastWork = elapsed
	switch {
	case err != nil:
		t.state.Failures++
	case outcome == "displayed":
		t.state.Displayed++
		t.state.LastName = slot.Entry.Name
		t.state.LastDisplayed = start
	}
	t.mu.Unlock()

	switch {
	case err != nil:
		t.logger.Warn("tick failed, keeping previous frame", "name", slot.Entry.Name, "outcome", outcome, "error", err)
	case outcome == "empty":
		t.logger.Debug("queue not populated, skipping tick")
	}
	return elapsed
}

func (t *Ticker) show(ctx context.Context, slot scheduler.Slot, ok bool) (string, error) {
	if !ok {
		return "empty", nil
	}
	name := slot.Entry.Name

	rc, err := t.store.Read(ctx, name)
	if err != nil {
		return "read_error", fmt.Errorf("opening %s: %w", name, err)
	}
	img, err := t.decoder.Decode(ctx, name, rc)
	_ = rc.Close()
	if err != nil {
		return "decode_error", &ImageDecodeError{Name: name, Err: err}
	}

	t.mu.Lock()
	seq := t.state.Displayed + 1
	t.mu.Unlock()

	frame := Frame{
		Name:        name,
		Image:       img,
		Seq:         seq,
		DisplayedAt: t.now(),
	}
	if err := t.renderer.Render(ctx, frame); err != nil {
		return "render_error", fmt.Errorf("rendering %s: %w", name, err)
	}
	return "displayed", nil
}

// State returns a copy of the tick bookkeeping.
func (t *Ticker) State() TickState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Config returns the ticker configuration.
func (t *Ticker) Config() Config {
	return t.config
}
