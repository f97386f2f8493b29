package display

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
)

// Frame is a decoded image ready to show.
type Frame struct {
	Name        string
	Image       image.Image
	Seq         uint64
	DisplayedAt time.Time
}

// Renderer presents frames. Render is called from the ticker goroutine and
// should hand the frame off rather than block on presentation.
type Renderer interface {
	Render(ctx context.Context, f Frame) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(ctx context.Context, f Frame) error

// Render implements Renderer.
func (fn RendererFunc) Render(ctx context.Context, f Frame) error {
	return fn(ctx, f)
}

// ChannelRenderer publishes frames onto a channel for a presentation loop
// that owns the screen. Sends never block: when the consumer is behind, the
// frame is dropped and counted.
type ChannelRenderer struct {
	ch      chan Frame
	dropped atomic.Uint64
}

var _ Renderer = (*ChannelRenderer)(nil)

// NewChannelRenderer creates a ChannelRenderer with the given buffer size.
func NewChannelRenderer(buffer int) *ChannelRenderer {
	return &ChannelRenderer{ch: make(chan Frame, buffer)}
}

// Frames returns the channel the presentation loop reads.
func (c *ChannelRenderer) Frames() <-chan Frame {
	return c.ch
}

// Dropped returns the number of frames dropped because the consumer was busy.
func (c *ChannelRenderer) Dropped() uint64 {
	return c.dropped.Load()
}

// Render implements Renderer.
func (c *ChannelRenderer) Render(_ context.Context, f Frame) error {
	select {
	case c.ch <- f:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// LogRenderer logs each frame. Useful headless and in development.
type LogRenderer struct {
	logger *slog.Logger
}

// NewLogRenderer creates a LogRenderer.
func NewLogRenderer(logger *slog.Logger) *LogRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRenderer{logger: logger.With("component", "renderer")}
}

// Render implements Renderer.
func (l *LogRenderer) Render(_ context.Context, f Frame) error {
	b := f.Image.Bounds()
	l.logger.Info("frame", "seq", f.Seq, "name", f.Name, "width", b.Dx(), "height", b.Dy())
	return nil
}

// FileRenderer writes the current frame to a JPEG file that an external
// viewer watches. The file is replaced atomically.
type FileRenderer struct {
	path    string
	quality int
}

// NewFileRenderer creates a FileRenderer writing to path.
func NewFileRenderer(path string, quality int) *FileRenderer {
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &FileRenderer{path: path, quality: quality}
}

// Path returns the output file path.
func (r *FileRenderer) Path() string {
	return r.path
}

// Render implements Renderer.
func (r *FileRenderer) Render(_ context.Context, f Frame) error {
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".frame-*")
	if err != nil {
		return fmt.Errorf("creating temp frame: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := imaging.Encode(tmp, f.Image, imaging.JPEG, imaging.JPEGQuality(r.quality)); err != nil {
		return fmt.Errorf("encoding frame %s: %w", f.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp frame: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("renaming frame: %w", err)
	}

	success = true
	return nil
}
