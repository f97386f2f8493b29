// Package decode turns cached files into images ready for display.
package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"

	// Registered image formats.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultMaxFileSize bounds the bytes read for one image (64MB).
	DefaultMaxFileSize = 64 << 20
	// DefaultMaxPixels bounds the declared dimensions of one image (100MP).
	DefaultMaxPixels = 100_000_000
)

// ErrTooLarge is returned for files over the configured size or pixel limit.
var ErrTooLarge = errors.New("image file too large")

// Decoder decodes an image file.
type Decoder interface {
	Decode(ctx context.Context, name string, r io.Reader) (image.Image, error)
}

// DecoderFunc adapts a function to a Decoder.
type DecoderFunc func(ctx context.Context, name string, r io.Reader) (image.Image, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(ctx context.Context, name string, r io.Reader) (image.Image, error) {
	return f(ctx, name, r)
}

// Config holds decoder configuration.
type Config struct {
	// MaxWidth and MaxHeight bound the decoded image. Larger images are
	// scaled down to fit, preserving aspect ratio. Zero disables fitting.
	MaxWidth  int
	MaxHeight int

	// MaxFileSize bounds the bytes read per file.
	MaxFileSize int64

	// MaxPixels bounds width*height as declared by the image header, checked
	// before any pixel data is decoded.
	MaxPixels int64
}

// DefaultConfig returns a configuration fitting a 1080p display.
func DefaultConfig() Config {
	return Config{
		MaxWidth:    1920,
		MaxHeight:   1080,
		MaxFileSize: DefaultMaxFileSize,
		MaxPixels:   DefaultMaxPixels,
	}
}

// ImageDecoder decodes JPEG, PNG, GIF, BMP, TIFF and WebP, applies EXIF
// orientation and fits the result to the display.
type ImageDecoder struct {
	config Config
	logger *slog.Logger
}

var _ Decoder = (*ImageDecoder)(nil)

// Option configures an ImageDecoder.
type Option func(*ImageDecoder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *ImageDecoder) {
		d.logger = logger
	}
}

// New creates an ImageDecoder.
func New(cfg Config, opts ...Option) *ImageDecoder {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	d := &ImageDecoder{
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "decode")
	return d
}

// Decode reads the file fully, then decodes it. EXIF is read from the same
// bytes, so the reader is consumed once.
func (d *ImageDecoder) Decode(ctx context.Context, name string, r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, d.config.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if int64(len(data)) > d.config.MaxFileSize {
		return nil, fmt.Errorf("%s: %w (limit %d bytes)", name, ErrTooLarge, d.config.MaxFileSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hdr, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	if pixels := int64(hdr.Width) * int64(hdr.Height); pixels > d.config.MaxPixels {
		return nil, fmt.Errorf("%s: %w (%dx%d exceeds %d pixels)", name, ErrTooLarge, hdr.Width, hdr.Height, d.config.MaxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}

	orientation := Orientation(bytes.NewReader(data))
	img = applyOrientation(img, orientation)

	if d.config.MaxWidth > 0 && d.config.MaxHeight > 0 {
		b := img.Bounds()
		if b.Dx() > d.config.MaxWidth || b.Dy() > d.config.MaxHeight {
			img = imaging.Fit(img, d.config.MaxWidth, d.config.MaxHeight, imaging.Lanczos)
		}
	}

	d.logger.Debug("decoded image",
		"name", name,
		"format", format,
		"orientation", orientation,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy(),
	)
	return img, nil
}

// Orientation returns the EXIF orientation tag, or 1 when absent.
func Orientation(r io.Reader) int {
	x, err := exif.Decode(r)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// applyOrientation transforms an image according to its EXIF orientation.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
