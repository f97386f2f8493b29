package backend

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedBackend_Write(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "cache")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "beach.jpg", strings.NewReader("hello world")))

	exists, err := ib.Exists(ctx, "beach.jpg")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestInstrumentedBackend_Read_CountsBytes(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "cache")
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "snow.jpg", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "snow.jpg")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	crc, ok := rc.(*countingReadCloser)
	require.True(t, ok)
	require.Equal(t, int64(len(content)), crc.n)

	// Close triggers metric recording and must not error
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "cache")

	_, err = ib.Read(context.Background(), "missing.jpg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_ListAndSize(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "cache")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "a.jpg", strings.NewReader("aaa")))
	require.NoError(t, ib.Write(ctx, "b.jpg", strings.NewReader("bbbbb")))

	entries, err := ib.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	size, err := ib.Size(ctx, "b.jpg")
	require.NoError(t, err)
	require.Equal(t, int64(5), size)

	require.Same(t, fs, ib.Unwrap())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(errors.Join(errors.New("wrapped"), ErrNotFound)))
	require.Equal(t, "error", outcomeFromError(errors.New("boom")))
}
