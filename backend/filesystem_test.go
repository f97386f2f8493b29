package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "photo_kiosk_cache")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("jpeg bytes")

	require.NoError(t, fs.Write(ctx, "beach.jpg", bytes.NewReader(data)))

	rc, err := fs.Read(ctx, "beach.jpg")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "missing.jpg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "a.jpg")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, "a.jpg", bytes.NewReader([]byte("data"))))

	exists, err = fs.Exists(ctx, "a.jpg")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemSize(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("test data for size check")

	require.NoError(t, fs.Write(ctx, "size.jpg", bytes.NewReader(data)))

	size, err := fs.Size(ctx, "size.jpg")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	_, err = fs.Size(ctx, "nonexistent.jpg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "c.jpg", bytes.NewReader([]byte("ccc"))))
	require.NoError(t, fs.Write(ctx, "a.jpg", bytes.NewReader([]byte("a"))))
	require.NoError(t, fs.Write(ctx, "empty.jpg", bytes.NewReader(nil)))

	// In-progress downloads and subdirectories are not entries
	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), ".tmp-123"), []byte("partial"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(fs.Root(), "nested"), 0o755))

	entries, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	require.Equal(t, "a.jpg", entries[0].Name)
	require.Equal(t, int64(1), entries[0].Size)
	require.Equal(t, filepath.Join(fs.Root(), "a.jpg"), entries[0].Path)
	require.Equal(t, "c.jpg", entries[1].Name)
	require.Equal(t, int64(3), entries[1].Size)
	require.Equal(t, "empty.jpg", entries[2].Name)
	require.Zero(t, entries[2].Size)
}

func TestFilesystemListEmpty(t *testing.T) {
	fs := newTestFilesystem(t)

	entries, err := fs.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "over.jpg", bytes.NewReader([]byte("initial"))))

	newData := []byte("new content that is longer")
	require.NoError(t, fs.Write(ctx, "over.jpg", bytes.NewReader(newData)))

	rc, err := fs.Read(ctx, "over.jpg")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, newData, got)
}

func TestFilesystemFailedWriteLeavesNoEntry(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	err := fs.Write(ctx, "broken.jpg", &failingReader{data: []byte("half a pic")})
	require.Error(t, err)

	exists, err := fs.Exists(ctx, "broken.jpg")
	require.NoError(t, err)
	require.False(t, exists)

	entries, err := fs.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFilesystemWriteCancelled(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fs.Write(ctx, "late.jpg", bytes.NewReader([]byte("data")))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFilesystemInvalidNames(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for _, name := range []string{"", ".", "..", "a/b.jpg", `a\b.jpg`, ".tmp-x"} {
		err := fs.Write(ctx, name, bytes.NewReader([]byte("x")))
		require.ErrorIs(t, err, ErrInvalidName, "name %q", name)

		_, err = fs.Exists(ctx, name)
		require.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

// Helper functions

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

type failingReader struct {
	data []byte
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, errors.New("connection reset")
	}
	r.done = true
	return copy(p, r.data), nil
}
