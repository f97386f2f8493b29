package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tmpPrefix = ".tmp-"

// Filesystem implements Backend using a single local directory.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem cache rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fsys *Filesystem) Root() string {
	return fsys.root
}

// Write stores data under name using atomic write.
func (fsys *Filesystem) Write(ctx context.Context, name string, r io.Reader) error {
	path, err := fsys.namePath(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(fsys.root, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read opens the named entry.
func (fsys *Filesystem) Read(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := fsys.namePath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Exists checks if a name exists.
func (fsys *Filesystem) Exists(ctx context.Context, name string) (bool, error) {
	path, err := fsys.namePath(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns the regular files in the cache directory.
// Files that disappear between the directory read and the stat are skipped.
func (fsys *Filesystem) List(ctx context.Context) ([]Entry, error) {
	dirEntries, err := os.ReadDir(fsys.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, d := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", d.Name(), err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, Entry{
			Name:    d.Name(),
			Size:    info.Size(),
			Path:    filepath.Join(fsys.root, d.Name()),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Size returns the size of the named entry.
func (fsys *Filesystem) Size(ctx context.Context, name string) (int64, error) {
	path, err := fsys.namePath(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// namePath converts a cache name to a filesystem path. The cache is flat so a
// name must be a single path element.
func (fsys *Filesystem) namePath(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, tmpPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(fsys.root, name), nil
}

// ctxReader stops a copy once the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// Compile-time interface checks
var _ Backend = (*Filesystem)(nil)
