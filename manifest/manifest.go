// Package manifest parses the selective sync list stored on the remote drive.
//
// The document looks like:
//
//	drive: <collectionId> id: <itemId>
//	relative/path/one.jpg
//	relative/path/two.jpg
//
// Lines may be separated by "\n", "\r\n" or "\r". Blank lines are ignored.
// Files saved with a UTF-8 byte order mark are accepted.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// DefaultFileName is the remote path of the manifest document.
const DefaultFileName = "selective_sync.list.txt"

// ErrMalformedManifest is matched by every MalformedManifestError.
var ErrMalformedManifest = errors.New("malformed manifest")

var (
	headerRe = regexp.MustCompile(`drive:\s*(\S+)\s+id:\s*(\S+)`)
	lineRe   = regexp.MustCompile(`\r\n|\n|\r`)
)

// MalformedManifestError is returned when the header line does not name a
// drive and item.
type MalformedManifestError struct {
	Line string
}

func (e *MalformedManifestError) Error() string {
	return fmt.Sprintf("malformed manifest header %q: expected \"drive: <id> id: <id>\"", e.Line)
}

func (e *MalformedManifestError) Unwrap() error {
	return ErrMalformedManifest
}

// Manifest is a parsed sync list.
type Manifest struct {
	// CollectionID identifies the drive (or bucket) holding the files.
	CollectionID string
	// ItemID identifies the folder item the paths are relative to.
	ItemID string
	// Paths are the relative paths to sync, in document order.
	Paths []string
}

// Parse parses a manifest document. A leading UTF-8 byte order mark is
// ignored, as is any text around the header's drive and id fields.
func Parse(text string) (*Manifest, error) {
	lines := lineRe.Split(strings.TrimPrefix(text, "\ufeff"), -1)

	m := headerRe.FindStringSubmatch(lines[0])
	if m == nil {
		return nil, &MalformedManifestError{Line: lines[0]}
	}

	mf := &Manifest{
		CollectionID: m[1],
		ItemID:       m[2],
	}
	for _, line := range lines[1:] {
		p := normalizePath(line)
		if p == "" {
			continue
		}
		mf.Paths = append(mf.Paths, p)
	}
	return mf, nil
}

// FileName returns the cache name for a manifest path. The cache is flat, so
// two paths with the same base name map to the same cache entry.
func FileName(p string) string {
	return path.Base(p)
}

// FileNames returns the cache names of all paths, in order.
func (m *Manifest) FileNames() []string {
	names := make([]string, 0, len(m.Paths))
	for _, p := range m.Paths {
		names = append(names, FileName(p))
	}
	return names
}

func normalizePath(line string) string {
	p := strings.TrimSpace(line)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimLeft(p, "/")
}
