// Package photokiosk holds types shared by the sync and slideshow packages.
package photokiosk

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Hash is the BLAKE3-256 digest of a cached file, recorded when the file is
// downloaded so later reads can be checked against it.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString is the first 16 hex digits, enough to tell files apart in logs.
func (h Hash) ShortString() string {
	return h.String()[:16]
}

// IsZero reports whether h was never set.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes the hex form produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if hex.DecodedLen(len(s)) != len(h) {
		return Hash{}, fmt.Errorf("hash %q: want %d hex digits, got %d", s, 2*len(h), len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("hash %q: %w", s, err)
	}
	return h, nil
}

// HashBytes hashes data in memory.
func HashBytes(data []byte) Hash {
	return blake3.Sum256(data)
}

// HashFile hashes the file at path and returns its size.
func HashFile(path string) (Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, 0, err
	}
	defer f.Close()

	hr := NewHashingReader(f)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return Hash{}, 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hr.Sum(), hr.BytesRead(), nil
}

// HashingReader hashes and counts everything read through it, so a download
// is fingerprinted while it streams into the cache.
type HashingReader struct {
	src    io.Reader
	hasher *blake3.Hasher
	read   int64
}

func NewHashingReader(src io.Reader) *HashingReader {
	return &HashingReader{src: src, hasher: blake3.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.src.Read(p)
	_, _ = hr.hasher.Write(p[:n])
	hr.read += int64(n)
	return n, err
}

// Sum is the digest of the bytes read so far.
func (hr *HashingReader) Sum() (h Hash) {
	hr.hasher.Sum(h[:0])
	return h
}

// BytesRead is the number of bytes read so far.
func (hr *HashingReader) BytesRead() int64 {
	return hr.read
}
