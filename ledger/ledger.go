// Package ledger persists sync bookkeeping in a bbolt database: the state of
// the sync loop and a record for every file it downloaded.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	photokiosk "github.com/wolfeidau/photo-kiosk"
	"go.etcd.io/bbolt"
)

// DefaultFileName is the database file created next to the cache directory.
const DefaultFileName = "photo_kiosk.db"

var (
	bucketSync  = []byte("sync")
	bucketFiles = []byte("files")

	keyState = []byte("state")
)

var (
	// ErrNotFound is returned when no record exists for a name.
	ErrNotFound = errors.New("ledger record not found")

	// ErrNotOpen is returned when the ledger is used before Open.
	ErrNotOpen = errors.New("ledger not open")
)

// SyncState is the persisted progress of the sync loop.
type SyncState struct {
	LastRun     time.Time     `json:"last_run"`
	LastSuccess time.Time     `json:"last_success,omitzero"`
	Interval    time.Duration `json:"interval"`
	LastPassID  string        `json:"last_pass_id,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Passes      int64         `json:"passes"`
	FailedPass  int64         `json:"failed_passes"`
	Downloaded  int64         `json:"downloaded"`
	Skipped     int64         `json:"skipped"`
	Failed      int64         `json:"failed"`
}

// Pass summarises one completed sync pass.
type Pass struct {
	ID         string
	Started    time.Time
	Interval   time.Duration
	Downloaded int
	Skipped    int
	Failed     int
	// Err is the pass-level error, nil when the manifest was fetched and parsed.
	Err error
}

// FileRecord describes a file the sync engine downloaded.
type FileRecord struct {
	Name         string          `json:"name"`
	RemotePath   string          `json:"remote_path"`
	Size         int64           `json:"size"`
	Hash         photokiosk.Hash `json:"hash"`
	DownloadedAt time.Time       `json:"downloaded_at"`
	PassID       string          `json:"pass_id,omitempty"`
}

// Ledger stores sync state and file records.
type Ledger struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger for the ledger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithNoSync disables fsync per transaction. Tests only.
func WithNoSync(noSync bool) Option {
	return func(l *Ledger) {
		l.noSync = noSync
	}
}

// New creates a Ledger. Call Open before use.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open opens the database at path, creating it and its buckets if needed.
func (l *Ledger) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  l.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSync, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	l.db = db
	l.logger.Debug("ledger opened", "path", path)
	return nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// RecordPass folds a finished pass into the persisted SyncState.
func (l *Ledger) RecordPass(_ context.Context, p Pass) (*SyncState, error) {
	if l.db == nil {
		return nil, ErrNotOpen
	}

	var state SyncState
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSync)
		if data := b.Get(keyState); data != nil {
			if err := json.Unmarshal(data, &state); err != nil {
				return fmt.Errorf("decoding sync state: %w", err)
			}
		}

		started := p.Started
		if started.IsZero() {
			started = l.now()
		}
		state.LastRun = started
		state.Interval = p.Interval
		state.LastPassID = p.ID
		state.Passes++
		state.Downloaded += int64(p.Downloaded)
		state.Skipped += int64(p.Skipped)
		state.Failed += int64(p.Failed)
		if p.Err != nil {
			state.FailedPass++
			state.LastError = p.Err.Error()
		} else {
			state.LastSuccess = started
			state.LastError = ""
		}

		data, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("encoding sync state: %w", err)
		}
		return b.Put(keyState, data)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SyncState returns the persisted state. A ledger with no passes returns a
// zero SyncState.
func (l *Ledger) SyncState(_ context.Context) (*SyncState, error) {
	if l.db == nil {
		return nil, ErrNotOpen
	}

	var state SyncState
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSync).Get(keyState)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("decoding sync state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// RecordFile stores the record for a downloaded file, replacing any earlier
// record with the same name.
func (l *Ledger) RecordFile(_ context.Context, rec *FileRecord) error {
	if l.db == nil {
		return ErrNotOpen
	}
	if rec.Name == "" {
		return errors.New("file record requires a name")
	}
	if rec.DownloadedAt.IsZero() {
		rec.DownloadedAt = l.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding file record: %w", err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).Put([]byte(rec.Name), data)
	})
}

// GetFile returns the record for name.
func (l *Ledger) GetFile(_ context.Context, name string) (*FileRecord, error) {
	if l.db == nil {
		return nil, ErrNotOpen
	}

	var rec FileRecord
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListFiles returns all file records ordered by name.
func (l *Ledger) ListFiles(_ context.Context) ([]FileRecord, error) {
	if l.db == nil {
		return nil, ErrNotOpen
	}

	var recs []FileRecord
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding file record %s: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// CountFiles returns the number of file records.
func (l *Ledger) CountFiles(_ context.Context) (int, error) {
	if l.db == nil {
		return 0, ErrNotOpen
	}

	var n int
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketFiles).Stats().KeyN
		return nil
	})
	return n, err
}
