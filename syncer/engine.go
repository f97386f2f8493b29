// Package syncer mirrors the files named by the remote manifest into the
// local cache. Syncing is additive: entries are never deleted and an entry
// whose name already exists is never downloaded again.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/photo-kiosk/backend"
	"github.com/wolfeidau/photo-kiosk/download"
	"github.com/wolfeidau/photo-kiosk/ledger"
	"github.com/wolfeidau/photo-kiosk/manifest"
	"github.com/wolfeidau/photo-kiosk/remote"
	"github.com/wolfeidau/photo-kiosk/telemetry"
)

// Config holds sync engine configuration.
type Config struct {
	// Interval is the target time between the starts of two passes.
	Interval time.Duration

	// ManifestPath is the remote path of the manifest document.
	ManifestPath string

	// FetchTimeout bounds the manifest fetch.
	FetchTimeout time.Duration

	// DownloadTimeout bounds each file download.
	DownloadTimeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:        60 * time.Second,
		ManifestPath:    manifest.DefaultFileName,
		FetchTimeout:    30 * time.Second,
		DownloadTimeout: 5 * time.Minute,
	}
}

// State is the sync loop state.
type State int32

const (
	// Idle means no pass is running.
	Idle State = iota
	// Syncing means a pass is in progress.
	Syncing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// Store is the part of the cache store the engine needs.
type Store interface {
	backend.Writer
	Exists(ctx context.Context, name string) (bool, error)
}

// Recorder persists pass and file bookkeeping. *ledger.Ledger implements it.
type Recorder interface {
	RecordPass(ctx context.Context, p ledger.Pass) (*ledger.SyncState, error)
	RecordFile(ctx context.Context, rec *ledger.FileRecord) error
}

// PassResult contains the results of a sync pass.
type PassResult struct {
	ID         string
	Started    time.Time
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      int64
	Duration   time.Duration
	// Err is the pass-level error: a *ManifestFetchError, a
	// *manifest.MalformedManifestError or a *remote.AuthenticationError.
	Err error
	// FileErrors holds the per-file failures.
	FileErrors []*FileDownloadError
}

// Engine runs sync passes.
type Engine struct {
	config     Config
	fetcher    remote.Fetcher
	store      Store
	downloader *download.Downloader
	recorder   Recorder
	logger     *slog.Logger
	now        func() time.Time

	state atomic.Int32
	last  atomic.Pointer[PassResult]

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRecorder persists pass results and downloaded file records.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithDownloader shares a Downloader between engines.
func WithDownloader(d *download.Downloader) Option {
	return func(e *Engine) {
		e.downloader = d
	}
}

// New creates a sync engine.
func New(fetcher remote.Fetcher, store Store, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = def.ManifestPath
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = def.DownloadTimeout
	}

	e := &Engine{
		config:  cfg,
		fetcher: fetcher,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "syncer")
	if e.downloader == nil {
		e.downloader = download.New(store,
			download.WithTimeout(cfg.DownloadTimeout),
			download.WithLogger(e.logger),
		)
	}
	return e
}

// State returns the current loop state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LastResult returns the most recent pass result, or nil before the first pass.
func (e *Engine) LastResult() *PassResult {
	return e.last.Load()
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Start begins background sync passes. The first pass runs immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped || e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	go e.run(ctx)
	return nil
}

// Stop stops background sync passes and waits for the loop to exit. A pass in
// progress runs to completion first.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		result := e.runOnce(ctx)

		wait := max(e.config.Interval-result.Duration, 0)
		e.logger.Debug("sleeping until next pass", "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce performs a single sync pass.
func (e *Engine) RunOnce(ctx context.Context) *PassResult {
	return e.runOnce(ctx)
}

func (e *Engine) runOnce(ctx context.Context) *PassResult {
	ctx = telemetry.WithComponent(ctx, telemetry.ComponentSync)

	e.state.Store(int32(Syncing))
	defer e.state.Store(int32(Idle))

	result := &PassResult{
		ID:      uuid.NewString(),
		Started: e.now(),
	}
	logger := e.logger.With("pass_id", result.ID)
	logger.Debug("starting sync pass")

	m, err := e.fetchManifest(ctx)
	if err != nil {
		result.Err = err
	} else {
		e.syncFiles(ctx, logger, m, result)
	}

	result.Duration = e.now().Sub(result.Started)
	e.finish(ctx, logger, result)
	return result
}

func (e *Engine) fetchManifest(ctx context.Context) (*manifest.Manifest, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.config.FetchTimeout)
	defer cancel()

	text, err := e.fetcher.FetchText(fetchCtx, e.config.ManifestPath)
	if err != nil {
		var authErr *remote.AuthenticationError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &ManifestFetchError{Path: e.config.ManifestPath, Err: err}
	}

	m, err := manifest.Parse(text)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) syncFiles(ctx context.Context, logger *slog.Logger, m *manifest.Manifest, result *PassResult) {
	for _, p := range m.Paths {
		if e.interrupted(ctx) {
			logger.Info("sync pass interrupted", "remaining", len(m.Paths)-result.Downloaded-result.Skipped-result.Failed)
			return
		}
		name := manifest.FileName(p)

		exists, err := e.store.Exists(ctx, name)
		if err != nil {
			e.fileFailed(ctx, logger, result, &FileDownloadError{Name: name, RemotePath: p, Err: err})
			continue
		}
		if exists {
			result.Skipped++
			telemetry.RecordSyncFile(ctx, "skipped", 0)
			continue
		}

		res, err := e.downloadFile(ctx, m, p, name)
		if err != nil {
			e.fileFailed(ctx, logger, result, &FileDownloadError{Name: name, RemotePath: p, Err: err})
			// An authentication failure ends the pass.
			var authErr *remote.AuthenticationError
			if errors.As(err, &authErr) {
				result.Err = authErr
				return
			}
			continue
		}

		result.Downloaded++
		result.Bytes += res.Size
		telemetry.RecordSyncFile(ctx, "downloaded", res.Size)
		logger.Info("downloaded file", "name", name, "path", p, "size", res.Size, "hash", res.Hash.ShortString())

		if e.recorder != nil {
			rec := &ledger.FileRecord{
				Name:         name,
				RemotePath:   p,
				Size:         res.Size,
				Hash:         res.Hash,
				DownloadedAt: e.now(),
				PassID:       result.ID,
			}
			if err := e.recorder.RecordFile(ctx, rec); err != nil {
				logger.Warn("failed to record file", "name", name, "error", err)
			}
		}
	}
}

// interrupted reports whether the pass should stop before the next file.
func (e *Engine) interrupted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// downloadFile fetches one file into the cache. A started download is not
// cancelled by shutdown; the downloader bounds it with DownloadTimeout.
func (e *Engine) downloadFile(ctx context.Context, m *manifest.Manifest, p, name string) (*download.Result, error) {
	res, _, err := e.downloader.Fetch(context.WithoutCancel(ctx), name, func(dctx context.Context) (io.ReadCloser, error) {
		return e.fetcher.Fetch(dctx, m, p)
	})
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	return res, nil
}

func (e *Engine) fileFailed(ctx context.Context, logger *slog.Logger, result *PassResult, err *FileDownloadError) {
	result.Failed++
	result.FileErrors = append(result.FileErrors, err)
	telemetry.RecordSyncFile(ctx, "failed", 0)
	logger.Warn("file sync failed", "name", err.Name, "path", err.RemotePath, "error", err.Err)
}

func (e *Engine) finish(ctx context.Context, logger *slog.Logger, result *PassResult) {
	outcome := passOutcome(result)
	telemetry.RecordSyncPass(ctx, outcome, result.Duration)
	e.last.Store(result)

	if result.Err != nil {
		logger.Error("sync pass failed", "outcome", outcome, "error", result.Err, "duration", result.Duration)
	} else {
		logger.Info("sync pass complete",
			"downloaded", result.Downloaded,
			"skipped", result.Skipped,
			"failed", result.Failed,
			"bytes", result.Bytes,
			"duration", result.Duration,
		)
	}

	if e.recorder == nil {
		return
	}
	_, err := e.recorder.RecordPass(ctx, ledger.Pass{
		ID:         result.ID,
		Started:    result.Started,
		Interval:   e.config.Interval,
		Downloaded: result.Downloaded,
		Skipped:    result.Skipped,
		Failed:     result.Failed,
		Err:        result.Err,
	})
	if err != nil {
		logger.Warn("failed to record sync pass", "error", err)
	}
}

func passOutcome(r *PassResult) string {
	var (
		fetchErr *ManifestFetchError
		authErr  *remote.AuthenticationError
	)
	switch {
	case r.Err == nil && r.Failed > 0:
		return "partial"
	case r.Err == nil:
		return "success"
	case errors.Is(r.Err, context.Canceled):
		return "canceled"
	case errors.As(r.Err, &authErr):
		return "auth_error"
	case errors.Is(r.Err, manifest.ErrMalformedManifest):
		return "malformed"
	case errors.As(r.Err, &fetchErr):
		return "fetch_error"
	default:
		return "error"
	}
}
