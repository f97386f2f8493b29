// Package kiosk assembles the sync engine, image queue, display ticker and
// status server from configuration and runs them together.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/wolfeidau/photo-kiosk/backend"
	"github.com/wolfeidau/photo-kiosk/config"
	"github.com/wolfeidau/photo-kiosk/credentials"
	"github.com/wolfeidau/photo-kiosk/decode"
	"github.com/wolfeidau/photo-kiosk/display"
	"github.com/wolfeidau/photo-kiosk/download"
	"github.com/wolfeidau/photo-kiosk/ledger"
	"github.com/wolfeidau/photo-kiosk/remote"
	"github.com/wolfeidau/photo-kiosk/remote/graph"
	"github.com/wolfeidau/photo-kiosk/remote/s3source"
	"github.com/wolfeidau/photo-kiosk/scheduler"
	"github.com/wolfeidau/photo-kiosk/server"
	"github.com/wolfeidau/photo-kiosk/syncer"
)

const shutdownTimeout = 10 * time.Second

// Kiosk owns every long-running component.
type Kiosk struct {
	config *config.Config
	logger *slog.Logger

	creds    *credentials.Credentials
	fetcher  remote.Fetcher
	renderer display.Renderer

	store  backend.Backend
	ledger *ledger.Ledger
	engine *syncer.Engine
	queue  *scheduler.Queue
	ticker *display.Ticker
	server *server.Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
}

// Option configures a Kiosk.
type Option func(*Kiosk)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kiosk) {
		k.logger = logger
	}
}

// WithCredentials supplies already resolved credentials instead of reading
// the configured credentials file.
func WithCredentials(creds *credentials.Credentials) Option {
	return func(k *Kiosk) {
		k.creds = creds
	}
}

// WithFetcher replaces the configured remote.
func WithFetcher(f remote.Fetcher) Option {
	return func(k *Kiosk) {
		k.fetcher = f
	}
}

// WithRenderer replaces the configured renderer.
func WithRenderer(r display.Renderer) Option {
	return func(k *Kiosk) {
		k.renderer = r
	}
}

// New builds the kiosk. The ledger is opened here; call Shutdown to release
// it even if Start is never called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Kiosk, error) {
	k := &Kiosk{
		config: cfg,
		logger: slog.Default(),
		errCh:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(k)
	}

	if k.creds == nil {
		creds, err := LoadCredentials(ctx, cfg, k.logger)
		if err != nil {
			return nil, err
		}
		k.creds = creds
	}

	if k.fetcher == nil {
		f, err := NewFetcher(ctx, cfg, k.creds, k.logger)
		if err != nil {
			return nil, err
		}
		k.fetcher = f
	}

	fsys, err := backend.NewFilesystem(cfg.Cache.Dir())
	if err != nil {
		return nil, fmt.Errorf("creating cache store: %w", err)
	}
	k.store = backend.NewInstrumentedBackend(fsys, "filesystem")

	k.ledger = ledger.New(ledger.WithLogger(k.logger.With("component", "ledger")))
	if err := k.ledger.Open(LedgerPath(cfg)); err != nil {
		return nil, err
	}

	syncCfg := SyncerConfig(cfg)
	downloads := download.New(k.store,
		download.WithTimeout(syncCfg.DownloadTimeout),
		download.WithLogger(k.logger.With("component", "download")),
	)
	k.engine = syncer.New(k.fetcher, k.store, syncCfg,
		syncer.WithLogger(k.logger),
		syncer.WithRecorder(k.ledger),
		syncer.WithDownloader(downloads),
	)

	k.queue = scheduler.New(k.store, SchedulerConfig(cfg), scheduler.WithLogger(k.logger))

	if k.renderer == nil {
		k.renderer = NewRenderer(cfg, k.logger)
	}
	dec := decode.New(decode.Config{
		MaxWidth:  cfg.Slideshow.DisplayWidth,
		MaxHeight: cfg.Slideshow.DisplayHeight,
	}, decode.WithLogger(k.logger))
	k.ticker = display.NewTicker(k.queue, k.store, k.renderer,
		display.Config{SlideDuration: cfg.Slideshow.SlideDuration},
		display.WithLogger(k.logger),
		display.WithDecoder(dec),
	)

	if cfg.Server.Address != "" {
		k.server = server.New(server.Config{
			Address:   cfg.Server.Address,
			AuthToken: k.creds.AuthToken,
			Logger:    k.logger,
		},
			server.WithSync(k.engine),
			server.WithLedger(k.ledger),
			server.WithQueue(k.queue),
			server.WithDisplay(k.ticker),
		)
	}

	return k, nil
}

// LedgerPath places the ledger next to the cache directory.
func LedgerPath(cfg *config.Config) string {
	return filepath.Join(cfg.Cache.Root, ledger.DefaultFileName)
}

// SyncerConfig maps configuration onto the sync engine.
func SyncerConfig(cfg *config.Config) syncer.Config {
	return syncer.Config{
		Interval:        cfg.Sync.Interval,
		ManifestPath:    cfg.Sync.ManifestFileName,
		FetchTimeout:    cfg.Sync.FetchTimeout,
		DownloadTimeout: cfg.Sync.DownloadTimeout,
	}
}

// SchedulerConfig maps configuration onto the image queue.
func SchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Capacity:        cfg.Slideshow.QueueCapacity,
		MinRefreshCount: cfg.Slideshow.MinRefreshCount,
		FileListRefresh: cfg.Slideshow.FileListRefresh,
		MaxDraws:        cfg.Slideshow.MaxDraws,
	}
}

// LoadCredentials resolves the configured credentials template. Without a
// template the kiosk runs with empty credentials.
func LoadCredentials(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*credentials.Credentials, error) {
	if cfg.Credentials.File == "" {
		return &credentials.Credentials{}, nil
	}
	r := credentials.NewResolver(
		credentials.WithLogger(logger.With("component", "credentials")),
		credentials.WithOnePassword(),
	)
	creds, err := r.ResolveFile(ctx, cfg.Credentials.File)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}

// NewFetcher builds the configured remote.
func NewFetcher(ctx context.Context, cfg *config.Config, creds *credentials.Credentials, logger *slog.Logger) (remote.Fetcher, error) {
	switch cfg.Remote.Type {
	case config.RemoteTypeS3:
		return s3source.NewFromConfig(ctx, s3source.Config{
			Endpoint:  cfg.Remote.S3.Endpoint,
			Region:    cfg.Remote.S3.Region,
			Bucket:    cfg.Remote.S3.Bucket,
			PathStyle: cfg.Remote.S3.PathStyle,
		}, creds.S3, s3source.WithLogger(logger))
	case config.RemoteTypeGraph, "":
		ts, err := credentials.TokenSourceFor(creds.Graph)
		if err != nil {
			// Sync passes fail with an authentication error while the
			// slideshow keeps running from the cache.
			logger.Warn("no usable graph credentials", "error", err)
			ts = credentials.TokenSourceFunc(func(context.Context) (string, error) {
				return "", err
			})
		}
		return graph.New(ts, graph.WithBaseURL(cfg.Remote.GraphURL), graph.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown remote type %q", cfg.Remote.Type)
	}
}

// NewRenderer writes frames to the configured frame file, or logs them when
// no file is set.
func NewRenderer(cfg *config.Config, logger *slog.Logger) display.Renderer {
	if cfg.Slideshow.FrameFile != "" {
		return display.NewFileRenderer(cfg.Slideshow.FrameFile, cfg.Slideshow.FrameQuality)
	}
	return display.NewLogRenderer(logger)
}

// Start launches the sync loop, primes the queue and starts the ticker and
// status server.
func (k *Kiosk) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return nil
	}
	k.started = true

	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	if err := k.engine.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("starting sync engine: %w", err)
	}

	if !k.queue.Prime(runCtx) {
		k.logger.Info("queue not primed, slideshow waits for the cache to fill")
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		_ = k.ticker.Run(runCtx)
	}()

	if k.server != nil {
		go func() {
			if err := k.server.Start(); err != nil {
				k.errCh <- err
			}
		}()
	}

	k.logger.Info("kiosk started",
		"cache", k.config.Cache.Dir(),
		"remote", k.config.Remote.Type,
		"sync_interval", k.config.Sync.Interval,
		"slide_duration", k.config.Slideshow.SlideDuration,
		"status_address", k.config.Server.Address,
	)
	return nil
}

// Shutdown stops every component and closes the ledger. A sync pass or tick
// in progress finishes first.
func (k *Kiosk) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	if k.cancel != nil {
		k.cancel()
	}
	k.engine.Stop()
	k.wg.Wait()
	k.queue.Wait()

	if k.server != nil && k.started {
		if err := k.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down status server: %w", err))
		}
	}
	if err := k.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing ledger: %w", err))
	}

	k.logger.Info("kiosk stopped")
	return errors.Join(errs...)
}

// Run starts the kiosk and blocks until ctx is cancelled or the status
// server fails, then shuts down.
func (k *Kiosk) Run(ctx context.Context) error {
	if err := k.Start(ctx); err != nil {
		_ = k.Shutdown(context.Background())
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-k.errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, k.Shutdown(shutdownCtx))
}

// Engine returns the sync engine.
func (k *Kiosk) Engine() *syncer.Engine {
	return k.engine
}

// Queue returns the image queue.
func (k *Kiosk) Queue() *scheduler.Queue {
	return k.queue
}

// Ticker returns the display ticker.
func (k *Kiosk) Ticker() *display.Ticker {
	return k.ticker
}

// Ledger returns the sync ledger.
func (k *Kiosk) Ledger() *ledger.Ledger {
	return k.ledger
}

// Store returns the cache store.
func (k *Kiosk) Store() backend.Backend {
	return k.store
}
