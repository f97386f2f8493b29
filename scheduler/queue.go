// Package scheduler keeps a small ring of validated cache entries ready ahead
// of the display.
//
// The ring is double-buffered: a refill builds a complete new buffer and
// publishes it with a single atomic store, so the display never observes a
// partially filled ring. Refills are triggered in the background once the
// read cursor reaches the middle of the ring.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/photo-kiosk/backend"
	"github.com/wolfeidau/photo-kiosk/telemetry"
)

var (
	// ErrCacheListingEmpty is returned when a refreshed listing has no entries.
	// The refill is abandoned and the queue left unchanged.
	ErrCacheListingEmpty = errors.New("cache listing is empty")

	// ErrNoDisplayableEntries is returned when no listed entry exists with a
	// non-zero size.
	ErrNoDisplayableEntries = errors.New("no displayable entries in cache")
)

// Store is the part of the cache store the scheduler reads.
type Store interface {
	backend.Lister
	backend.Sizer
}

// Config holds scheduler configuration.
type Config struct {
	// Capacity is the number of slots in the ring. Fixed for the queue's life.
	Capacity int

	// MinRefreshCount forces a listing refresh while the listing holds fewer
	// entries than this.
	MinRefreshCount int

	// FileListRefresh is the maximum age of a listing before it is refreshed.
	FileListRefresh time.Duration

	// MaxDraws bounds the random draws for one slot before falling back to
	// a scan of the listing.
	MaxDraws int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        6,
		MinRefreshCount: 20,
		FileListRefresh: 15 * time.Minute,
		MaxDraws:        32,
	}
}

// Listing is a snapshot of the cache contents.
type Listing struct {
	Entries     []backend.Entry
	RefreshedAt time.Time
}

// Slot is one position in the ring.
type Slot struct {
	Entry backend.Entry
	// Index is the entry's position in the listing it was drawn from.
	Index int
	set   bool
}

// IsSet reports whether the slot holds an entry.
func (s Slot) IsSet() bool {
	return s.set
}

// Queue is the prefetching image queue.
type Queue struct {
	store  Store
	config Config
	logger *slog.Logger
	now    func() time.Time

	buf      atomic.Pointer[[]Slot]
	cursor   atomic.Int64
	inflight atomic.Bool
	refills  atomic.Int64
	listed   atomic.Pointer[Listing]
	wg       sync.WaitGroup

	// Guarded by refillMu.
	refillMu  sync.Mutex
	rng       *rand.Rand
	listing   Listing
	last      Slot
	lastValid bool

	// Guarded by consumeMu. served counts Next calls; shown is the last set
	// slot Next handed out.
	consumeMu       sync.Mutex
	served          uint64
	servedAtPublish uint64
	shown           Slot
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithRand sets the random source used for selection.
func WithRand(r *rand.Rand) Option {
	return func(q *Queue) {
		q.rng = r
	}
}

// New creates a queue with every slot unset.
func New(store Store, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MinRefreshCount < 0 {
		cfg.MinRefreshCount = 0
	}
	if cfg.FileListRefresh <= 0 {
		cfg.FileListRefresh = def.FileListRefresh
	}
	if cfg.MaxDraws <= 0 {
		cfg.MaxDraws = def.MaxDraws
	}

	q := &Queue{
		store:  store,
		config: cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.rng == nil {
		q.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	q.logger = q.logger.With("component", "scheduler")

	empty := make([]Slot, cfg.Capacity)
	q.buf.Store(&empty)
	return q
}

// Capacity returns the ring size.
func (q *Queue) Capacity() int {
	return q.config.Capacity
}

// Prime performs the startup refill synchronously. When the cache is empty the
// ring stays unset and Next reports no entry until a later refill succeeds.
func (q *Queue) Prime(ctx context.Context) bool {
	return q.Refill(ctx)
}

// Next returns the slot at the read cursor and advances the cursor. When the
// new cursor reaches the middle of the ring a background refill is triggered.
// The boolean is false while the slot is unset.
//
// Next is called from a single consumer.
func (q *Queue) Next(ctx context.Context) (Slot, bool) {
	q.consumeMu.Lock()
	buf := *q.buf.Load()
	capacity := int64(len(buf))

	i := q.cursor.Load()
	slot := buf[i]

	next := (i + 1) % capacity
	q.cursor.Store(next)
	q.served++
	if slot.IsSet() {
		q.shown = slot
	}
	q.consumeMu.Unlock()

	if next == capacity/2 {
		q.TriggerRefill(ctx)
	}

	return slot, slot.IsSet()
}

// TriggerRefill starts a refill in the background unless one is already in
// flight. It reports whether a refill was started.
func (q *Queue) TriggerRefill(ctx context.Context) bool {
	if !q.inflight.CompareAndSwap(false, true) {
		q.logger.Debug("refill already in flight")
		return false
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.inflight.Store(false)
		q.Refill(ctx)
	}()
	return true
}

// Wait blocks until background refills have finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Refill repopulates the ring. Errors are logged, never returned: it reports
// whether a new buffer was published.
func (q *Queue) Refill(ctx context.Context) bool {
	q.refillMu.Lock()
	defer q.refillMu.Unlock()

	ctx = telemetry.WithComponent(ctx, telemetry.ComponentSlideshow)
	start := q.now()

	err := q.refill(ctx)
	duration := q.now().Sub(start)

	switch {
	case err == nil:
		telemetry.RecordRefill(ctx, "filled", duration)
		q.logger.Debug("queue refilled", "capacity", q.config.Capacity, "duration", duration)
		return true
	case errors.Is(err, ErrCacheListingEmpty):
		telemetry.RecordRefill(ctx, "empty", duration)
		q.logger.Info("cache is empty, queue unchanged")
	case errors.Is(err, ErrNoDisplayableEntries):
		telemetry.RecordRefill(ctx, "no_displayable", duration)
		q.logger.Warn("no displayable entries, queue unchanged", "listed", len(q.listing.Entries))
	default:
		telemetry.RecordRefill(ctx, "error", duration)
		q.logger.Error("refill failed", "error", err)
	}
	return false
}

// publishAttempts bounds how often a refill rebuilds because Next consumed a
// slot while it was drawing. The last attempt holds off Next until published.
const publishAttempts = 3

func (q *Queue) refill(ctx context.Context) error {
	entries, err := q.refreshListing(ctx)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		final := attempt == publishAttempts

		q.consumeMu.Lock()
		start := int(q.cursor.Load())
		served := q.served
		prev, prevValid := q.last, q.lastValid
		if served != q.servedAtPublish && q.shown.IsSet() {
			prev, prevValid = q.shown, true
		}
		if !final {
			q.consumeMu.Unlock()
		}

		shadow, last, err := q.draw(ctx, entries, start, prev, prevValid)
		if err != nil {
			if final {
				q.consumeMu.Unlock()
			}
			return err
		}

		if !final {
			q.consumeMu.Lock()
		}
		if q.served != served {
			q.consumeMu.Unlock()
			q.logger.Debug("queue consumed during refill, redrawing", "attempt", attempt)
			continue
		}
		q.buf.Store(&shadow)
		q.servedAtPublish = served
		q.consumeMu.Unlock()

		q.last, q.lastValid = last, true
		q.refills.Add(1)
		return nil
	}
}

// draw fills a ring in the order Next will read it, starting at start, so
// each slot is checked against the one displayed right before it.
func (q *Queue) draw(ctx context.Context, entries []backend.Entry, start int, prev Slot, prevValid bool) ([]Slot, Slot, error) {
	shadow := make([]Slot, q.config.Capacity)
	for k := range shadow {
		slot, err := q.selectSlot(ctx, entries, prev, prevValid)
		if err != nil {
			return nil, Slot{}, err
		}
		shadow[(start+k)%len(shadow)] = slot
		prev, prevValid = slot, true
	}
	return shadow, prev, nil
}

// refreshListing returns the listing to draw from, re-reading the cache when
// the current listing is too small or too old.
func (q *Queue) refreshListing(ctx context.Context) ([]backend.Entry, error) {
	now := q.now()

	var reason string
	switch {
	case len(q.listing.Entries) < q.config.MinRefreshCount:
		reason = "below_min_count"
	case now.Sub(q.listing.RefreshedAt) > q.config.FileListRefresh:
		reason = "expired"
	}

	if reason != "" {
		entries, err := q.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing cache: %w", err)
		}
		q.listing = Listing{Entries: entries, RefreshedAt: now}
		q.listed.Store(&Listing{Entries: entries, RefreshedAt: now})
		telemetry.RecordListingRefresh(ctx, reason, len(entries))
		q.logger.Debug("refreshed cache listing", "reason", reason, "entries", len(entries))
	}

	if len(q.listing.Entries) == 0 {
		return nil, ErrCacheListingEmpty
	}
	return q.listing.Entries, nil
}

// selectSlot draws a displayable entry that is not the previous draw. After
// MaxDraws rejected draws it scans the listing instead; the previous entry is
// accepted only when it is the sole displayable one.
func (q *Queue) selectSlot(ctx context.Context, entries []backend.Entry, last Slot, lastValid bool) (Slot, error) {
	isPrevious := func(i int) bool {
		return lastValid && (i == last.Index || entries[i].Name == last.Entry.Name)
	}

	for range q.config.MaxDraws {
		i := q.rng.IntN(len(entries))
		if isPrevious(i) && len(entries) > 1 {
			telemetry.RecordRedraw(ctx, "repeat")
			continue
		}
		entry, reason, err := q.probe(ctx, entries[i])
		if err != nil {
			return Slot{}, err
		}
		if reason != "" {
			telemetry.RecordRedraw(ctx, reason)
			continue
		}
		return Slot{Entry: entry, Index: i, set: true}, nil
	}

	var fallback *Slot
	offset := q.rng.IntN(len(entries))
	for k := range entries {
		i := (offset + k) % len(entries)
		entry, reason, err := q.probe(ctx, entries[i])
		if err != nil {
			return Slot{}, err
		}
		if reason != "" {
			continue
		}
		slot := Slot{Entry: entry, Index: i, set: true}
		if isPrevious(i) {
			fallback = &slot
			continue
		}
		return slot, nil
	}
	if fallback != nil {
		return *fallback, nil
	}
	return Slot{}, ErrNoDisplayableEntries
}

// probe validates an entry against the cache at selection time, since the
// syncer may still be writing it. A non-empty reason rejects the entry.
func (q *Queue) probe(ctx context.Context, e backend.Entry) (backend.Entry, string, error) {
	if err := ctx.Err(); err != nil {
		return e, "", err
	}
	size, err := q.store.Size(ctx, e.Name)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return e, "missing", nil
	case err != nil:
		if ctx.Err() != nil {
			return e, "", err
		}
		q.logger.Debug("probe failed", "name", e.Name, "error", err)
		return e, "missing", nil
	case size == 0:
		return e, "zero_size", nil
	}
	e.Size = size
	return e, "", nil
}

// Snapshot describes the queue for status reporting.
type Snapshot struct {
	Capacity int
	Cursor   int
	Refills  int64
	Slots    []Slot
	Listing  Listing
	Inflight bool
}

// Snapshot returns the current ring contents and cursor. It never waits for
// a refill in progress.
func (q *Queue) Snapshot() Snapshot {
	buf := *q.buf.Load()
	slots := make([]Slot, len(buf))
	copy(slots, buf)

	var listing Listing
	if l := q.listed.Load(); l != nil {
		listing = *l
	}

	return Snapshot{
		Capacity: q.config.Capacity,
		Cursor:   int(q.cursor.Load()),
		Refills:  q.refills.Load(),
		Slots:    slots,
		Listing:  listing,
		Inflight: q.inflight.Load(),
	}
}
