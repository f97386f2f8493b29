package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/photo-kiosk"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	remoteFetchDuration   metric.Float64Histogram
	remoteFetchTotal      metric.Int64Counter
	remoteFetchBytesTotal metric.Int64Counter

	syncPassesTotal   metric.Int64Counter
	syncPassDuration  metric.Float64Histogram
	syncFilesTotal    metric.Int64Counter
	syncDownloadBytes metric.Int64Counter

	refillsTotal          metric.Int64Counter
	refillDuration        metric.Float64Histogram
	listingRefreshesTotal metric.Int64Counter
	selectionRedrawsTotal metric.Int64Counter
	cacheEntries          metric.Int64Gauge
	ticksTotal            metric.Int64Counter
	tickWorkDuration      metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "photo-kiosk"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// No exporter configured: aggregate in memory only.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewManualReader())
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

var secondsBuckets = metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60)

// instrumentSet creates instruments under the photo_kiosk_ prefix and keeps
// the errors so newMetrics can report them together.
type instrumentSet struct {
	meter metric.Meter
	errs  []error
}

func (s *instrumentSet) counter(name, desc, unit string) metric.Int64Counter {
	c, err := s.meter.Int64Counter("photo_kiosk_"+name, metric.WithDescription(desc), metric.WithUnit(unit))
	s.errs = append(s.errs, err)
	return c
}

func (s *instrumentSet) seconds(name, desc string) metric.Float64Histogram {
	h, err := s.meter.Float64Histogram("photo_kiosk_"+name, metric.WithDescription(desc), metric.WithUnit("s"), secondsBuckets)
	s.errs = append(s.errs, err)
	return h
}

func (s *instrumentSet) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := s.meter.Int64Gauge("photo_kiosk_"+name, metric.WithDescription(desc), metric.WithUnit(unit))
	s.errs = append(s.errs, err)
	return g
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	s := &instrumentSet{meter: meter}
	m := &Metrics{
		requestsTotal:   s.counter("http_requests_total", "Total number of status server HTTP requests", "{request}"),
		requestDuration: s.seconds("http_request_duration_seconds", "Status server HTTP request duration in seconds"),

		backendRequestDuration: s.seconds("cache_store_request_duration_seconds", "Cache store operation duration in seconds"),
		backendRequestsTotal:   s.counter("cache_store_requests_total", "Total cache store operations", "{request}"),
		backendBytesTotal:      s.counter("cache_store_bytes_total", "Total bytes read from or written to the cache store", "By"),

		remoteFetchDuration:   s.seconds("remote_fetch_duration_seconds", "Remote fetch duration in seconds"),
		remoteFetchTotal:      s.counter("remote_fetch_total", "Total remote fetch requests", "{request}"),
		remoteFetchBytesTotal: s.counter("remote_fetch_bytes_total", "Total bytes fetched from the remote drive", "By"),

		syncPassesTotal:   s.counter("sync_passes_total", "Total sync passes by outcome", "{pass}"),
		syncPassDuration:  s.seconds("sync_pass_duration_seconds", "Sync pass duration in seconds"),
		syncFilesTotal:    s.counter("sync_files_total", "Manifest files processed by result (downloaded, skipped, failed)", "{file}"),
		syncDownloadBytes: s.counter("sync_download_bytes_total", "Total bytes written to the cache by the sync engine", "By"),

		refillsTotal:          s.counter("queue_refills_total", "Image queue refills by outcome", "{refill}"),
		refillDuration:        s.seconds("queue_refill_duration_seconds", "Image queue refill duration in seconds"),
		listingRefreshesTotal: s.counter("listing_refreshes_total", "Cache listing refreshes by trigger reason", "{refresh}"),
		selectionRedrawsTotal: s.counter("selection_redraws_total", "Random draws rejected during slot selection by reason", "{draw}"),
		cacheEntries:          s.gauge("cache_entries", "Entries in the most recent cache listing", "{file}"),
		ticksTotal:            s.counter("ticks_total", "Display ticks by outcome", "{tick}"),
		tickWorkDuration:      s.seconds("tick_work_duration_seconds", "Time spent loading and rendering a frame in seconds"),
	}
	if err := errors.Join(s.errs...); err != nil {
		return nil, fmt.Errorf("creating instruments: %w", err)
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records status server request metrics.
func RecordHTTP(ctx context.Context, r *http.Request, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	endpoint := "unknown"
	if tags := GetTags(r); tags != nil && tags.Endpoint != "" {
		endpoint = tags.Endpoint
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBackendOp records cache store operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("component", ComponentFromContext(ctx)),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordRemoteFetch records a request to the remote drive.
func RecordRemoteFetch(ctx context.Context, source string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	globalMetrics.remoteFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.remoteFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.remoteFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordSyncPass records one sync pass. outcome is "success", "partial",
// "fetch_error", "malformed", "auth_error" or "canceled".
func RecordSyncPass(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.syncPassesTotal.Add(ctx, 1, attrs)
	globalMetrics.syncPassDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSyncFile records the handling of one manifest path.
// result is "downloaded", "skipped" or "failed".
func RecordSyncFile(ctx context.Context, result string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncFilesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if bytes > 0 {
		globalMetrics.syncDownloadBytes.Add(ctx, bytes)
	}
}

// RecordRefill records one image queue refill attempt.
// outcome is "filled", "empty", "no_displayable" or "error".
func RecordRefill(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.refillsTotal.Add(ctx, 1, attrs)
	globalMetrics.refillDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordListingRefresh records a cache listing refresh and the resulting size.
// reason is "below_min_count" or "expired".
func RecordListingRefresh(ctx context.Context, reason string, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.listingRefreshesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
}

// RecordRedraw records a rejected random draw.
// reason is "repeat", "zero_size" or "missing".
func RecordRedraw(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.selectionRedrawsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTick records one display tick.
// outcome is "displayed", "empty", "decode_error", "read_error" or "render_error".
func RecordTick(ctx context.Context, outcome string, work time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.ticksTotal.Add(ctx, 1, attrs)
	globalMetrics.tickWorkDuration.Record(ctx, work.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
