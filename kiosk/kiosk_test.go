package kiosk

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/photo-kiosk/config"
	"github.com/wolfeidau/photo-kiosk/credentials"
	"github.com/wolfeidau/photo-kiosk/display"
	"github.com/wolfeidau/photo-kiosk/manifest"
	"github.com/wolfeidau/photo-kiosk/remote"
	"github.com/wolfeidau/photo-kiosk/remote/graph"
	"github.com/wolfeidau/photo-kiosk/remote/s3source"
)

// memFetcher serves a manifest and files from memory.
type memFetcher struct {
	manifest string
	files    map[string][]byte
}

func (f *memFetcher) FetchText(_ context.Context, _ string) (string, error) {
	return f.manifest, nil
}

func (f *memFetcher) Fetch(_ context.Context, _ *manifest.Manifest, p string) (io.ReadCloser, error) {
	data, ok := f.files[p]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cache.Root = t.TempDir()
	cfg.Sync.Interval = time.Hour
	cfg.Slideshow.SlideDuration = 10 * time.Millisecond
	cfg.Slideshow.QueueCapacity = 2
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKiosk_SyncsAndDisplays(t *testing.T) {
	cfg := testConfig(t)
	f := &memFetcher{
		manifest: "drive: D id: I!1\nalbum/a.png\nalbum/b.png\n",
		files: map[string][]byte{
			"album/a.png": pngBytes(t),
			"album/b.png": pngBytes(t),
		},
	}
	r := display.NewChannelRenderer(64)

	k, err := New(context.Background(), cfg,
		WithLogger(discardLogger()), WithFetcher(f), WithRenderer(r))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	select {
	case frame := <-r.Frames():
		require.Contains(t, []string{"a.png", "b.png"}, frame.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame displayed")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	for _, name := range []string{"a.png", "b.png"} {
		_, err := os.Stat(filepath.Join(cfg.Cache.Dir(), name))
		require.NoError(t, err)
	}
	_, err = os.Stat(LedgerPath(cfg))
	require.NoError(t, err)
}

func TestKiosk_LedgerRecordsPass(t *testing.T) {
	cfg := testConfig(t)
	f := &memFetcher{
		manifest: "drive: D id: I\nx.png\n",
		files:    map[string][]byte{"x.png": pngBytes(t)},
	}

	k, err := New(context.Background(), cfg,
		WithLogger(discardLogger()), WithFetcher(f), WithRenderer(display.NewChannelRenderer(1)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })

	result := k.Engine().RunOnce(context.Background())
	require.NoError(t, result.Err)
	require.Equal(t, 1, result.Downloaded)

	state, err := k.Ledger().SyncState(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), state.Passes)

	rec, err := k.Ledger().GetFile(context.Background(), "x.png")
	require.NoError(t, err)
	require.Equal(t, "x.png", rec.RemotePath)
}

func TestKiosk_ShutdownWithoutStart(t *testing.T) {
	k, err := New(context.Background(), testConfig(t),
		WithLogger(discardLogger()), WithFetcher(&memFetcher{}))
	require.NoError(t, err)
	require.NoError(t, k.Shutdown(context.Background()))
}

func TestKiosk_StatusServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Address = "127.0.0.1:0"

	k, err := New(context.Background(), cfg,
		WithLogger(discardLogger()),
		WithFetcher(&memFetcher{manifest: "drive: D id: I\n"}),
		WithCredentials(&credentials.Credentials{AuthToken: "s3cret"}),
		WithRenderer(display.NewChannelRenderer(1)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })

	require.NotNil(t, k.server)
	ts := httptest.NewServer(k.server.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNewFetcher_Graph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("drive: D id: I\n"))
	}))
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Remote.GraphURL = srv.URL
	creds := &credentials.Credentials{Graph: &credentials.GraphCredentials{AccessToken: "tok"}}

	f, err := NewFetcher(context.Background(), cfg, creds, discardLogger())
	require.NoError(t, err)
	require.IsType(t, &graph.Client{}, f)

	text, err := f.FetchText(context.Background(), cfg.Sync.ManifestFileName)
	require.NoError(t, err)
	require.Equal(t, "drive: D id: I\n", text)
}

func TestNewFetcher_GraphWithoutCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Remote.GraphURL = "http://127.0.0.1:1"

	f, err := NewFetcher(context.Background(), cfg, &credentials.Credentials{}, discardLogger())
	require.NoError(t, err)

	_, err = f.FetchText(context.Background(), "list.txt")
	var authErr *remote.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.ErrorIs(t, err, credentials.ErrNoToken)
}

func TestNewFetcher_S3(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Remote.Type = config.RemoteTypeS3
	cfg.Remote.S3 = config.S3Config{Endpoint: "http://127.0.0.1:9000", Region: "us-east-1", Bucket: "photos"}
	creds := &credentials.Credentials{S3: &credentials.S3Credentials{AccessKeyID: "a", SecretAccessKey: "b"}}

	f, err := NewFetcher(context.Background(), cfg, creds, discardLogger())
	require.NoError(t, err)
	require.IsType(t, &s3source.Client{}, f)
}

func TestNewFetcher_UnknownType(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Remote.Type = "ftp"
	_, err := NewFetcher(context.Background(), cfg, &credentials.Credentials{}, discardLogger())
	require.Error(t, err)
}

func TestLoadCredentials(t *testing.T) {
	cfg := config.DefaultConfig()

	creds, err := LoadCredentials(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	require.Empty(t, creds.AuthToken)

	path := filepath.Join(t.TempDir(), "credentials.json")
	t.Setenv("KIOSK_TEST_TOKEN", "from-env")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"auth_token": "status", "graph": {"access_token": {{ env "KIOSK_TEST_TOKEN" | json }}}}`), 0o600))
	cfg.Credentials.File = path

	creds, err = LoadCredentials(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	require.Equal(t, "status", creds.AuthToken)
	require.Equal(t, "from-env", creds.Graph.AccessToken)
}

func TestNewRenderer(t *testing.T) {
	cfg := config.DefaultConfig()
	require.IsType(t, &display.LogRenderer{}, NewRenderer(cfg, discardLogger()))

	cfg.Slideshow.FrameFile = filepath.Join(t.TempDir(), "frame.jpg")
	r := NewRenderer(cfg, discardLogger())
	require.IsType(t, &display.FileRenderer{}, r)
}

func TestConfigMapping(t *testing.T) {
	cfg := config.DefaultConfig()
	sc := SyncerConfig(cfg)
	require.Equal(t, cfg.Sync.Interval, sc.Interval)
	require.Equal(t, "selective_sync.list.txt", sc.ManifestPath)

	qc := SchedulerConfig(cfg)
	require.Equal(t, 6, qc.Capacity)
	require.Equal(t, 20, qc.MinRefreshCount)
	require.Equal(t, 15*time.Minute, qc.FileListRefresh)
	require.Equal(t, 32, qc.MaxDraws)

	cfg.Slideshow.MaxDraws = 3
	require.Equal(t, 3, SchedulerConfig(cfg).MaxDraws)
}
