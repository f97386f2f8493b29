package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	def := DefaultConfig()
	require.Equal(t, def.Slideshow, cfg.Slideshow)
	require.Equal(t, def.Sync, cfg.Sync)
	require.Equal(t, RemoteTypeGraph, cfg.Remote.Type)
	require.Equal(t, "https://graph.microsoft.com/v1.0", cfg.Remote.GraphURL)
	require.Equal(t, "photo_kiosk_cache", cfg.Cache.FolderName)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
slideshow:
  slide_duration: 30s
  queue_capacity: 8
  max_draws: 4
  frame_file: /tmp/frame.jpg
sync:
  interval: 5m
  manifest_file_name: kiosk.txt
cache:
  root: /var/cache
remote:
  type: s3
  s3:
    endpoint: http://minio:9000
    region: us-east-1
    bucket: photos
    path_style: true
server:
  address: ":8080"
logging:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.Slideshow.SlideDuration)
	require.Equal(t, 8, cfg.Slideshow.QueueCapacity)
	require.Equal(t, 20, cfg.Slideshow.MinRefreshCount)
	require.Equal(t, 4, cfg.Slideshow.MaxDraws)
	require.Equal(t, "/tmp/frame.jpg", cfg.Slideshow.FrameFile)
	require.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	require.Equal(t, "kiosk.txt", cfg.Sync.ManifestFileName)
	require.Equal(t, 30*time.Second, cfg.Sync.FetchTimeout)
	require.Equal(t, filepath.Join("/var/cache", "photo_kiosk_cache"), cfg.Cache.Dir())
	require.Equal(t, RemoteTypeS3, cfg.Remote.Type)
	require.Equal(t, S3Config{Endpoint: "http://minio:9000", Region: "us-east-1", Bucket: "photos", PathStyle: true}, cfg.Remote.S3)
	require.Equal(t, ":8080", cfg.Server.Address)
	require.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "sync:\n  interval: 5m\n")
	t.Setenv("KIOSK_SYNC_INTERVAL", "90s")
	t.Setenv("KIOSK_SLIDESHOW_SLIDE_DURATION", "3s")
	t.Setenv("KIOSK_SERVER_ADDRESS", "127.0.0.1:9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Sync.Interval)
	require.Equal(t, 3*time.Second, cfg.Slideshow.SlideDuration)
	require.Equal(t, "127.0.0.1:9090", cfg.Server.Address)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "sync: [\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown remote", func(c *Config) { c.Remote.Type = "ftp" }, "invalid remote.type"},
		{"s3 without bucket", func(c *Config) { c.Remote.Type = RemoteTypeS3 }, "remote.s3.bucket"},
		{"s3 with bucket", func(c *Config) {
			c.Remote.Type = RemoteTypeS3
			c.Remote.S3.Bucket = "photos"
		}, ""},
		{"folder with separator", func(c *Config) { c.Cache.FolderName = "a/b" }, "cache.folder_name"},
		{"empty manifest", func(c *Config) { c.Sync.ManifestFileName = "" }, "manifest_file_name"},
		{"zero slide", func(c *Config) { c.Slideshow.SlideDuration = 0 }, "slide_duration"},
		{"zero draws", func(c *Config) { c.Slideshow.MaxDraws = 0 }, "slideshow.max_draws"},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }, "sync.interval"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
