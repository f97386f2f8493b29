// Package config loads photo-kiosk configuration from defaults, an optional
// YAML file and KIOSK_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. KIOSK_SYNC_INTERVAL.
const EnvPrefix = "KIOSK"

// RemoteType selects the remote store implementation.
type RemoteType string

const (
	RemoteTypeGraph RemoteType = "graph"
	RemoteTypeS3    RemoteType = "s3"
)

// Config holds all application configuration.
type Config struct {
	Slideshow   SlideshowConfig   `mapstructure:"slideshow"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Server      ServerConfig      `mapstructure:"server"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// SlideshowConfig configures the queue and display ticker.
type SlideshowConfig struct {
	SlideDuration   time.Duration `mapstructure:"slide_duration"`
	FileListRefresh time.Duration `mapstructure:"file_list_refresh"`
	MinRefreshCount int           `mapstructure:"min_refresh_count"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	MaxDraws        int           `mapstructure:"max_draws"` // random draws per slot before scanning
	DisplayWidth    int           `mapstructure:"display_width"`
	DisplayHeight   int           `mapstructure:"display_height"`
	FrameFile       string        `mapstructure:"frame_file"` // empty logs frames instead
	FrameQuality    int           `mapstructure:"frame_quality"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ManifestFileName string        `mapstructure:"manifest_file_name"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	DownloadTimeout  time.Duration `mapstructure:"download_timeout"`
}

// CacheConfig locates the local cache directory.
type CacheConfig struct {
	Root       string `mapstructure:"root"`
	FolderName string `mapstructure:"folder_name"`
}

// Dir returns the cache directory.
func (c CacheConfig) Dir() string {
	return filepath.Join(c.Root, c.FolderName)
}

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Type     RemoteType `mapstructure:"type"`
	GraphURL string     `mapstructure:"graph_url"`
	S3       S3Config   `mapstructure:"s3"`
}

// S3Config configures the S3 remote.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	PathStyle bool   `mapstructure:"path_style"`
}

// CredentialsConfig points at the credentials template.
type CredentialsConfig struct {
	File string `mapstructure:"file"`
}

// ServerConfig configures the status server. An empty address disables it.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Prometheus    bool          `mapstructure:"prometheus"`
	OTLPEndpoint  string        `mapstructure:"otlp_endpoint"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Slideshow: SlideshowConfig{
			SlideDuration:   15 * time.Second,
			FileListRefresh: 15 * time.Minute,
			MinRefreshCount: 20,
			QueueCapacity:   6,
			MaxDraws:        32,
			DisplayWidth:    1920,
			DisplayHeight:   1080,
			FrameQuality:    90,
		},
		Sync: SyncConfig{
			Interval:         60 * time.Second,
			ManifestFileName: "selective_sync.list.txt",
			FetchTimeout:     30 * time.Second,
			DownloadTimeout:  5 * time.Minute,
		},
		Cache: CacheConfig{
			Root:       defaultCacheRoot(),
			FolderName: "photo_kiosk_cache",
		},
		Remote: RemoteConfig{
			Type:     RemoteTypeGraph,
			GraphURL: "https://graph.microsoft.com/v1.0",
		},
		Metrics: MetricsConfig{
			FlushInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}
	return "."
}

// defaultConfigPath returns the per-user config directory.
func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "photo-kiosk")
	}
	return "."
}

// Load reads configuration. When path is empty, config.yaml is looked up in
// the user config directory and the working directory; a missing file is
// not an error. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply to keys
// absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("slideshow.slide_duration", d.Slideshow.SlideDuration)
	v.SetDefault("slideshow.file_list_refresh", d.Slideshow.FileListRefresh)
	v.SetDefault("slideshow.min_refresh_count", d.Slideshow.MinRefreshCount)
	v.SetDefault("slideshow.queue_capacity", d.Slideshow.QueueCapacity)
	v.SetDefault("slideshow.max_draws", d.Slideshow.MaxDraws)
	v.SetDefault("slideshow.display_width", d.Slideshow.DisplayWidth)
	v.SetDefault("slideshow.display_height", d.Slideshow.DisplayHeight)
	v.SetDefault("slideshow.frame_file", d.Slideshow.FrameFile)
	v.SetDefault("slideshow.frame_quality", d.Slideshow.FrameQuality)

	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.manifest_file_name", d.Sync.ManifestFileName)
	v.SetDefault("sync.fetch_timeout", d.Sync.FetchTimeout)
	v.SetDefault("sync.download_timeout", d.Sync.DownloadTimeout)

	v.SetDefault("cache.root", d.Cache.Root)
	v.SetDefault("cache.folder_name", d.Cache.FolderName)

	v.SetDefault("remote.type", string(d.Remote.Type))
	v.SetDefault("remote.graph_url", d.Remote.GraphURL)
	v.SetDefault("remote.s3.endpoint", d.Remote.S3.Endpoint)
	v.SetDefault("remote.s3.region", d.Remote.S3.Region)
	v.SetDefault("remote.s3.bucket", d.Remote.S3.Bucket)
	v.SetDefault("remote.s3.path_style", d.Remote.S3.PathStyle)

	v.SetDefault("credentials.file", d.Credentials.File)
	v.SetDefault("server.address", d.Server.Address)

	v.SetDefault("metrics.prometheus", d.Metrics.Prometheus)
	v.SetDefault("metrics.otlp_endpoint", d.Metrics.OTLPEndpoint)
	v.SetDefault("metrics.flush_interval", d.Metrics.FlushInterval)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Remote.Type {
	case RemoteTypeGraph:
	case RemoteTypeS3:
		if c.Remote.S3.Bucket == "" {
			return errors.New("remote.s3.bucket is required for the s3 remote")
		}
	default:
		return fmt.Errorf("invalid remote.type: %q", c.Remote.Type)
	}
	if c.Cache.FolderName == "" || strings.ContainsAny(c.Cache.FolderName, `/\`) {
		return fmt.Errorf("invalid cache.folder_name: %q", c.Cache.FolderName)
	}
	if c.Sync.ManifestFileName == "" {
		return errors.New("sync.manifest_file_name is required")
	}
	if c.Slideshow.SlideDuration <= 0 {
		return fmt.Errorf("slideshow.slide_duration must be positive, got %s", c.Slideshow.SlideDuration)
	}
	if c.Slideshow.MaxDraws < 1 {
		return fmt.Errorf("slideshow.max_draws must be at least 1, got %d", c.Slideshow.MaxDraws)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format: %q", c.Logging.Format)
	}
	return nil
}
