// Command photo-kiosk syncs a selected set of photos from a remote drive into
// a local cache and shows them as a slideshow.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/photo-kiosk/config"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Config    string `help:"Path to a YAML config file." short:"c" type:"path" env:"KIOSK_CONFIG"`
	LogLevel  string `help:"Log level override (debug, info, warn, error)."`
	LogFormat string `help:"Log format override (text, json)."`
}

// CLI is the command line.
type CLI struct {
	Globals

	Version  kong.VersionFlag `help:"Print version and exit."`
	Run      RunCmd           `cmd:"" default:"1" help:"Sync and run the slideshow (default)."`
	Sync     SyncCmd          `cmd:"" help:"Run a single sync pass and exit."`
	Status   StatusCmd        `cmd:"" help:"Print persisted sync state."`
	Manifest ManifestCmd      `cmd:"" help:"Fetch and print the remote manifest without downloading."`
}

// Env carries what commands need at run time.
type Env struct {
	Ctx    context.Context
	Config *config.Config
	Logger *slog.Logger
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("photo-kiosk"),
		kong.Description("Selective photo sync and prefetching slideshow."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	if err := run(kctx, &cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(kctx *kong.Context, cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return kctx.Run(&Env{Ctx: ctx, Config: cfg, Logger: logger})
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}
