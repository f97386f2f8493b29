package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	photokiosk "github.com/wolfeidau/photo-kiosk"
	"github.com/wolfeidau/photo-kiosk/display"
	"github.com/wolfeidau/photo-kiosk/kiosk"
	"github.com/wolfeidau/photo-kiosk/ledger"
	"github.com/wolfeidau/photo-kiosk/manifest"
	"github.com/wolfeidau/photo-kiosk/telemetry"
)

// RunCmd runs the kiosk until interrupted.
type RunCmd struct{}

func (c *RunCmd) Run(env *Env) error {
	shutdownMetrics, err := telemetry.InitMetrics(env.Ctx, telemetry.MetricsConfig{
		ServiceName:      "photo-kiosk",
		ServiceVersion:   version,
		OTLPEndpoint:     env.Config.Metrics.OTLPEndpoint,
		EnablePrometheus: env.Config.Metrics.Prometheus,
		FlushInterval:    env.Config.Metrics.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.WithoutCancel(env.Ctx)); err != nil {
			env.Logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	k, err := kiosk.New(env.Ctx, env.Config, kiosk.WithLogger(env.Logger))
	if err != nil {
		return err
	}
	return k.Run(env.Ctx)
}

// SyncCmd runs one sync pass.
type SyncCmd struct{}

func (c *SyncCmd) Run(env *Env) error {
	k, err := kiosk.New(env.Ctx, env.Config,
		kiosk.WithLogger(env.Logger),
		kiosk.WithRenderer(display.NewLogRenderer(env.Logger)),
	)
	if err != nil {
		return err
	}

	result := k.Engine().RunOnce(env.Ctx)
	shutdownErr := k.Shutdown(context.WithoutCancel(env.Ctx))

	fmt.Printf("pass %s: downloaded=%d skipped=%d failed=%d bytes=%d duration=%s\n",
		result.ID, result.Downloaded, result.Skipped, result.Failed, result.Bytes, result.Duration)
	for _, fe := range result.FileErrors {
		fmt.Printf("  failed %s: %v\n", fe.RemotePath, fe.Err)
	}

	return errors.Join(result.Err, shutdownErr)
}

// StatusCmd prints the ledger.
type StatusCmd struct {
	Files  bool `help:"Include every downloaded file record."`
	Verify bool `help:"Re-hash cached files and report any that differ from the ledger."`
}

type statusOutput struct {
	Ledger   string              `json:"ledger"`
	Sync     *ledger.SyncState   `json:"sync"`
	Count    int                 `json:"file_count"`
	Files    []ledger.FileRecord `json:"files,omitempty"`
	Mismatch []string            `json:"mismatched,omitempty"`
}

func (c *StatusCmd) Run(env *Env) error {
	path := kiosk.LedgerPath(env.Config)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no ledger at %s: %w", path, err)
	}

	l := ledger.New(ledger.WithLogger(env.Logger))
	if err := l.Open(path); err != nil {
		return fmt.Errorf("%w (is the kiosk running?)", err)
	}
	defer l.Close()

	out := statusOutput{Ledger: path}
	var err error
	if out.Sync, err = l.SyncState(env.Ctx); err != nil {
		return err
	}
	if out.Count, err = l.CountFiles(env.Ctx); err != nil {
		return err
	}
	if c.Files || c.Verify {
		records, err := l.ListFiles(env.Ctx)
		if err != nil {
			return err
		}
		if c.Files {
			out.Files = records
		}
		if c.Verify {
			out.Mismatch = verifyFiles(env.Config.Cache.Dir(), records)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// ManifestCmd fetches and parses the manifest.
type ManifestCmd struct{}

func (c *ManifestCmd) Run(env *Env) error {
	creds, err := kiosk.LoadCredentials(env.Ctx, env.Config, env.Logger)
	if err != nil {
		return err
	}
	f, err := kiosk.NewFetcher(env.Ctx, env.Config, creds, env.Logger)
	if err != nil {
		return err
	}

	text, err := f.FetchText(env.Ctx, env.Config.Sync.ManifestFileName)
	if err != nil {
		return fmt.Errorf("fetching manifest: %w", err)
	}
	m, err := manifest.Parse(text)
	if err != nil {
		return err
	}

	fmt.Printf("collection: %s\nitem: %s\n", m.CollectionID, m.ItemID)
	for _, p := range m.Paths {
		fmt.Printf("%s -> %s\n", p, manifest.FileName(p))
	}
	return nil
}

// verifyFiles lists records whose cached file is missing or no longer hashes
// to the recorded value.
func verifyFiles(dir string, records []ledger.FileRecord) []string {
	var bad []string
	for _, rec := range records {
		h, _, err := photokiosk.HashFile(filepath.Join(dir, rec.Name))
		if err != nil || h != rec.Hash {
			bad = append(bad, rec.Name)
		}
	}
	return bad
}
