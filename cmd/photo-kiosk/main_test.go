package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	photokiosk "github.com/wolfeidau/photo-kiosk"
	"github.com/wolfeidau/photo-kiosk/config"
	"github.com/wolfeidau/photo-kiosk/ledger"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		enabled slog.Level
		wantErr bool
	}{
		{name: "text info", cfg: config.LoggingConfig{Level: "info", Format: "text"}, enabled: slog.LevelInfo},
		{name: "json debug", cfg: config.LoggingConfig{Level: "debug", Format: "json"}, enabled: slog.LevelDebug},
		{name: "upper case level", cfg: config.LoggingConfig{Level: "WARN", Format: "text"}, enabled: slog.LevelWarn},
		{name: "bad level", cfg: config.LoggingConfig{Level: "loud", Format: "text"}, wantErr: true},
		{name: "bad format", cfg: config.LoggingConfig{Level: "info", Format: "xml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := newLogger(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.True(t, logger.Enabled(context.Background(), tt.enabled))
			require.False(t, logger.Enabled(context.Background(), tt.enabled-1))
		})
	}
}

func TestVerifyFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.jpg"), []byte("good"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "changed.jpg"), []byte("edited"), 0o644))

	records := []ledger.FileRecord{
		{Name: "good.jpg", Hash: photokiosk.HashBytes([]byte("good"))},
		{Name: "changed.jpg", Hash: photokiosk.HashBytes([]byte("original"))},
		{Name: "gone.jpg", Hash: photokiosk.HashBytes([]byte("gone"))},
	}

	require.Equal(t, []string{"changed.jpg", "gone.jpg"}, verifyFiles(dir, records))
}
