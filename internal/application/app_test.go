package application

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/choplin/officestore/internal/config"
	"github.com/choplin/officestore/internal/schema"
)

func TestOpenBackends(t *testing.T) {
	for _, backend := range []string{config.BackendSQLite, config.BackendPebble} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv("OFFICESTORE_DIR", dir)

			cfg := config.Default()
			cfg.Backend = backend
			cfg.Serializer = "cbor"

			app, err := Open(context.Background(), cfg, zaptest.NewLogger(t), "test")
			if err != nil {
				t.Fatalf("Open returned error: %v", err)
			}
			if got := app.Store.Version(); got != schema.LatestVersion {
				t.Fatalf("expected version %d, got %d", schema.LatestVersion, got)
			}
			if app.Serializer.Name() != "cbor" {
				t.Fatalf("expected cbor serializer, got %s", app.Serializer.Name())
			}
			if app.SessionID == "" {
				t.Fatalf("expected a session id")
			}
			if err := app.Close(); err != nil {
				t.Fatalf("Close returned error: %v", err)
			}
		})
	}
}

func TestOpenEngineUsesDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OFFICESTORE_DIR", dir)

	cfg := config.Default()
	engine, err := OpenEngine(cfg)
	if err != nil {
		t.Fatalf("OpenEngine returned error: %v", err)
	}
	defer func() { _ = engine.Close() }()

	if want := filepath.Join(dir, "localstore.db"); config.GetDBPath() != want {
		t.Fatalf("expected db path %q, got %q", want, config.GetDBPath())
	}
}

func TestOpenRejectsUnknownSerializer(t *testing.T) {
	t.Setenv("OFFICESTORE_DIR", t.TempDir())
	cfg := config.Default()
	cfg.Serializer = "protobuf"

	if _, err := Open(context.Background(), cfg, nil, "test"); err == nil {
		t.Fatalf("expected serializer error")
	}
}
