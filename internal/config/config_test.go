package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetDataDirWithExplicitEnv(t *testing.T) {
	tmpDir := t.TempDir()
	customDir := filepath.Join(tmpDir, "custom")

	t.Setenv("OFFICESTORE_DIR", customDir)
	t.Setenv("XDG_DATA_HOME", "")

	got := GetDataDir()
	if got != customDir {
		t.Fatalf("expected %q, got %q", customDir, got)
	}
}

func TestGetDataDirFallsBackToXDG(t *testing.T) {
	tmpDir := t.TempDir()
	xdgDir := filepath.Join(tmpDir, "xdg")

	t.Setenv("OFFICESTORE_DIR", "")
	t.Setenv("XDG_DATA_HOME", xdgDir)

	got := GetDataDir()
	want := filepath.Join(xdgDir, "officestore")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestGetDBAndPebblePath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("OFFICESTORE_DIR", tmpDir)

	if got, want := GetDBPath(), filepath.Join(tmpDir, "localstore.db"); got != want {
		t.Fatalf("GetDBPath expected %q, got %q", want, got)
	}

	if got, want := GetPebbleDir(), filepath.Join(tmpDir, "pebble"); got != want {
		t.Fatalf("GetPebbleDir expected %q, got %q", want, got)
	}
}

func setupConfigEnv(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("OFFICESTORE_DIR", tmp)
	t.Setenv("OFFICESTORE_CONFIG", filepath.Join(tmp, "config.yaml"))
	for _, name := range []string{
		"OFFICESTORE_BACKEND", "OFFICESTORE_SERIALIZER", "OFFICESTORE_LOG_LEVEL",
		"OFFICESTORE_LOG_FORMAT", "OFFICESTORE_SERVER_URL", "OFFICESTORE_SENTRY_DSN",
		"OFFICESTORE_PENDING_QUEUE_EXPIRY", "OFFICESTORE_LOCK_DURATION",
		"OFFICESTORE_LOCK_REFRESH_INTERVAL", "OFFICESTORE_OPEN_TIMEOUT",
		"OFFICESTORE_RESET_ON_INCOMPATIBLE",
	} {
		t.Setenv(name, "")
	}
	return tmp
}

func TestLoadDefaults(t *testing.T) {
	setupConfigEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Backend != BackendSQLite {
		t.Fatalf("expected sqlite backend, got %q", cfg.Backend)
	}
	if cfg.PendingQueueExpiry != 10*time.Minute {
		t.Fatalf("unexpected expiry %s", cfg.PendingQueueExpiry)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	tmp := setupConfigEnv(t)

	yamlBody := "backend: pebble\nserializer: cbor\nlock_duration: 1m\nlock_refresh_interval: 20s\n"
	if err := os.WriteFile(filepath.Join(tmp, "config.yaml"), []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OFFICESTORE_SERIALIZER", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Backend != BackendPebble {
		t.Fatalf("expected pebble backend from file, got %q", cfg.Backend)
	}
	if cfg.Serializer != "json" {
		t.Fatalf("expected env override json, got %q", cfg.Serializer)
	}
	if cfg.LockDuration != time.Minute {
		t.Fatalf("expected lock duration 1m, got %s", cfg.LockDuration)
	}
}

func TestLoadDotEnv(t *testing.T) {
	tmp := setupConfigEnv(t)
	// godotenv never overrides variables that are already set, even to "".
	if err := os.Unsetenv("OFFICESTORE_LOG_LEVEL"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, ".env"), []byte("OFFICESTORE_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("OFFICESTORE_LOG_LEVEL") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug level from .env, got %q", cfg.LogLevel)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Backend = "leveldb"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid backend error")
	}

	cfg = Default()
	cfg.LockRefreshInterval = cfg.LockDuration
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected refresh interval error")
	}
}
