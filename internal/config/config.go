package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const appName = "officestore"

// Supported storage backends.
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Config holds the runtime settings for the local store and sync session.
type Config struct {
	Backend             string        `yaml:"backend"`
	Serializer          string        `yaml:"serializer"`
	LogLevel            string        `yaml:"log_level"`
	LogFormat           string        `yaml:"log_format"`
	PendingQueueExpiry  time.Duration `yaml:"pending_queue_expiry"`
	LockDuration        time.Duration `yaml:"lock_duration"`
	LockRefreshInterval time.Duration `yaml:"lock_refresh_interval"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	ResetOnIncompatible bool          `yaml:"reset_on_incompatible"`
	ServerURL           string        `yaml:"server_url"`
	SentryDSN           string        `yaml:"sentry_dsn"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend:             BackendSQLite,
		Serializer:          "json",
		LogLevel:            "info",
		LogFormat:           "console",
		PendingQueueExpiry:  10 * time.Minute,
		LockDuration:        30 * time.Second,
		LockRefreshInterval: 10 * time.Second,
		OpenTimeout:         15 * time.Second,
	}
}

// GetDataDir resolves the base directory for all local storage. It checks
// OFFICESTORE_DIR first, then XDG paths, and finally falls back to the
// user's home directory.
func GetDataDir() string {
	if explicit := os.Getenv("OFFICESTORE_DIR"); explicit != "" {
		return explicit
	}

	xdg.Reload()

	dataHome := xdg.DataHome
	if dataHome == "" {
		home := xdg.Home
		if home == "" {
			var err error
			home, err = os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), appName)
			}
		}
		dataHome = filepath.Join(home, ".local", "share")
	}

	return filepath.Join(dataHome, appName)
}

// GetDBPath returns the absolute path to the SQLite database file.
func GetDBPath() string {
	return filepath.Join(GetDataDir(), "localstore.db")
}

// GetPebbleDir returns the directory holding the Pebble store.
func GetPebbleDir() string {
	return filepath.Join(GetDataDir(), "pebble")
}

// GetConfigPath returns the YAML config file location.
func GetConfigPath() string {
	if explicit := os.Getenv("OFFICESTORE_CONFIG"); explicit != "" {
		return explicit
	}
	xdg.Reload()
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// Load builds the configuration from defaults, a .env file in the data dir,
// the YAML config file and finally environment variables.
func Load() (*Config, error) {
	cfg := Default()

	envPath := filepath.Join(GetDataDir(), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
	}

	if err := cfg.loadFile(GetConfigPath()); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("OFFICESTORE_BACKEND"); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("OFFICESTORE_SERIALIZER"); v != "" {
		c.Serializer = strings.ToLower(v)
	}
	if v := os.Getenv("OFFICESTORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OFFICESTORE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("OFFICESTORE_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("OFFICESTORE_SENTRY_DSN"); v != "" {
		c.SentryDSN = v
	}

	durations := map[string]*time.Duration{
		"OFFICESTORE_PENDING_QUEUE_EXPIRY":  &c.PendingQueueExpiry,
		"OFFICESTORE_LOCK_DURATION":         &c.LockDuration,
		"OFFICESTORE_LOCK_REFRESH_INTERVAL": &c.LockRefreshInterval,
		"OFFICESTORE_OPEN_TIMEOUT":          &c.OpenTimeout,
	}
	for name, target := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*target = d
	}

	if v := os.Getenv("OFFICESTORE_RESET_ON_INCOMPATIBLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OFFICESTORE_RESET_ON_INCOMPATIBLE: %w", err)
		}
		c.ResetOnIncompatible = b
	}
	return nil
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendPebble:
	default:
		return fmt.Errorf("invalid backend: %s (valid values: sqlite, pebble)", c.Backend)
	}
	switch c.Serializer {
	case "json", "cbor":
	default:
		return fmt.Errorf("invalid serializer: %s (valid values: json, cbor)", c.Serializer)
	}
	if c.LockRefreshInterval >= c.LockDuration {
		return fmt.Errorf("lock refresh interval %s must be shorter than lock duration %s", c.LockRefreshInterval, c.LockDuration)
	}
	if c.PendingQueueExpiry <= 0 {
		return fmt.Errorf("pending queue expiry must be positive")
	}
	return nil
}
