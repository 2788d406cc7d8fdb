// Package application opens the local store the way every command needs
// it: configured backend, serializer, reporter and metrics.
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/config"
	"github.com/choplin/officestore/internal/errorreporter"
	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/kv/pebblekv"
	"github.com/choplin/officestore/internal/kv/sqlitekv"
	"github.com/choplin/officestore/internal/localstore"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/pendingqueue"
)

// App holds what one process shares across commands.
type App struct {
	Config     *config.Config
	Log        *zap.Logger
	Store      *localstore.LocalStore
	Serializer command.Serializer
	Reporter   *errorreporter.Zap
	Registry   *prometheus.Registry
	Metrics    *pendingqueue.Metrics
	SessionID  string
}

// OpenEngine opens the backend selected by cfg without migrating it.
func OpenEngine(cfg *config.Config) (kv.Engine, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return sqlitekv.Open(config.GetDBPath())
	case config.BackendPebble:
		return pebblekv.Open(config.GetPebbleDir(), nil)
	default:
		return nil, fmt.Errorf("invalid backend: %s", cfg.Backend)
	}
}

// Open opens and migrates the local store described by cfg. release is
// reported to sentry.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger, release string) (*App, error) {
	serializer, err := command.NewSerializer(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	reporter, err := errorreporter.New(logger.For(log, "errors"), errorreporter.Options{
		SentryDSN: cfg.SentryDSN,
		Release:   release,
	})
	if err != nil {
		return nil, err
	}

	engine, err := OpenEngine(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	sessionID := uuid.NewString()
	store, err := localstore.Open(ctx, engine, localstore.Options{
		OpenTimeout:         cfg.OpenTimeout,
		ResetOnIncompatible: cfg.ResetOnIncompatible,
		Serializer:          serializer,
		SessionID:           sessionID,
		LockDuration:        cfg.LockDuration,
		Registerer:          registry,
		Logger:              logger.For(log, "localstore"),
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	return &App{
		Config:     cfg,
		Log:        log,
		Store:      store,
		Serializer: serializer,
		Reporter:   reporter,
		Registry:   registry,
		Metrics:    pendingqueue.NewMetrics(registry),
		SessionID:  sessionID,
	}, nil
}

// Close flushes the reporter and closes the store.
func (a *App) Close() error {
	a.Reporter.Flush(2 * time.Second)
	return a.Store.Close()
}
