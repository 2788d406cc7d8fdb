// Package localstore is the record/operation write path over the local
// database: capabilities per record type, atomic writes, command-based
// documents and cross-session document leases.
package localstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/idb"
	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/schema"
)

// Options configures Open.
type Options struct {
	// Version is the schema version to open at. Zero means the latest.
	Version int
	// OpenTimeout bounds reading the version and migrating. Zero disables
	// the bound. A step already running when it expires is finished before
	// Open returns.
	OpenTimeout time.Duration
	// ResetOnIncompatible destroys and recreates a database whose version
	// cannot be upgraded.
	ResetOnIncompatible bool
	Serializer          command.Serializer
	SessionID           string
	LockDuration        time.Duration
	Clock               func() time.Time
	Registerer          prometheus.Registerer
	Logger              *zap.SugaredLogger
}

// LocalStore writes records atomically through the capabilities of its
// StorageAdapter.
type LocalStore struct {
	engine  kv.Engine
	db      *idb.Database
	adapter *StorageAdapter
	log     *zap.SugaredLogger
}

// Open migrates engine to the requested version and builds the adapter.
func Open(ctx context.Context, engine kv.Engine, opts Options) (*LocalStore, error) {
	log := logger.OrNop(opts.Logger)
	target := opts.Version
	if target == 0 {
		target = schema.LatestVersion
	}

	if opts.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.OpenTimeout)
		defer cancel()
	}

	// prepare stops at the next step boundary once ctx is done, so the
	// engine is idle when Open returns.
	if err := prepare(ctx, engine, target, opts.ResetOnIncompatible, log); err != nil {
		switch ctxErr := ctx.Err(); {
		case errors.Is(ctxErr, context.DeadlineExceeded):
			return nil, &LocalStoreError{Type: OpenDatabaseTimeout, Op: "open", Err: ErrOpenTimeout}
		case ctxErr != nil:
			return nil, &LocalStoreError{Type: DatabaseError, Op: "open", Err: ctxErr}
		}
		return nil, err
	}

	db := idb.NewDatabase(engine, target, idb.NewRequestTracker(opts.Registerer), log.Named("idb"))
	adapter := NewStorageAdapter(db, AdapterOptions{
		Serializer:   opts.Serializer,
		SessionID:    opts.SessionID,
		LockDuration: opts.LockDuration,
		Clock:        opts.Clock,
		Logger:       log,
	})
	log.Infow("local store opened", "version", target, "record_types", len(adapter.RecordTypes()))
	return &LocalStore{engine: engine, db: db, adapter: adapter, log: log}, nil
}

func prepare(ctx context.Context, engine kv.Engine, target int, reset bool, log *zap.SugaredLogger) error {
	current, err := engine.Version(ctx)
	if err != nil {
		return newStoreError("read version", err)
	}

	plan, err := schema.Plan(current, target)
	if errors.Is(err, schema.ErrSchemaIncompatible) {
		if !reset {
			return &LocalStoreError{Type: SchemaIncompatible, Op: "open", Err: err}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Warnw("destroying incompatible local database", "version", current, "target", target)
		if err := engine.Destroy(ctx); err != nil {
			return newStoreError("destroy", err)
		}
		current = 0
		if plan, err = schema.Plan(current, target); err != nil {
			return newStoreError("plan", err)
		}
	} else if err != nil {
		return newStoreError("plan", err)
	}

	if len(plan) == 0 {
		return nil
	}
	for _, step := range plan {
		log.Debugw("applying schema step", "from", step.From, "to", step.To, "description", step.Description)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := engine.Migrate(ctx, target); err != nil {
		return newStoreError("migrate", err)
	}
	log.Infow("schema migrated", "from", current, "to", target)
	return nil
}

// Adapter returns the storage adapter.
func (s *LocalStore) Adapter() *StorageAdapter { return s.adapter }

// Database returns the object-store database.
func (s *LocalStore) Database() *idb.Database { return s.db }

// Version returns the open schema version.
func (s *LocalStore) Version() int { return s.db.Version() }

// Write persists every record that needs it in one atomic transaction.
// Records are committed only after the transaction commits; on failure
// they stay dirty and drained command batches return to their queues.
func (s *LocalStore) Write(ctx context.Context, records ...Record) error {
	caps := make([]Capability, 0, len(records))
	pending := make([]Record, 0, len(records))
	for _, r := range records {
		if !needsWrite(r) {
			continue
		}
		c, ok := s.adapter.CapabilityFor(r.RecordType())
		if !ok {
			invariant("no capability registered for record type %s", r.RecordType())
		}
		caps = append(caps, c)
		pending = append(pending, r)
	}

	var ops []*Operation
	for i, r := range pending {
		recOps, err := caps[i].CreateOperations(r)
		if err != nil {
			revert(pending[:i+1])
			return newStoreError("create operations", err)
		}
		ops = append(ops, recOps...)
	}

	if len(ops) == 0 {
		for _, r := range pending {
			r.Commit()
		}
		return nil
	}

	if err := s.adapter.PerformOperations(ctx, ops); err != nil {
		revert(pending)
		s.log.Warnw("write failed", "records", len(pending), "operations", len(ops), "error", err)
		return err
	}
	for _, r := range pending {
		r.Commit()
	}
	return nil
}

func revert(records []Record) {
	for _, r := range records {
		if rv, ok := r.(Reverter); ok {
			rv.Revert()
		}
	}
}

// Close closes the engine.
func (s *LocalStore) Close() error {
	return s.engine.Close()
}
