// Package sqlitekv implements the kv engine on SQLite: one WITHOUT ROWID
// table per keyspace, created by the embedded golang-migrate migrations.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/choplin/officestore/db/migrations"
	"github.com/choplin/officestore/internal/kv"

	// Import SQLite driver for database/sql
	_ "modernc.org/sqlite"
)

// Engine is a kv.Engine backed by a SQLite database file.
type Engine struct {
	db   *sql.DB
	path string
}

var _ kv.Engine = (*Engine)(nil)

// Open opens (creating when needed) the database at path. The special path
// ":memory:" opens a private in-memory database. Migrations are not applied;
// call Migrate.
func Open(path string) (*Engine, error) {
	if path == "" {
		return nil, errors.New("sqlitekv: database path is required")
	}

	useMemory := path == ":memory:"

	var dsn string
	if useMemory {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", filepath.ToSlash(absPath))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Engine{db: db, path: path}, nil
}

// DB exposes the underlying handle for diagnostics.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Close closes the database connection.
func (e *Engine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

// withMigrator runs fn with a migrator over the embedded migrations. The
// migrator itself is never closed because that would close e.db.
func (e *Engine) withMigrator(fn func(*migrate.Migrate) error) error {
	driver, err := sqlite.WithInstance(e.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to initialise migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	defer func() {
		_ = sourceDriver.Close()
	}()

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	return fn(migrator)
}

// Version implements kv.Engine.
func (e *Engine) Version(_ context.Context) (int, error) {
	var current int
	err := e.withMigrator(func(migrator *migrate.Migrate) error {
		version, dirty, err := migrator.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if dirty {
			return fmt.Errorf("schema version %d is dirty", version)
		}
		current = int(version)
		return nil
	})
	return current, err
}

// Migrate implements kv.Engine. Each migration file runs in its own
// transaction and the stored version advances after each one. ctx is
// checked between files; a canceled migration leaves the last applied
// version in place.
func (e *Engine) Migrate(ctx context.Context, target int) error {
	return e.withMigrator(func(migrator *migrate.Migrate) error {
		current, _, err := migrator.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if target < int(current) {
			return fmt.Errorf("cannot migrate down from %d to %d", current, target)
		}
		for next := int(current) + 1; next <= target; next++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := migrator.Migrate(uint(next)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("failed to apply migration %d: %w", next, err)
			}
		}
		return nil
	})
}

// Destroy implements kv.Engine by dropping every table, including the
// migration bookkeeping table.
func (e *Engine) Destroy(ctx context.Context) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Close(); err != nil {
		_ = tx.Rollback()
		return err
	}

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", table)); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("failed to drop %s: %w (rollback error: %w)", table, err, rbErr)
			}
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit destroy transaction: %w", err)
	}
	return nil
}

// Spaces implements kv.Engine.
func (e *Engine) Spaces(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name <> 'schema_migrations' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var spaces []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		spaces = append(spaces, name)
	}
	return spaces, rows.Err()
}

// Begin implements kv.Engine.
func (e *Engine) Begin(ctx context.Context, writable bool) (kv.Txn, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &txn{ctx: ctx, tx: tx, writable: writable}, nil
}

type txn struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
	done     bool
}

func (t *txn) check(space string, write bool) error {
	if t.done {
		return kv.ErrTxnDone
	}
	if write && !t.writable {
		return kv.ErrReadOnly
	}
	return kv.ValidateSpace(space)
}

func mapError(space string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%w: %s", kv.ErrUnknownSpace, space)
	}
	return err
}

func (t *txn) Get(space string, key []byte) ([]byte, error) {
	if err := t.check(space, false); err != nil {
		return nil, err
	}
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, fmt.Sprintf("SELECT v FROM %s WHERE k = ?", space), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, mapError(space, err)
	}
	return value, nil
}

func (t *txn) Set(space string, key, value []byte) error {
	if err := t.check(space, true); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v", space), key, value)
	return mapError(space, err)
}

func (t *txn) Delete(space string, key []byte) error {
	if err := t.check(space, true); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s WHERE k = ?", space), key)
	return mapError(space, err)
}

func rangeClause(r kv.Range) (string, []any) {
	lower, upper := r.Span()
	var conds []string
	var args []any
	if lower != nil {
		conds = append(conds, "k >= ?")
		args = append(args, lower)
	}
	if upper != nil {
		conds = append(conds, "k < ?")
		args = append(args, upper)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (t *txn) DeleteRange(space string, r kv.Range) error {
	if err := t.check(space, true); err != nil {
		return err
	}
	where, args := rangeClause(r)
	_, err := t.tx.ExecContext(t.ctx, fmt.Sprintf("DELETE FROM %s%s", space, where), args...)
	return mapError(space, err)
}

// Scan materializes the selected rows so callers may write to the same
// keyspace while iterating.
func (t *txn) Scan(space string, r kv.Range, reverse bool) (kv.Iterator, error) {
	if err := t.check(space, false); err != nil {
		return nil, err
	}
	where, args := rangeClause(r)
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	rows, err := t.tx.QueryContext(t.ctx, fmt.Sprintf("SELECT k, v FROM %s%s ORDER BY k %s", space, where, order), args...)
	if err != nil {
		return nil, mapError(space, err)
	}
	defer rows.Close()

	var pairs []kv.Pair
	for rows.Next() {
		var p kv.Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return kv.NewSliceIterator(pairs), nil
}

func (t *txn) Commit() error {
	if t.done {
		return kv.ErrTxnDone
	}
	t.done = true
	if !t.writable {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
