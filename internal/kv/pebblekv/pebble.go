// Package pebblekv implements the kv engine on Pebble. Keyspaces are key
// prefixes; the schema catalog decides which prefixes exist.
package pebblekv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/schema"
)

var (
	metaPrefix  = []byte("\x00meta\x00")
	versionKey  = []byte("\x00meta\x00version")
	spacePrefix = []byte("\x00meta\x00space\x00")
)

// Engine is a kv.Engine backed by a Pebble directory.
type Engine struct {
	db     *pebble.DB
	closed atomic.Bool

	writeMu sync.Mutex

	mu     sync.RWMutex
	spaces map[string]bool
}

var _ kv.Engine = (*Engine)(nil)

// Open opens the Pebble store in dir. fs may be nil for the OS filesystem;
// tests pass vfs.NewMem().
func Open(dir string, fs vfs.FS) (*Engine, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}

	e := &Engine{db: db}
	if err := e.loadSpaces(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func spaceMarker(space string) []byte {
	return append(append([]byte(nil), spacePrefix...), space...)
}

func (e *Engine) loadSpaces() error {
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: spacePrefix,
		UpperBound: append(append([]byte(nil), spacePrefix...), 0xFF),
	})
	if err != nil {
		return fmt.Errorf("failed to scan keyspaces: %w", err)
	}
	defer iter.Close()

	spaces := make(map[string]bool)
	for iter.First(); iter.Valid(); iter.Next() {
		spaces[string(iter.Key()[len(spacePrefix):])] = true
	}
	if err := iter.Error(); err != nil {
		return err
	}

	e.mu.Lock()
	e.spaces = spaces
	e.mu.Unlock()
	return nil
}

func (e *Engine) hasSpace(space string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.spaces[space]
}

// Close implements kv.Engine.
func (e *Engine) Close() error {
	if e == nil || e.db == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.db.Close()
}

// Version implements kv.Engine.
func (e *Engine) Version(_ context.Context) (int, error) {
	value, closer, err := e.db.Get(versionKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	defer closer.Close()

	version, err := strconv.Atoi(string(value))
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", value, err)
	}
	return version, nil
}

// Migrate implements kv.Engine. Each step is committed as one batch that
// registers its keyspaces and advances the version. ctx is checked between
// steps; a canceled migration leaves the last committed step in place.
func (e *Engine) Migrate(ctx context.Context, target int) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	current, err := e.Version(ctx)
	if err != nil {
		return err
	}
	if target < current {
		return fmt.Errorf("cannot migrate down from %d to %d", current, target)
	}

	for _, step := range schema.Steps() {
		if step.From < current || step.To > target {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(err, e.loadSpaces())
		}
		batch := e.db.NewBatch()
		for _, space := range schema.Spaces(step.Stores) {
			if err := batch.Set(spaceMarker(space), nil, nil); err != nil {
				_ = batch.Close()
				return err
			}
		}
		if err := batch.Set(versionKey, []byte(strconv.Itoa(step.To)), nil); err != nil {
			_ = batch.Close()
			return err
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			_ = batch.Close()
			return fmt.Errorf("failed to apply migration %d: %w", step.To, err)
		}
		_ = batch.Close()
	}
	return e.loadSpaces()
}

// Destroy implements kv.Engine.
func (e *Engine) Destroy(_ context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.db.DeleteRange([]byte{0x00}, []byte{0xFF}, pebble.Sync); err != nil {
		return fmt.Errorf("failed to destroy store: %w", err)
	}
	return e.loadSpaces()
}

// Spaces implements kv.Engine.
func (e *Engine) Spaces(_ context.Context) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.spaces))
	for space := range e.spaces {
		out = append(out, space)
	}
	sort.Strings(out)
	return out, nil
}

// Begin implements kv.Engine. Writable transactions hold the engine's write
// lock until they finish.
func (e *Engine) Begin(ctx context.Context, writable bool) (kv.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if writable {
		e.writeMu.Lock()
	}
	return &txn{engine: e, batch: e.db.NewIndexedBatch(), writable: writable}, nil
}

type txn struct {
	engine   *Engine
	batch    *pebble.Batch
	writable bool
	done     bool
	iters    map[*iterator]struct{}
}

func physicalKey(space string, key []byte) []byte {
	out := make([]byte, 0, len(space)+1+len(key))
	out = append(out, space...)
	out = append(out, 0x00)
	return append(out, key...)
}

func (t *txn) check(space string, write bool) error {
	if t.done {
		return kv.ErrTxnDone
	}
	if write && !t.writable {
		return kv.ErrReadOnly
	}
	if err := kv.ValidateSpace(space); err != nil {
		return err
	}
	if !t.engine.hasSpace(space) {
		return fmt.Errorf("%w: %s", kv.ErrUnknownSpace, space)
	}
	return nil
}

func (t *txn) Get(space string, key []byte) ([]byte, error) {
	if err := t.check(space, false); err != nil {
		return nil, err
	}
	value, closer, err := t.batch.Get(physicalKey(space, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (t *txn) Set(space string, key, value []byte) error {
	if err := t.check(space, true); err != nil {
		return err
	}
	return t.batch.Set(physicalKey(space, key), value, nil)
}

func (t *txn) Delete(space string, key []byte) error {
	if err := t.check(space, true); err != nil {
		return err
	}
	return t.batch.Delete(physicalKey(space, key), nil)
}

func spaceBounds(space string, r kv.Range) (lower, upper []byte) {
	lo, hi := r.Span()
	lower = physicalKey(space, lo)
	if hi != nil {
		upper = physicalKey(space, hi)
	} else {
		upper = append([]byte(space), 0x01)
	}
	return lower, upper
}

func (t *txn) DeleteRange(space string, r kv.Range) error {
	if err := t.check(space, true); err != nil {
		return err
	}
	lower, upper := spaceBounds(space, r)
	return t.batch.DeleteRange(lower, upper, nil)
}

// Scan iterates lazily over the batch. Writes made through the transaction
// after Scan returns are not visible to the iterator. Iterators still open
// when the transaction finishes are closed with it.
func (t *txn) Scan(space string, r kv.Range, reverse bool) (kv.Iterator, error) {
	if err := t.check(space, false); err != nil {
		return nil, err
	}
	lower, upper := spaceBounds(space, r)
	iter, err := t.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	it := &iterator{txn: t, iter: iter, prefixLen: len(space) + 1, reverse: reverse}
	if t.iters == nil {
		t.iters = make(map[*iterator]struct{})
	}
	t.iters[it] = struct{}{}
	return it, nil
}

type iterator struct {
	txn       *txn
	iter      *pebble.Iterator
	prefixLen int
	reverse   bool
	started   bool
	closed    bool
	err       error
}

func (it *iterator) Next() bool {
	if it.closed {
		return false
	}
	if !it.started {
		it.started = true
		if it.reverse {
			return it.iter.Last()
		}
		return it.iter.First()
	}
	if it.reverse {
		return it.iter.Prev()
	}
	return it.iter.Next()
}

func (it *iterator) Key() []byte { return it.iter.Key()[it.prefixLen:] }

func (it *iterator) Value() []byte { return it.iter.Value() }

func (it *iterator) Err() error {
	if it.closed {
		return it.err
	}
	return it.iter.Error()
}

func (it *iterator) Close() error {
	if it.closed {
		return it.err
	}
	it.closed = true
	delete(it.txn.iters, it)
	it.err = it.iter.Close()
	return it.err
}

func (t *txn) closeIters() error {
	var err error
	for it := range t.iters {
		err = errors.Join(err, it.Close())
	}
	return err
}

func (t *txn) finish() error {
	t.done = true
	err := errors.Join(t.closeIters(), t.batch.Close())
	if t.writable {
		t.engine.writeMu.Unlock()
	}
	return err
}

func (t *txn) Commit() error {
	if t.done {
		return kv.ErrTxnDone
	}
	if err := t.closeIters(); err != nil {
		_ = t.finish()
		return fmt.Errorf("failed to close iterators: %w", err)
	}
	if t.writable && !t.batch.Empty() {
		if err := t.batch.Commit(pebble.Sync); err != nil {
			_ = t.finish()
			return fmt.Errorf("failed to commit batch: %w", err)
		}
	}
	return t.finish()
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	return t.finish()
}
