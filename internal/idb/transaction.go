package idb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/schema"
)

var (
	// ErrTransactionInactive is returned for requests issued after the
	// transaction committed or aborted.
	ErrTransactionInactive = errors.New("idb: transaction is not active")
	// ErrAbandoned is the abort reason of a transaction abandoned by a
	// cursor after its first result.
	ErrAbandoned = errors.New("idb: transaction abandoned on result")
	// ErrUnknownStore is returned for stores absent at the schema version.
	ErrUnknownStore = errors.New("idb: unknown object store")
	// ErrNotInScope is returned when a store outside the transaction scope
	// is requested.
	ErrNotInScope = errors.New("idb: object store not in transaction scope")
	// ErrUnknownIndex is returned for undeclared indices.
	ErrUnknownIndex = errors.New("idb: unknown index")
	// ErrReadOnly is returned when a read-only transaction is written to.
	ErrReadOnly = errors.New("idb: transaction is read-only")
	// ErrConstraint is returned by Add when the key already exists.
	ErrConstraint = errors.New("idb: key already exists")
)

// Mode is a transaction mode.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// TxState is the state of a transaction.
type TxState int

const (
	Active TxState = iota
	Committed
	Aborted
)

// TransactionStatus is shared between a transaction and its requests so a
// request issued after the transaction finished is rejected.
type TransactionStatus struct {
	mu     sync.Mutex
	state  TxState
	reason error
}

// State returns the transaction state.
func (s *TransactionStatus) State() TxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the transaction aborted.
func (s *TransactionStatus) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns nil while active and ErrTransactionInactive otherwise.
func (s *TransactionStatus) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Active:
		return nil
	case Aborted:
		return fmt.Errorf("%w: aborted: %w", ErrTransactionInactive, s.reason)
	default:
		return fmt.Errorf("%w: committed", ErrTransactionInactive)
	}
}

func (s *TransactionStatus) finish(state TxState, reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return false
	}
	s.state, s.reason = state, reason
	return true
}

// Database opens transactions over an engine migrated to version.
type Database struct {
	engine  kv.Engine
	version int
	tracker *RequestTracker
	log     *zap.SugaredLogger
}

// NewDatabase wraps engine. The engine must already be at version.
func NewDatabase(engine kv.Engine, version int, tracker *RequestTracker, log *zap.SugaredLogger) *Database {
	return &Database{engine: engine, version: version, tracker: tracker, log: logger.OrNop(log)}
}

// Version returns the schema version.
func (d *Database) Version() int { return d.version }

// Engine returns the underlying engine.
func (d *Database) Engine() kv.Engine { return d.engine }

// Tracker returns the request tracker.
func (d *Database) Tracker() *RequestTracker { return d.tracker }

// HasStore reports whether name exists at the database version.
func (d *Database) HasStore(name schema.StoreName) bool {
	_, ok := schema.Lookup(d.version, name)
	return ok
}

// Transaction begins a transaction over stores.
func (d *Database) Transaction(ctx context.Context, stores []schema.StoreName, mode Mode) (*Transaction, error) {
	scope := make(map[schema.StoreName]schema.StoreDef, len(stores))
	for _, name := range stores {
		def, ok := schema.Lookup(d.version, name)
		if !ok {
			return nil, fmt.Errorf("%w: %s at version %d", ErrUnknownStore, name, d.version)
		}
		scope[name] = def
	}

	txn, err := d.engine.Begin(ctx, mode == ReadWrite)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		txn:     txn,
		mode:    mode,
		scope:   scope,
		status:  &TransactionStatus{},
		tracker: d.tracker,
		log:     d.log,
	}, nil
}

// Transaction is a set of requests that commit or abort together.
type Transaction struct {
	txn     kv.Txn
	mode    Mode
	scope   map[schema.StoreName]schema.StoreDef
	status  *TransactionStatus
	tracker *RequestTracker
	log     *zap.SugaredLogger
}

// Mode returns the transaction mode.
func (t *Transaction) Mode() Mode { return t.mode }

// Status returns the shared status.
func (t *Transaction) Status() *TransactionStatus { return t.status }

// ObjectStore returns a handle to a store in scope.
func (t *Transaction) ObjectStore(name schema.StoreName) (*ObjectStore, error) {
	def, ok := t.scope[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInScope, name)
	}
	return &ObjectStore{tx: t, def: def}, nil
}

// MustObjectStore is ObjectStore for stores the caller declared in scope.
func (t *Transaction) MustObjectStore(name schema.StoreName) *ObjectStore {
	s, err := t.ObjectStore(name)
	if err != nil {
		panic(err)
	}
	return s
}

// Commit makes the transaction's writes durable. Committing a transaction
// that aborted returns the abort reason, except for abandoned read
// transactions.
func (t *Transaction) Commit() error {
	switch t.status.State() {
	case Committed:
		return fmt.Errorf("%w: committed", ErrTransactionInactive)
	case Aborted:
		reason := t.status.Reason()
		if errors.Is(reason, ErrAbandoned) {
			return nil
		}
		return reason
	}

	if err := t.txn.Commit(); err != nil {
		t.status.finish(Aborted, err)
		return err
	}
	t.status.finish(Committed, nil)
	return nil
}

// Abort rolls back the transaction.
func (t *Transaction) Abort(reason error) {
	if reason == nil {
		reason = errors.New("idb: aborted by caller")
	}
	t.abort(reason)
}

func (t *Transaction) abort(reason error) {
	if !t.status.finish(Aborted, reason) {
		return
	}
	if err := t.txn.Rollback(); err != nil {
		t.log.Warnw("rollback failed", "error", err)
	}
}
