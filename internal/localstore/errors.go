package localstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCapabilityUnavailable is returned by versioned accessors when the
	// open database predates the stores a capability needs.
	ErrCapabilityUnavailable = errors.New("capability unavailable at this schema version")
	// ErrLockConflict is returned when another session holds a document lease.
	ErrLockConflict = errors.New("document is locked by another session")
	// ErrLeaseLost is returned when refreshing a lease this session no
	// longer holds.
	ErrLeaseLost = errors.New("document lease lost")
	// ErrOpenTimeout is returned when opening the database takes too long.
	ErrOpenTimeout = errors.New("timed out opening local database")
)

// ErrorType classifies a LocalStoreError.
type ErrorType string

const (
	DatabaseError       ErrorType = "DATABASE_ERROR"
	OpenDatabaseTimeout ErrorType = "OPEN_DATABASE_TIMEOUT"
	SchemaIncompatible  ErrorType = "SCHEMA_INCOMPATIBLE"
	LockConflict        ErrorType = "LOCK_CONFLICT"
)

// LocalStoreError is a recoverable storage failure.
type LocalStoreError struct {
	Type ErrorType
	Op   string
	Err  error
}

func (e *LocalStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Op)
}

// Unwrap returns the underlying cause.
func (e *LocalStoreError) Unwrap() error {
	return e.Err
}

func newStoreError(op string, err error) *LocalStoreError {
	var lse *LocalStoreError
	if errors.As(err, &lse) {
		return lse
	}
	t := DatabaseError
	if errors.Is(err, ErrLockConflict) {
		t = LockConflict
	}
	return &LocalStoreError{Type: t, Op: op, Err: err}
}

// IsType reports whether err is a LocalStoreError of type t.
func IsType(err error, t ErrorType) bool {
	var lse *LocalStoreError
	return errors.As(err, &lse) && lse.Type == t
}

// InvariantError is the panic value for programmer errors.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Msg
}

func invariant(format string, args ...any) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}
