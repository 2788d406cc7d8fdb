// Package kv defines the ordered, transactional key-value engine the local
// object stores are built on, plus the tuple key encoding shared by every
// backend.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("kv: not found")
	// ErrTxnDone is returned when a finished transaction is used.
	ErrTxnDone = errors.New("kv: transaction already finished")
	// ErrReadOnly is returned when a read-only transaction is written to.
	ErrReadOnly = errors.New("kv: transaction is read-only")
	// ErrUnknownSpace is returned when a keyspace does not exist at the
	// current schema version.
	ErrUnknownSpace = errors.New("kv: unknown keyspace")
)

var spaceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateSpace rejects keyspace names that are unsafe to use as table names
// or key prefixes.
func ValidateSpace(space string) error {
	if !spaceNamePattern.MatchString(space) {
		return fmt.Errorf("invalid keyspace name %q: must be lowercase alphanumeric or underscore and start with a letter", space)
	}
	return nil
}

// Engine is a durable store of named, ordered keyspaces.
type Engine interface {
	// Begin starts a transaction. Writable transactions are serialized.
	Begin(ctx context.Context, writable bool) (Txn, error)
	// Version returns the applied schema version, 0 when uninitialized.
	Version(ctx context.Context) (int, error)
	// Migrate applies the schema steps up to target, one step at a time.
	Migrate(ctx context.Context, target int) error
	// Destroy removes every keyspace and the version marker.
	Destroy(ctx context.Context) error
	// Spaces lists the existing keyspaces, sorted.
	Spaces(ctx context.Context) ([]string, error)
	Close() error
}

// Txn is a transaction over the engine's keyspaces.
type Txn interface {
	Get(space string, key []byte) ([]byte, error)
	Set(space string, key, value []byte) error
	Delete(space string, key []byte) error
	DeleteRange(space string, r Range) error
	// Scan returns the pairs of space within r in key order, or reverse key
	// order when reverse is set.
	Scan(space string, r Range, reverse bool) (Iterator, error)
	Commit() error
	Rollback() error
}

// Iterator walks key/value pairs. Key and Value are valid until Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Pair is one key/value entry.
type Pair struct {
	Key   []byte
	Value []byte
}

// SliceIterator iterates over materialized pairs.
type SliceIterator struct {
	pairs []Pair
	pos   int
}

// NewSliceIterator returns an iterator over pairs in the given order.
func NewSliceIterator(pairs []Pair) *SliceIterator {
	return &SliceIterator{pairs: pairs, pos: -1}
}

// Next implements Iterator.
func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.pairs) {
		it.pos = len(it.pairs)
		return false
	}
	it.pos++
	return true
}

// Key implements Iterator.
func (it *SliceIterator) Key() []byte { return it.pairs[it.pos].Key }

// Value implements Iterator.
func (it *SliceIterator) Value() []byte { return it.pairs[it.pos].Value }

// Err implements Iterator.
func (it *SliceIterator) Err() error { return nil }

// Close implements Iterator.
func (it *SliceIterator) Close() error { return nil }

// Range selects encoded keys. A nil bound is unbounded.
type Range struct {
	Lower     []byte
	Upper     []byte
	LowerOpen bool
	UpperOpen bool
}

// All is the unbounded range.
var All = Range{}

// Only returns the range holding exactly key.
func Only(key Key) (Range, error) {
	enc, err := key.Encode()
	if err != nil {
		return Range{}, err
	}
	return Range{Lower: enc, Upper: enc}, nil
}

// Prefix returns the range of every key that starts with the tuple prefix,
// including prefix itself.
func Prefix(prefix Key) (Range, error) {
	enc, err := prefix.Encode()
	if err != nil {
		return Range{}, err
	}
	upper := append(append([]byte(nil), enc...), 0xFF)
	return Range{Lower: enc, Upper: upper, UpperOpen: true}, nil
}

// Bound returns the range between two keys. Either key may be nil.
func Bound(lower, upper Key, lowerOpen, upperOpen bool) (Range, error) {
	var r Range
	if lower != nil {
		enc, err := lower.Encode()
		if err != nil {
			return Range{}, err
		}
		r.Lower, r.LowerOpen = enc, lowerOpen
	}
	if upper != nil {
		enc, err := upper.Encode()
		if err != nil {
			return Range{}, err
		}
		r.Upper, r.UpperOpen = enc, upperOpen
	}
	return r, nil
}

// Span returns the inclusive lower and exclusive upper byte bounds of r.
// Either may be nil when unbounded.
func (r Range) Span() (lower, upper []byte) {
	if r.Lower != nil {
		lower = r.Lower
		if r.LowerOpen {
			lower = append(append([]byte(nil), r.Lower...), 0x00)
		}
	}
	if r.Upper != nil {
		upper = r.Upper
		if !r.UpperOpen {
			upper = append(append([]byte(nil), r.Upper...), 0x00)
		}
	}
	return lower, upper
}

// Contains reports whether key falls within r.
func (r Range) Contains(key []byte) bool {
	lower, upper := r.Span()
	if lower != nil && bytes.Compare(key, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(key, upper) >= 0 {
		return false
	}
	return true
}
