package idb

import (
	"errors"
	"fmt"

	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/schema"
)

// ObjectStore is a store handle bound to one transaction.
type ObjectStore struct {
	tx  *Transaction
	def schema.StoreDef
}

// Name returns the store name.
func (s *ObjectStore) Name() schema.StoreName { return s.def.Name }

func (s *ObjectStore) space() string { return string(s.def.Name) }

func (s *ObjectStore) debug(op string, args ...any) string {
	return fmt.Sprintf("%s.%s%v", s.def.Name, op, args)
}

func (s *ObjectStore) writable() error {
	if s.tx.mode != ReadWrite {
		return fmt.Errorf("%w: %s", ErrReadOnly, s.def.Name)
	}
	return nil
}

func (s *ObjectStore) load(encKey []byte) (Value, error) {
	raw, err := s.tx.txn.Get(s.space(), encKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeValue(raw)
}

// Get returns the value stored under key, or nil when absent.
func (s *ObjectStore) Get(key kv.Key) *Request[Value] {
	return run(s.tx, s.space(), "get", s.debug("get", key), func() (Value, error) {
		enc, err := key.Encode()
		if err != nil {
			return nil, err
		}
		return s.load(enc)
	})
}

// Put stores v under the key taken from the store's key path.
func (s *ObjectStore) Put(v Value) *Request[kv.Key] {
	return run(s.tx, s.space(), "put", s.debug("put", v), func() (kv.Key, error) {
		return s.write(v, false)
	})
}

// Add stores v and fails with ErrConstraint when the key exists.
func (s *ObjectStore) Add(v Value) *Request[kv.Key] {
	return run(s.tx, s.space(), "add", s.debug("add", v), func() (kv.Key, error) {
		return s.write(v, true)
	})
}

func (s *ObjectStore) write(v Value, mustBeNew bool) (kv.Key, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	key, err := v.KeyFrom(s.def.KeyPath)
	if err != nil {
		return nil, err
	}
	enc, err := key.Encode()
	if err != nil {
		return nil, err
	}
	old, err := s.load(enc)
	if err != nil {
		return nil, err
	}
	if old != nil && mustBeNew {
		return nil, fmt.Errorf("%w: %s%v", ErrConstraint, s.def.Name, key)
	}
	if old != nil {
		if err := s.removeIndexEntries(key, old); err != nil {
			return nil, err
		}
	}

	raw, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	if err := s.tx.txn.Set(s.space(), enc, raw); err != nil {
		return nil, err
	}
	if err := s.addIndexEntries(key, v); err != nil {
		return nil, err
	}
	return key, nil
}

func indexEntryKey(idx schema.IndexDef, primary kv.Key, v Value) ([]byte, bool, error) {
	idxKey, err := v.KeyFrom(idx.KeyPath)
	if err != nil {
		// Values missing an indexed field are not indexed.
		return nil, false, nil
	}
	full := append(append(kv.Key{}, idxKey...), primary...)
	enc, err := full.Encode()
	if err != nil {
		return nil, false, err
	}
	return enc, true, nil
}

func (s *ObjectStore) addIndexEntries(primary kv.Key, v Value) error {
	pk, err := primary.Encode()
	if err != nil {
		return err
	}
	for _, idx := range s.def.Indexes {
		enc, ok, err := indexEntryKey(idx, primary, v)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.tx.txn.Set(schema.IndexSpace(s.def.Name, idx.Name), enc, pk); err != nil {
			return err
		}
	}
	return nil
}

func (s *ObjectStore) removeIndexEntries(primary kv.Key, v Value) error {
	for _, idx := range s.def.Indexes {
		enc, ok, err := indexEntryKey(idx, primary, v)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.tx.txn.Delete(schema.IndexSpace(s.def.Name, idx.Name), enc); err != nil {
			return err
		}
	}
	return nil
}

// DeleteKey removes the value under key. Missing keys are not an error.
func (s *ObjectStore) DeleteKey(key kv.Key) *Request[struct{}] {
	return run(s.tx, s.space(), "delete", s.debug("delete", key), func() (struct{}, error) {
		if err := s.writable(); err != nil {
			return struct{}{}, err
		}
		enc, err := key.Encode()
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.deleteEncoded(key, enc)
	})
}

func (s *ObjectStore) deleteEncoded(key kv.Key, enc []byte) error {
	old, err := s.load(enc)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}
	if err := s.removeIndexEntries(key, old); err != nil {
		return err
	}
	return s.tx.txn.Delete(s.space(), enc)
}

// DeleteRange removes every value in r and returns how many were removed.
func (s *ObjectStore) DeleteRange(r kv.Range) *Request[int] {
	return run(s.tx, s.space(), "deleteRange", s.debug("deleteRange", r.Lower, r.Upper), func() (int, error) {
		if err := s.writable(); err != nil {
			return 0, err
		}
		it, err := s.tx.txn.Scan(s.space(), r, false)
		if err != nil {
			return 0, err
		}
		defer it.Close()

		n := 0
		for it.Next() {
			if len(s.def.Indexes) > 0 {
				key, err := kv.DecodeKey(it.Key())
				if err != nil {
					return n, err
				}
				v, err := decodeValue(it.Value())
				if err != nil {
					return n, err
				}
				if err := s.removeIndexEntries(key, v); err != nil {
					return n, err
				}
			}
			n++
		}
		if err := it.Err(); err != nil {
			return n, err
		}
		return n, s.tx.txn.DeleteRange(s.space(), r)
	})
}

// Clear removes every value and index entry of the store.
func (s *ObjectStore) Clear() *Request[struct{}] {
	return run(s.tx, s.space(), "clear", s.debug("clear"), func() (struct{}, error) {
		if err := s.writable(); err != nil {
			return struct{}{}, err
		}
		if err := s.tx.txn.DeleteRange(s.space(), kv.All); err != nil {
			return struct{}{}, err
		}
		for _, idx := range s.def.Indexes {
			if err := s.tx.txn.DeleteRange(schema.IndexSpace(s.def.Name, idx.Name), kv.All); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
}

// Count returns the number of values in r.
func (s *ObjectStore) Count(r kv.Range) *Request[int] {
	return run(s.tx, s.space(), "count", s.debug("count", r.Lower, r.Upper), func() (int, error) {
		return countRange(s.tx.txn, s.space(), r)
	})
}

func countRange(txn kv.Txn, space string, r kv.Range) (int, error) {
	it, err := txn.Scan(space, r, false)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// GetAll returns every value in r in key order.
func (s *ObjectStore) GetAll(r kv.Range) *Request[[]Value] {
	return run(s.tx, s.space(), "getAll", s.debug("getAll", r.Lower, r.Upper), func() ([]Value, error) {
		entries, err := s.entries(r, Next)
		if err != nil {
			return nil, err
		}
		out := make([]Value, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.value)
		}
		return out, nil
	})
}

// OpenCursor iterates over r in direction dir. Records are decoded as the
// cursor reaches them.
func (s *ObjectStore) OpenCursor(r kv.Range, dir Direction, opts CursorOptions) *CursorRequest {
	debug := s.debug("openCursor", r.Lower, r.Upper, dir)
	return openCursor(s.tx, s.space(), debug, opts, func() (kv.Iterator, error) {
		return s.tx.txn.Scan(s.space(), r, dir == Prev)
	}, s.decodeEntry)
}

func (s *ObjectStore) decodeEntry(it kv.Iterator) (entry, error) {
	key, err := kv.DecodeKey(it.Key())
	if err != nil {
		return entry{}, err
	}
	v, err := decodeValue(it.Value())
	if err != nil {
		return entry{}, err
	}
	return entry{key: key, primaryKey: key, value: v}, nil
}

func (s *ObjectStore) entries(r kv.Range, dir Direction) ([]entry, error) {
	it, err := s.tx.txn.Scan(s.space(), r, dir == Prev)
	if err != nil {
		return nil, err
	}
	return collectEntries(it, s.decodeEntry, 0)
}

// Index returns a handle to a declared index.
func (s *ObjectStore) Index(name string) (*Index, error) {
	def, ok := s.def.Index(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, s.def.Name, name)
	}
	return &Index{store: s, def: def}, nil
}

// Index is a secondary index handle.
type Index struct {
	store *ObjectStore
	def   schema.IndexDef
}

func (i *Index) space() string { return schema.IndexSpace(i.store.def.Name, i.def.Name) }

func (i *Index) debug(op string, args ...any) string {
	return fmt.Sprintf("%s.index(%s).%s%v", i.store.def.Name, i.def.Name, op, args)
}

// indexRange widens r so that bounds match every entry whose index key
// equals the bound, whatever primary key follows it.
func indexRange(r kv.Range) kv.Range {
	out := r
	if r.Lower != nil && r.LowerOpen {
		out.Lower = append(append([]byte(nil), r.Lower...), 0xFF)
		out.LowerOpen = false
	}
	if r.Upper != nil && !r.UpperOpen {
		out.Upper = append(append([]byte(nil), r.Upper...), 0xFF)
		out.UpperOpen = true
	}
	return out
}

func (i *Index) decodeEntry(it kv.Iterator) (entry, error) {
	full, err := kv.DecodeKey(it.Key())
	if err != nil {
		return entry{}, err
	}
	width := len(i.def.KeyPath)
	if len(full) < width {
		return entry{}, fmt.Errorf("corrupt index entry in %s", i.space())
	}
	v, err := i.store.load(it.Value())
	if err != nil {
		return entry{}, err
	}
	if v == nil {
		return entry{}, fmt.Errorf("index %s points at missing record %v", i.space(), full[width:])
	}
	return entry{key: full[:width], primaryKey: full[width:], value: v}, nil
}

// entries returns up to limit index entries in r, every entry when limit
// is zero.
func (i *Index) entries(r kv.Range, dir Direction, limit int) ([]entry, error) {
	it, err := i.store.tx.txn.Scan(i.space(), indexRange(r), dir == Prev)
	if err != nil {
		return nil, err
	}
	return collectEntries(it, i.decodeEntry, limit)
}

// Get returns the first value whose index key equals key, or nil.
func (i *Index) Get(key kv.Key) *Request[Value] {
	return run(i.store.tx, i.space(), "get", i.debug("get", key), func() (Value, error) {
		r, err := kv.Only(key)
		if err != nil {
			return nil, err
		}
		entries, err := i.entries(r, Next, 1)
		if err != nil || len(entries) == 0 {
			return nil, err
		}
		return entries[0].value, nil
	})
}

// GetAll returns the values whose index key is in r, in index order.
func (i *Index) GetAll(r kv.Range) *Request[[]Value] {
	return run(i.store.tx, i.space(), "getAll", i.debug("getAll", r.Lower, r.Upper), func() ([]Value, error) {
		entries, err := i.entries(r, Next, 0)
		if err != nil {
			return nil, err
		}
		out := make([]Value, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.value)
		}
		return out, nil
	})
}

// Count returns the number of index entries in r.
func (i *Index) Count(r kv.Range) *Request[int] {
	return run(i.store.tx, i.space(), "count", i.debug("count", r.Lower, r.Upper), func() (int, error) {
		return countRange(i.store.tx.txn, i.space(), indexRange(r))
	})
}

// OpenCursor iterates over index entries in r. Each record is loaded when
// the cursor reaches its entry.
func (i *Index) OpenCursor(r kv.Range, dir Direction, opts CursorOptions) *CursorRequest {
	debug := i.debug("openCursor", r.Lower, r.Upper, dir)
	return openCursor(i.store.tx, i.space(), debug, opts, func() (kv.Iterator, error) {
		return i.store.tx.txn.Scan(i.space(), indexRange(r), dir == Prev)
	}, i.decodeEntry)
}
