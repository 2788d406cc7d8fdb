package localstore

import (
	"context"
	"fmt"
	"time"

	"github.com/choplin/officestore/internal/idb"
	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/schema"
)

// Capability turns records of the types it owns into operations and
// executes those operations inside a transaction.
type Capability interface {
	RecordTypes() []RecordType
	StoreNames() []schema.StoreName
	CreateOperations(r Record) ([]*Operation, error)
	PerformOperation(tx *idb.Transaction, op *Operation) error
}

// EntityStore is the capability for a keyed entity record type.
type EntityStore struct {
	db         *idb.Database
	recordType RecordType
	def        schema.StoreDef
}

func newEntityStore(db *idb.Database, rt RecordType, store schema.StoreName) *EntityStore {
	def, ok := schema.Lookup(db.Version(), store)
	if !ok {
		invariant("store %s missing at version %d", store, db.Version())
	}
	return &EntityStore{db: db, recordType: rt, def: def}
}

// RecordTypes implements Capability.
func (s *EntityStore) RecordTypes() []RecordType { return []RecordType{s.recordType} }

// StoreNames implements Capability.
func (s *EntityStore) StoreNames() []schema.StoreName { return []schema.StoreName{s.def.Name} }

func (s *EntityStore) entity(r Record) *Entity {
	e, ok := r.(*Entity)
	if !ok || e.RecordType() != s.recordType {
		invariant("%s capability received %T of type %s", s.recordType, r, r.RecordType())
	}
	return e
}

// CreateOperations implements Capability.
func (s *EntityStore) CreateOperations(r Record) ([]*Operation, error) {
	e := s.entity(r)
	if e.IsToBeDeleted() {
		if e.IsNew() {
			return nil, nil
		}
		key := e.storedKey
		if key == nil {
			var err error
			if key, err = e.Key(); err != nil {
				return nil, err
			}
		}
		return []*Operation{NewDeleteRecordOperation(s.recordType, key)}, nil
	}

	key, err := e.Key()
	if err != nil {
		return nil, fmt.Errorf("%s key: %w", s.recordType, err)
	}
	if old, moved := e.moved(); moved {
		return []*Operation{
			NewDeleteRecordOperation(s.recordType, old),
			NewUpdateRecordOperation(s.recordType, key, e.Properties(), true),
		}, nil
	}
	if e.IsNew() {
		return []*Operation{NewUpdateRecordOperation(s.recordType, key, e.Properties(), true)}, nil
	}
	mods := e.DirtyProperties()
	if len(mods) == 0 {
		if !e.ShouldWriteIfClean() {
			return nil, nil
		}
		mods = e.Properties()
	}
	return []*Operation{NewUpdateRecordOperation(s.recordType, key, mods, false)}, nil
}

// PerformOperation implements Capability.
func (s *EntityStore) PerformOperation(tx *idb.Transaction, op *Operation) error {
	store, err := tx.ObjectStore(s.def.Name)
	if err != nil {
		return err
	}
	switch op.Type() {
	case OpUpdateRecord:
		return applyUpdate(store, s.def.KeyPath, op.Key(), op.Modifications(), op.IsNew())
	case OpDeleteRecord:
		return store.DeleteKey(op.Key()).Err()
	default:
		invariant("%s capability cannot perform %s", s.recordType, op.Type())
		return nil
	}
}

// Get reads the entity stored under key.
func (s *EntityStore) Get(ctx context.Context, key kv.Key) (*Entity, error) {
	var found idb.Value
	err := view(ctx, s.db, []schema.StoreName{s.def.Name}, func(tx *idb.Transaction) error {
		v, err := tx.MustObjectStore(s.def.Name).Get(key).Result()
		found = v
		return err
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, s.recordType, key)
	}
	return newEntity(s.recordType, s.def.KeyPath, found, false), nil
}

// List reads every entity in r in key order.
func (s *EntityStore) List(ctx context.Context, r kv.Range) ([]*Entity, error) {
	var values []idb.Value
	err := view(ctx, s.db, []schema.StoreName{s.def.Name}, func(tx *idb.Transaction) error {
		var err error
		values, err = tx.MustObjectStore(s.def.Name).GetAll(r).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.hydrate(values), nil
}

func (s *EntityStore) hydrate(values []idb.Value) []*Entity {
	out := make([]*Entity, 0, len(values))
	for _, v := range values {
		out = append(out, newEntity(s.recordType, s.def.KeyPath, v, false))
	}
	return out
}

// CommentStore adds the comments_state index query to the comment entity
// store.
type CommentStore struct {
	*EntityStore
}

// ByState returns the comments in state, optionally limited to docID, in
// (docId, id) order.
func (s *CommentStore) ByState(ctx context.Context, state, docID string) ([]*Entity, error) {
	prefix := kv.Key{state}
	if docID != "" {
		prefix = append(prefix, docID)
	}
	r, err := kv.Prefix(prefix)
	if err != nil {
		return nil, err
	}
	var values []idb.Value
	err = view(ctx, s.db, []schema.StoreName{schema.Comments}, func(tx *idb.Transaction) error {
		idx, err := tx.MustObjectStore(schema.Comments).Index(schema.CommentsState)
		if err != nil {
			return err
		}
		values, err = idx.GetAll(r).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.hydrate(values), nil
}

// ApplicationMetadataStore writes per-document-type metadata through the
// dedicated merge operation.
type ApplicationMetadataStore struct {
	*EntityStore
	clock func() time.Time
}

// CreateOperations implements Capability.
func (s *ApplicationMetadataStore) CreateOperations(r Record) ([]*Operation, error) {
	e := s.entity(r)
	if e.IsToBeDeleted() {
		return s.EntityStore.CreateOperations(r)
	}
	mods := e.DirtyProperties()
	if e.IsNew() || (len(mods) == 0 && e.ShouldWriteIfClean()) {
		mods = e.Properties()
	}
	if len(mods) == 0 {
		return nil, nil
	}
	mods["updatedAt"] = s.clock().UnixMilli()
	return []*Operation{NewUpdateApplicationMetadataOperation(e.String("docType"), mods)}, nil
}

// PerformOperation implements Capability.
func (s *ApplicationMetadataStore) PerformOperation(tx *idb.Transaction, op *Operation) error {
	if op.Type() != OpUpdateApplicationMetadata {
		return s.EntityStore.PerformOperation(tx, op)
	}
	store, err := tx.ObjectStore(schema.ApplicationMetadata)
	if err != nil {
		return err
	}
	return applyUpdate(store, s.def.KeyPath, op.Key(), op.Modifications(), false)
}

// applyUpdate merges mods into the value under key, or replaces it when
// replace is set. Key fields always come from key.
func applyUpdate(store *idb.ObjectStore, keyPath []string, key kv.Key, mods map[string]any, replace bool) error {
	var v idb.Value
	if !replace {
		existing, err := store.Get(key).Result()
		if err != nil {
			return err
		}
		v = existing.Clone()
	}
	if v == nil {
		v = make(idb.Value, len(mods)+len(keyPath))
	}
	for k, val := range mods {
		v[k] = val
	}
	if len(keyPath) != len(key) {
		return fmt.Errorf("key %s does not match key path %v", key, keyPath)
	}
	for i, field := range keyPath {
		v[field] = key[i]
	}
	return store.Put(v).Err()
}

// view runs fn in a read-only transaction.
func view(ctx context.Context, db *idb.Database, stores []schema.StoreName, fn func(tx *idb.Transaction) error) error {
	tx, err := db.Transaction(ctx, stores, idb.ReadOnly)
	if err != nil {
		return newStoreError("begin read", err)
	}
	if err := fn(tx); err != nil {
		tx.Abort(err)
		return newStoreError("read", err)
	}
	if err := tx.Commit(); err != nil {
		return newStoreError("read", err)
	}
	return nil
}
