package localstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/idb"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/schema"
)

// AdapterOptions configures the capabilities of a StorageAdapter.
type AdapterOptions struct {
	Serializer   command.Serializer
	SessionID    string
	LockDuration time.Duration
	Clock        func() time.Time
	Logger       *zap.SugaredLogger
}

// StorageAdapter routes records and operations to the capabilities
// available at one schema version.
type StorageAdapter struct {
	db    *idb.Database
	log   *zap.SugaredLogger
	caps  []Capability
	owner map[RecordType]Capability

	documents *DocumentCapability
	entities  map[RecordType]*EntityStore
	comments  *CommentStore
	appMeta   *ApplicationMetadataStore
	locks     *LockManager
}

// NewStorageAdapter registers every capability whose stores exist at the
// database version.
func NewStorageAdapter(db *idb.Database, opts AdapterOptions) *StorageAdapter {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Serializer == nil {
		opts.Serializer = command.JSONSerializer{}
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 30 * time.Second
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	a := &StorageAdapter{
		db:       db,
		log:      logger.OrNop(opts.Logger),
		owner:    make(map[RecordType]Capability),
		entities: make(map[RecordType]*EntityStore),
	}

	v := db.Version()
	entity := func(rt RecordType, store schema.StoreName) *EntityStore {
		s := newEntityStore(db, rt, store)
		a.entities[rt] = s
		return s
	}

	if v >= 1 {
		a.Register(entity(RecordUser, schema.Users))
		a.Register(entity(RecordPendingQueue, schema.PendingQueues))
		a.locks = NewLockManager(db, opts.SessionID, opts.LockDuration, opts.Clock, a.log)
	}
	if v >= 2 {
		a.documents = newDocumentCapability(db, opts.Serializer, a.locks, a.log)
		a.Register(a.documents)
	}
	if v >= 3 {
		a.appMeta = &ApplicationMetadataStore{EntityStore: entity(RecordApplicationMetadata, schema.ApplicationMetadata), clock: opts.Clock}
		a.Register(a.appMeta)
	}
	if v >= 4 {
		a.comments = &CommentStore{EntityStore: entity(RecordComment, schema.Comments)}
		a.Register(a.comments)
		a.Register(entity(RecordFontMetadata, schema.FontMetadata))
	}
	if v >= 5 {
		a.Register(entity(RecordSyncObject, schema.SyncObjects))
	}
	if v >= 6 {
		a.Register(entity(RecordProfileData, schema.ProfileData))
		a.Register(entity(RecordImpression, schema.Impressions))
	}
	return a
}

// Register adds c. A record type owned by two capabilities is a
// configuration error and panics.
func (a *StorageAdapter) Register(c Capability) {
	for _, rt := range c.RecordTypes() {
		if _, dup := a.owner[rt]; dup {
			invariant("record type %s already has a capability", rt)
		}
		a.owner[rt] = c
	}
	a.caps = append(a.caps, c)
}

// CapabilityFor returns the capability owning rt.
func (a *StorageAdapter) CapabilityFor(rt RecordType) (Capability, bool) {
	c, ok := a.owner[rt]
	return c, ok
}

// RecordTypes returns every registered record type, sorted.
func (a *StorageAdapter) RecordTypes() []RecordType {
	out := make([]RecordType, 0, len(a.owner))
	for rt := range a.owner {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Version returns the schema version the adapter was built for.
func (a *StorageAdapter) Version() int { return a.db.Version() }

// Database returns the underlying database.
func (a *StorageAdapter) Database() *idb.Database { return a.db }

func unavailable(what string, version int) error {
	return fmt.Errorf("%w: %s at version %d", ErrCapabilityUnavailable, what, version)
}

// Documents returns the document capability.
func (a *StorageAdapter) Documents() (*DocumentCapability, error) {
	if a.documents == nil {
		return nil, unavailable("documents", a.Version())
	}
	return a.documents, nil
}

// Locks returns the lease manager of this session.
func (a *StorageAdapter) Locks() (*LockManager, error) {
	if a.locks == nil {
		return nil, unavailable("document locks", a.Version())
	}
	return a.locks, nil
}

// ApplicationMetadata returns the per document type metadata store.
func (a *StorageAdapter) ApplicationMetadata() (*ApplicationMetadataStore, error) {
	if a.appMeta == nil {
		return nil, unavailable("application metadata", a.Version())
	}
	return a.appMeta, nil
}

// Comments returns the comment store.
func (a *StorageAdapter) Comments() (*CommentStore, error) {
	if a.comments == nil {
		return nil, unavailable("comments", a.Version())
	}
	return a.comments, nil
}

// Users returns the user store.
func (a *StorageAdapter) Users() (*EntityStore, error) { return a.Keyed(RecordUser) }

// PendingQueues returns the store of persisted pending command queues.
func (a *StorageAdapter) PendingQueues() (*EntityStore, error) { return a.Keyed(RecordPendingQueue) }

// SyncObjects returns the sync object store.
func (a *StorageAdapter) SyncObjects() (*EntityStore, error) { return a.Keyed(RecordSyncObject) }

// Keyed returns the entity store for rt.
func (a *StorageAdapter) Keyed(rt RecordType) (*EntityStore, error) {
	s, ok := a.entities[rt]
	if !ok {
		return nil, unavailable(string(rt), a.Version())
	}
	return s, nil
}

// PerformOperations executes ops in one read-write transaction over every
// store the involved capabilities declare.
func (a *StorageAdapter) PerformOperations(ctx context.Context, ops []*Operation) error {
	if len(ops) == 0 {
		return nil
	}

	seen := make(map[schema.StoreName]struct{})
	var stores []schema.StoreName
	caps := make([]Capability, len(ops))
	for i, op := range ops {
		c, ok := a.owner[op.RecordType()]
		if !ok {
			invariant("no capability registered for %s", op.RecordType())
		}
		caps[i] = c
		for _, name := range c.StoreNames() {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				stores = append(stores, name)
			}
		}
	}

	tx, err := a.db.Transaction(ctx, stores, idb.ReadWrite)
	if err != nil {
		return newStoreError("begin write", err)
	}
	for i, op := range ops {
		if err := caps[i].PerformOperation(tx, op); err != nil {
			tx.Abort(err)
			a.log.Debugw("operation failed", "op", op.String(), "error", err)
			return newStoreError(string(op.Type()), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return newStoreError("commit", err)
	}
	a.log.Debugw("operations committed", "count", len(ops), "stores", len(stores))
	return nil
}
