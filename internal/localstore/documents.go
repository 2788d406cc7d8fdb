package localstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/idb"
	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/schema"
)

// ReadCommandsHandler receives the stored commands of a document part.
// Start is called once with the head revision, Batch once per batch in
// ascending (revision, chunkIndex) order, then Success once.
type ReadCommandsHandler struct {
	Start   func(headRevision int64)
	Batch   func(b CommandBatch)
	Success func()
}

// CommandBasedDocumentAdapter maps documents onto command batch storage.
type CommandBasedDocumentAdapter struct {
	db         *idb.Database
	serializer command.Serializer
	log        *zap.SugaredLogger
}

// CreateDocument returns a new, unsaved document.
func (a *CommandBasedDocumentAdapter) CreateDocument(id, docType string) *Document {
	return newDocument(map[string]any{propID: id, propDocType: docType}, true)
}

// CreateOperations drains the document queue into command operations.
// Documents scheduled for deletion yield none.
func (a *CommandBasedDocumentAdapter) CreateOperations(doc *Document) []*Operation {
	if doc.IsToBeDeleted() {
		return nil
	}
	lock := a.DocumentLockRequirement(doc).Level
	if doc.ShouldCommitStagedCommands() {
		if !doc.Queue().IsEmpty() {
			invariant("document %s commits staged commands with %d unwritten batches", doc.ID(), doc.Queue().Len())
		}
		return []*Operation{NewUnstageCommandsOperation(doc.ID()).WithLockRequirement(lock)}
	}
	if doc.Queue().IsEmpty() {
		return nil
	}

	snapshot := NewCommandQueue()
	doc.Queue().MoveCommandsTo(snapshot)
	replace := snapshot.ShouldReplacePrevious()
	batches := snapshot.GetUnwrittenCommands()
	doc.holdInFlight(batches, replace)
	return []*Operation{
		NewAppendCommandsOperation(doc.ID(), batches, replace, doc.IsStagingCommands()).WithLockRequirement(lock),
	}
}

// DocumentLockRequirement is OWNER while the document has queued or staged
// work, and otherwise OWNER only for deletion.
func (a *CommandBasedDocumentAdapter) DocumentLockRequirement(doc *Document) DocumentLockRequirement {
	if !doc.Queue().IsEmpty() || doc.IsStagingCommands() || doc.ShouldCommitStagedCommands() {
		return DocumentLockRequirement{Level: LockOwner}
	}
	if doc.IsToBeDeleted() {
		return DocumentLockRequirement{Level: LockOwner}
	}
	return DocumentLockRequirement{Level: LockNone}
}

// ReadCommands streams the live commands of one document part to h.
func (a *CommandBasedDocumentAdapter) ReadCommands(ctx context.Context, doc *Document, partID string, h ReadCommandsHandler) error {
	prefix, err := kv.Prefix(kv.Key{doc.ID(), partID})
	if err != nil {
		return err
	}
	var values []idb.Value
	err = view(ctx, a.db, []schema.StoreName{schema.DocumentCommands}, func(tx *idb.Transaction) error {
		var err error
		values, err = tx.MustObjectStore(schema.DocumentCommands).GetAll(prefix).Result()
		return err
	})
	if err != nil {
		return err
	}

	batches := make([]CommandBatch, 0, len(values))
	for _, v := range values {
		b, err := a.decodeBatch(v)
		if err != nil {
			return newStoreError("decode commands", err)
		}
		if len(b.Commands) == 0 {
			invariant("document %s part %s revision %d chunk %d has an empty command batch", doc.ID(), partID, b.Revision, b.ChunkIndex)
		}
		batches = append(batches, b)
	}

	var head int64
	if len(batches) > 0 {
		head = batches[0].Revision
	}
	if h.Start != nil {
		h.Start(head)
	}
	for _, b := range batches {
		if h.Batch != nil {
			h.Batch(b)
		}
	}
	if h.Success != nil {
		h.Success()
	}
	return nil
}

func (a *CommandBasedDocumentAdapter) encodeBatch(docID string, b CommandBatch) (idb.Value, error) {
	cmds, err := command.EncodeStored(a.serializer, b.Commands)
	if err != nil {
		return nil, err
	}
	return idb.Value{
		"docId":      docID,
		"partId":     b.PartID,
		"revision":   b.Revision,
		"chunkIndex": int64(b.ChunkIndex),
		"userName":   b.UserName,
		"timestamp":  b.Timestamp.UnixMilli(),
		"serializer": a.serializer.Name(),
		"commands":   cmds,
	}, nil
}

func (a *CommandBasedDocumentAdapter) decodeBatch(v idb.Value) (CommandBatch, error) {
	s := a.serializer
	if name := v.String("serializer"); name != "" && name != s.Name() {
		var err error
		if s, err = command.NewSerializer(name); err != nil {
			return CommandBatch{}, err
		}
	}
	cmds, err := command.DecodeStored(s, v["commands"])
	if err != nil {
		return CommandBatch{}, err
	}
	return CommandBatch{
		PartID:     v.String("partId"),
		Revision:   v.Int64("revision"),
		ChunkIndex: int(v.Int64("chunkIndex")),
		UserName:   v.String("userName"),
		Timestamp:  time.UnixMilli(v.Int64("timestamp")),
		Commands:   cmds,
	}, nil
}

func (a *CommandBasedDocumentAdapter) appendCommands(tx *idb.Transaction, op *Operation) error {
	target := schema.DocumentCommands
	if op.Staging() {
		target = schema.StagedCommands
	}
	store, err := tx.ObjectStore(target)
	if err != nil {
		return err
	}
	if op.Replace() {
		prefix, err := kv.Prefix(kv.Key{op.DocumentID()})
		if err != nil {
			return err
		}
		if err := store.DeleteRange(prefix).Err(); err != nil {
			return err
		}
	}
	for _, b := range op.Batches() {
		v, err := a.encodeBatch(op.DocumentID(), b)
		if err != nil {
			return err
		}
		if err := store.Put(v).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (a *CommandBasedDocumentAdapter) unstageCommands(tx *idb.Transaction, docID string) error {
	prefix, err := kv.Prefix(kv.Key{docID})
	if err != nil {
		return err
	}
	staged := tx.MustObjectStore(schema.StagedCommands)
	live := tx.MustObjectStore(schema.DocumentCommands)

	values, err := staged.GetAll(prefix).Result()
	if err != nil {
		return err
	}
	if err := live.DeleteRange(prefix).Err(); err != nil {
		return err
	}
	for _, v := range values {
		if err := live.Put(v).Err(); err != nil {
			return err
		}
	}
	return staged.DeleteRange(prefix).Err()
}

// DocumentCapability owns the DOCUMENT record type: document properties,
// command batches and deletion.
type DocumentCapability struct {
	db       *idb.Database
	commands *CommandBasedDocumentAdapter
	locks    *LockManager
	log      *zap.SugaredLogger
}

func newDocumentCapability(db *idb.Database, serializer command.Serializer, locks *LockManager, log *zap.SugaredLogger) *DocumentCapability {
	log = logger.OrNop(log)
	return &DocumentCapability{
		db:       db,
		commands: &CommandBasedDocumentAdapter{db: db, serializer: serializer, log: log},
		locks:    locks,
		log:      log,
	}
}

// Commands returns the command adapter.
func (c *DocumentCapability) Commands() *CommandBasedDocumentAdapter { return c.commands }

// Locks returns the lease manager used for lock enforcement.
func (c *DocumentCapability) Locks() *LockManager { return c.locks }

// RecordTypes implements Capability.
func (c *DocumentCapability) RecordTypes() []RecordType { return []RecordType{RecordDocument} }

// StoreNames implements Capability.
func (c *DocumentCapability) StoreNames() []schema.StoreName {
	return []schema.StoreName{schema.Documents, schema.DocumentLocks, schema.DocumentCommands, schema.StagedCommands}
}

// CreateDocument returns a new, unsaved document.
func (c *DocumentCapability) CreateDocument(id, docType string) *Document {
	return c.commands.CreateDocument(id, docType)
}

// CreateOperations implements Capability.
func (c *DocumentCapability) CreateOperations(r Record) ([]*Operation, error) {
	doc, ok := r.(*Document)
	if !ok {
		invariant("document capability received %T", r)
	}
	key := kv.Key{doc.ID()}
	if doc.IsToBeDeleted() {
		if doc.IsNew() {
			return nil, nil
		}
		return []*Operation{NewDeleteRecordOperation(RecordDocument, key).WithLockRequirement(LockOwner)}, nil
	}

	var ops []*Operation
	switch {
	case doc.IsNew():
		ops = append(ops, NewUpdateRecordOperation(RecordDocument, key, doc.Properties(), true))
	case doc.BaseRecord.IsModified():
		ops = append(ops, NewUpdateRecordOperation(RecordDocument, key, doc.DirtyProperties(), false))
	case doc.ShouldWriteIfClean():
		ops = append(ops, NewUpdateRecordOperation(RecordDocument, key, doc.Properties(), false))
	}
	return append(ops, c.commands.CreateOperations(doc)...), nil
}

// PerformOperation implements Capability.
func (c *DocumentCapability) PerformOperation(tx *idb.Transaction, op *Operation) error {
	if op.LockRequirement() == LockOwner && c.locks != nil {
		if err := c.locks.checkOwner(tx, op.Key()[0].(string)); err != nil {
			return err
		}
	}
	switch op.Type() {
	case OpUpdateRecord:
		store, err := tx.ObjectStore(schema.Documents)
		if err != nil {
			return err
		}
		return applyUpdate(store, []string{propID}, op.Key(), op.Modifications(), op.IsNew())
	case OpDeleteRecord:
		return c.deleteDocument(tx, op.Key())
	case OpAppendCommands:
		return c.commands.appendCommands(tx, op)
	case OpUnstageCommands:
		return c.commands.unstageCommands(tx, op.DocumentID())
	default:
		invariant("document capability cannot perform %s", op.Type())
		return nil
	}
}

func (c *DocumentCapability) deleteDocument(tx *idb.Transaction, key kv.Key) error {
	if err := tx.MustObjectStore(schema.Documents).DeleteKey(key).Err(); err != nil {
		return err
	}
	prefix, err := kv.Prefix(key)
	if err != nil {
		return err
	}
	for _, name := range []schema.StoreName{schema.DocumentCommands, schema.StagedCommands} {
		if err := tx.MustObjectStore(name).DeleteRange(prefix).Err(); err != nil {
			return err
		}
	}
	return nil
}

// ReadDocument hydrates the stored document id.
func (c *DocumentCapability) ReadDocument(ctx context.Context, id string) (*Document, error) {
	var found idb.Value
	err := view(ctx, c.db, []schema.StoreName{schema.Documents}, func(tx *idb.Transaction) error {
		var err error
		found, err = tx.MustObjectStore(schema.Documents).Get(kv.Key{id}).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return newDocument(found.Clone(), false), nil
}

// ListDocuments hydrates every stored document, optionally limited to
// docType, in id order.
func (c *DocumentCapability) ListDocuments(ctx context.Context, docType string) ([]*Document, error) {
	var values []idb.Value
	err := view(ctx, c.db, []schema.StoreName{schema.Documents}, func(tx *idb.Transaction) error {
		store := tx.MustObjectStore(schema.Documents)
		if docType == "" {
			var err error
			values, err = store.GetAll(kv.All).Result()
			return err
		}
		idx, err := store.Index(schema.DocumentsByType)
		if err != nil {
			return err
		}
		r, err := kv.Only(kv.Key{docType})
		if err != nil {
			return err
		}
		values, err = idx.GetAll(r).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	docs := make([]*Document, 0, len(values))
	for _, v := range values {
		docs = append(docs, newDocument(v, false))
	}
	return docs, nil
}

// ReadCommands streams the live commands of one document part to h.
func (c *DocumentCapability) ReadCommands(ctx context.Context, doc *Document, partID string, h ReadCommandsHandler) error {
	return c.commands.ReadCommands(ctx, doc, partID, h)
}

// CountCommands returns the number of live and staged batches stored for
// docID.
func (c *DocumentCapability) CountCommands(ctx context.Context, docID string) (live, staged int, err error) {
	prefix, err := kv.Prefix(kv.Key{docID})
	if err != nil {
		return 0, 0, err
	}
	err = view(ctx, c.db, []schema.StoreName{schema.DocumentCommands, schema.StagedCommands}, func(tx *idb.Transaction) error {
		if live, err = tx.MustObjectStore(schema.DocumentCommands).Count(prefix).Result(); err != nil {
			return err
		}
		staged, err = tx.MustObjectStore(schema.StagedCommands).Count(prefix).Result()
		return err
	})
	return live, staged, err
}
