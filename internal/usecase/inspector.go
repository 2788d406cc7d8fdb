// Package usecase holds the read and maintenance operations shared by the
// command line and the MCP server.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/events"
	"github.com/choplin/officestore/internal/localstore"
	"github.com/choplin/officestore/internal/pendingqueue"
	"github.com/choplin/officestore/internal/schema"
)

// Inspector reads and repairs a local store outside of a session.
type Inspector struct {
	store      *localstore.LocalStore
	serializer command.Serializer
}

// NewInspector returns an inspector over store. A nil serializer means JSON.
func NewInspector(store *localstore.LocalStore, serializer command.Serializer) *Inspector {
	if serializer == nil {
		serializer = command.JSONSerializer{}
	}
	return &Inspector{store: store, serializer: serializer}
}

// StoreInfo summarizes the schema and contents of a store.
type StoreInfo struct {
	Version       int
	LatestVersion int
	RecordTypes   []string
	Stores        []string
	Documents     int
}

// StoreInfo describes the schema and contents of the store.
func (i *Inspector) StoreInfo(ctx context.Context) (*StoreInfo, error) {
	info := &StoreInfo{
		Version:       i.store.Version(),
		LatestVersion: schema.LatestVersion,
	}
	for _, rt := range i.store.Adapter().RecordTypes() {
		info.RecordTypes = append(info.RecordTypes, string(rt))
	}
	for _, def := range schema.StoresAt(info.Version) {
		info.Stores = append(info.Stores, string(def.Name))
	}

	docs, err := i.store.Adapter().Documents()
	if errors.Is(err, localstore.ErrCapabilityUnavailable) {
		return info, nil
	}
	if err != nil {
		return nil, err
	}
	list, err := docs.ListDocuments(ctx, "")
	if err != nil {
		return nil, err
	}
	info.Documents = len(list)
	return info, nil
}

// DocumentSummary is one stored document with its command counts and lease.
type DocumentSummary struct {
	ID                 string
	Type               string
	Title              string
	LastSyncedRevision int64
	Created            bool
	Batches            int
	StagedBatches      int
	LockedBy           string
	LockExpiresAt      time.Time
}

// ListDocuments summarizes the stored documents, optionally of one type.
func (i *Inspector) ListDocuments(ctx context.Context, docType string) ([]DocumentSummary, error) {
	docs, err := i.store.Adapter().Documents()
	if err != nil {
		return nil, err
	}
	list, err := docs.ListDocuments(ctx, docType)
	if err != nil {
		return nil, err
	}

	out := make([]DocumentSummary, 0, len(list))
	for _, doc := range list {
		live, staged, err := docs.CountCommands(ctx, doc.ID())
		if err != nil {
			return nil, err
		}
		s := DocumentSummary{
			ID:                 doc.ID(),
			Type:               doc.DocumentType(),
			Title:              doc.Title(),
			LastSyncedRevision: doc.LastSyncedRevision(),
			Created:            doc.IsCreated(),
			Batches:            live,
			StagedBatches:      staged,
		}
		lease, held, err := docs.Locks().Holder(ctx, doc.ID())
		if err != nil {
			return nil, err
		}
		if held {
			s.LockedBy = lease.SessionID
			s.LockExpiresAt = lease.ExpiresAt
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadCommandsResult holds the stored batches of one document part.
type ReadCommandsResult struct {
	DocID        string
	PartID       string
	HeadRevision int64
	Batches      []localstore.CommandBatch
}

// CommandCount returns the number of commands across every batch.
func (r *ReadCommandsResult) CommandCount() int {
	n := 0
	for _, b := range r.Batches {
		n += len(b.Commands)
	}
	return n
}

// ReadCommands returns the live command batches of one document part in
// replay order.
func (i *Inspector) ReadCommands(ctx context.Context, docID, partID string) (*ReadCommandsResult, error) {
	docs, err := i.store.Adapter().Documents()
	if err != nil {
		return nil, err
	}
	doc, err := docs.ReadDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	defer doc.Dispose()

	res := &ReadCommandsResult{DocID: docID, PartID: partID}
	err = docs.ReadCommands(ctx, doc, partID, localstore.ReadCommandsHandler{
		Start: func(head int64) { res.HeadRevision = head },
		Batch: func(b localstore.CommandBatch) { res.Batches = append(res.Batches, b) },
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// PendingStatus describes the unsent edits of a document.
type PendingStatus struct {
	DocID         string
	Entries       int
	Commands      int
	Version       int64
	Undeliverable bool
	Anachronistic bool
	OldestEntry   time.Time
}

func (i *Inspector) loadQueue(ctx context.Context, docID string) (*pendingqueue.Durable, error) {
	q, err := pendingqueue.New(pendingqueue.Options{
		DocID:      docID,
		Store:      i.store,
		Bus:        events.NewBus(),
		Serializer: i.serializer,
	})
	if err != nil {
		return nil, err
	}
	if err := q.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to load pending queue for %s: %w", docID, err)
	}
	return q, nil
}

// PendingStatus reports the commands of docID not yet acknowledged by the
// server.
func (i *Inspector) PendingStatus(ctx context.Context, docID string) (*PendingStatus, error) {
	q, err := i.loadQueue(ctx, docID)
	if err != nil {
		return nil, err
	}
	entries := q.Entries()
	st := &PendingStatus{
		DocID:         docID,
		Entries:       len(entries),
		Version:       q.Version(),
		Undeliverable: q.IsUndeliverable(),
		Anachronistic: q.IsAnachronistic(),
	}
	for _, e := range entries {
		st.Commands += len(e.Commands)
		if st.OldestEntry.IsZero() || e.CreatedAt.Before(st.OldestEntry) {
			st.OldestEntry = e.CreatedAt
		}
	}
	return st, nil
}

// ResetPending drops the pending commands of docID and returns how many
// entries were dropped. It fails with localstore.ErrLockConflict while
// another session holds the document's lease, unless force is set.
func (i *Inspector) ResetPending(ctx context.Context, docID, reason string, force bool) (int, error) {
	if !force {
		docs, err := i.store.Adapter().Documents()
		if err != nil {
			return 0, err
		}
		locks := docs.Locks()
		lease, held, err := locks.Holder(ctx, docID)
		if err != nil {
			return 0, err
		}
		if held && lease.SessionID != locks.SessionID() {
			return 0, fmt.Errorf("%w: %s is open in session %s until %s", localstore.ErrLockConflict, docID, lease.SessionID, lease.ExpiresAt.Format(time.RFC3339))
		}
	}

	q, err := i.loadQueue(ctx, docID)
	if err != nil {
		return 0, err
	}
	dropped := q.Len()
	if err := q.ClearAndReset(ctx, reason); err != nil {
		return 0, err
	}
	return dropped, nil
}
