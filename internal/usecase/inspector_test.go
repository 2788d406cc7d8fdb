package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/kv/pebblekv"
	"github.com/choplin/officestore/internal/localstore"
	"github.com/choplin/officestore/internal/pendingqueue"
	"github.com/choplin/officestore/internal/schema"
)

func setupTestStore(t *testing.T) *localstore.LocalStore {
	t.Helper()
	engine, err := pebblekv.Open("store", vfs.NewMem())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	store, err := localstore.Open(context.Background(), engine, localstore.Options{
		SessionID: "inspector",
		Logger:    zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	return store
}

func seedDocument(t *testing.T, store *localstore.LocalStore, id, docType string, revisions ...int64) {
	t.Helper()
	docs, err := store.Adapter().Documents()
	require.NoError(t, err)
	doc := docs.CreateDocument(id, docType)
	doc.SetTitle("Quarterly 報告")
	doc.MarkCreated()
	for _, rev := range revisions {
		doc.AddCommandBatch(localstore.CommandBatch{
			PartID:   "p1",
			Revision: rev,
			UserName: "alice",
			Commands: []command.Command{{Type: "insert"}, {Type: "format"}},
		}, false)
	}
	require.NoError(t, store.Write(context.Background(), doc))
}

func TestStoreInfo(t *testing.T) {
	store := setupTestStore(t)
	seedDocument(t, store, "d1", "text", 1)

	info, err := NewInspector(store, nil).StoreInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.LatestVersion, info.Version)
	assert.Equal(t, schema.LatestVersion, info.LatestVersion)
	assert.Contains(t, info.RecordTypes, string(localstore.RecordDocument))
	assert.Contains(t, info.Stores, string(schema.DocumentCommands))
	assert.Equal(t, 1, info.Documents)
}

func TestListDocuments(t *testing.T) {
	store := setupTestStore(t)
	seedDocument(t, store, "d1", "text", 1, 2)
	seedDocument(t, store, "d2", "sheet", 5)

	inspector := NewInspector(store, nil)
	all, err := inspector.ListDocuments(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "d1", all[0].ID)
	assert.Equal(t, 2, all[0].Batches)
	assert.Equal(t, "Quarterly 報告", all[0].Title)
	assert.True(t, all[0].Created)

	sheets, err := inspector.ListDocuments(context.Background(), "sheet")
	require.NoError(t, err)
	require.Len(t, sheets, 1)
	assert.Equal(t, "d2", sheets[0].ID)
}

func TestListDocumentsShowsLockHolder(t *testing.T) {
	store := setupTestStore(t)
	seedDocument(t, store, "d1", "text")

	docs, err := store.Adapter().Documents()
	require.NoError(t, err)
	_, err = docs.Locks().Acquire(context.Background(), "d1")
	require.NoError(t, err)

	list, err := NewInspector(store, nil).ListDocuments(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "inspector", list[0].LockedBy)
	assert.False(t, list[0].LockExpiresAt.IsZero())
}

func TestReadCommands(t *testing.T) {
	store := setupTestStore(t)
	seedDocument(t, store, "d1", "text", 3, 4)

	res, err := NewInspector(store, nil).ReadCommands(context.Background(), "d1", "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.HeadRevision)
	require.Len(t, res.Batches, 2)
	assert.Equal(t, 4, res.CommandCount())

	_, err = NewInspector(store, nil).ReadCommands(context.Background(), "missing", "p1")
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestPendingStatusAndReset(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	q, err := pendingqueue.New(pendingqueue.Options{DocID: "d1", Store: store, Expiry: time.Minute})
	require.NoError(t, err)
	require.NoError(t, q.Init(ctx))
	require.NoError(t, q.Enqueue(ctx, []command.Command{{Type: "insert"}, {Type: "delete"}}))
	require.NoError(t, q.Enqueue(ctx, []command.Command{{Type: "insert"}}))

	inspector := NewInspector(store, nil)
	st, err := inspector.PendingStatus(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 3, st.Commands)
	assert.False(t, st.Undeliverable)
	assert.False(t, st.OldestEntry.IsZero())

	dropped, err := inspector.ResetPending(ctx, "d1", "manual", false)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	st, err = inspector.PendingStatus(ctx, "d1")
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
}

func TestResetPendingRespectsOtherSessionsLease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedDocument(t, store, "d1", "text")

	q, err := pendingqueue.New(pendingqueue.Options{DocID: "d1", Store: store, Expiry: time.Minute})
	require.NoError(t, err)
	require.NoError(t, q.Init(ctx))
	require.NoError(t, q.Enqueue(ctx, []command.Command{{Type: "insert"}}))

	editor := localstore.NewLockManager(store.Database(), "editor", time.Minute, nil, nil)
	lease, err := editor.Acquire(ctx, "d1")
	require.NoError(t, err)

	inspector := NewInspector(store, nil)
	_, err = inspector.ResetPending(ctx, "d1", "manual", false)
	require.ErrorIs(t, err, localstore.ErrLockConflict)
	st, err := inspector.PendingStatus(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Entries, "refused reset keeps the queue")

	dropped, err := inspector.ResetPending(ctx, "d1", "manual", true)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	require.NoError(t, editor.Release(ctx, lease))
	q2, err := pendingqueue.New(pendingqueue.Options{DocID: "d1", Store: store, Expiry: time.Minute})
	require.NoError(t, err)
	require.NoError(t, q2.Init(ctx))
	require.NoError(t, q2.Enqueue(ctx, []command.Command{{Type: "insert"}}))
	dropped, err = inspector.ResetPending(ctx, "d1", "manual", false)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
}
