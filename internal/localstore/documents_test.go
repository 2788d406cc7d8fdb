package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/choplin/officestore/internal/command"
)

type readRecorder struct {
	starts  []int64
	batches []CommandBatch
	success int
}

func (r *readRecorder) handler() ReadCommandsHandler {
	return ReadCommandsHandler{
		Start:   func(head int64) { r.starts = append(r.starts, head) },
		Batch:   func(b CommandBatch) { r.batches = append(r.batches, b) },
		Success: func() { r.success++ },
	}
}

func TestReadCommandsDeliversInRevisionOrder(t *testing.T) {
	store := setupTestStore(t, Options{})
	ctx := context.Background()
	docs := store.mustDocuments(t)

	doc := docs.CreateDocument("d1", "spreadsheet")
	doc.AddCommandBatch(batch("p", 7, 0, "c"), false)
	doc.AddCommandBatch(batch("p", 5, 0, "a"), false)
	doc.AddCommandBatch(batch("p", 6, 0, "b"), false)
	doc.AddCommandBatch(batch("other", 1, 0, "x"), false)
	require.NoError(t, store.Write(ctx, doc))

	var rec readRecorder
	require.NoError(t, docs.ReadCommands(ctx, doc, "p", rec.handler()))
	require.Equal(t, []int64{5}, rec.starts)
	require.Equal(t, []int64{5, 6, 7}, revisions(rec.batches))
	require.Equal(t, 1, rec.success)
	require.Equal(t, "a", rec.batches[0].Commands[0].Type)
	require.Equal(t, "ann", rec.batches[0].UserName)
}

func TestReadCommandsOrdersChunksWithinRevision(t *testing.T) {
	store := setupTestStore(t, Options{})
	ctx := context.Background()
	docs := store.mustDocuments(t)

	doc := docs.CreateDocument("d1", "doc")
	doc.AddCommandBatch(batch("p", 1, 0, "a"), false)
	doc.AddCommandBatch(batch("p", 2, 1, "c"), false)
	doc.AddCommandBatch(batch("p", 2, 0, "b"), false)
	require.NoError(t, store.Write(ctx, doc))

	var rec readRecorder
	require.NoError(t, docs.ReadCommands(ctx, doc, "p", rec.handler()))
	var types []string
	for _, b := range rec.batches {
		types = append(types, b.Commands[0].Type)
	}
	require.Equal(t, []string{"a", "b", "c"}, types)
}

func TestReadCommandsWithoutBatchesStartsAtZero(t *testing.T) {
	store := setupTestStore(t, Options{})
	docs := store.mustDocuments(t)
	doc := docs.CreateDocument("d1", "doc")

	var rec readRecorder
	require.NoError(t, docs.ReadCommands(context.Background(), doc, "p", rec.handler()))
	require.Equal(t, []int64{0}, rec.starts)
	require.Empty(t, rec.batches)
	require.Equal(t, 1, rec.success)
}

func TestReadCommandsWithCBORSerializer(t *testing.T) {
	s, err := command.NewSerializer("cbor")
	require.NoError(t, err)
	store := setupTestStore(t, Options{Serializer: s})
	ctx := context.Background()
	docs := store.mustDocuments(t)

	doc := docs.CreateDocument("d1", "doc")
	b := batch("p", 1, 0)
	b.Commands = []command.Command{{Type: "insert", Data: map[string]any{"text": "hi"}}}
	b.Timestamp = time.UnixMilli(1700000000000)
	doc.AddCommandBatch(b, false)
	require.NoError(t, store.Write(ctx, doc))

	var rec readRecorder
	require.NoError(t, docs.ReadCommands(ctx, doc, "p", rec.handler()))
	require.Len(t, rec.batches, 1)
	require.Equal(t, "hi", rec.batches[0].Commands[0].Data["text"])
	require.Equal(t, int64(1700000000000), rec.batches[0].Timestamp.UnixMilli())
}

func TestReplaceDiscardsStoredCommands(t *testing.T) {
	store := setupTestStore(t, Options{})
	ctx := context.Background()
	docs := store.mustDocuments(t)

	doc := docs.CreateDocument("d1", "doc")
	doc.AddCommandBatch(batch("p", 1, 0, "a"), false)
	doc.AddCommandBatch(batch("p", 2, 0, "b"), false)
	require.NoError(t, store.Write(ctx, doc))

	doc.AddCommandBatch(batch("p", 10, 0, "snapshot"), true)
	require.NoError(t, store.Write(ctx, doc))

	var rec readRecorder
	require.NoError(t, docs.ReadCommands(ctx, doc, "p", rec.handler()))
	require.Equal(t, []int64{10}, revisions(rec.batches))
}

func TestCreateOperationsOnDeletedDocumentIsEmpty(t *testing.T) {
	store := setupTestStore(t, Options{})
	docs := store.mustDocuments(t)

	doc := docs.CreateDocument("d1", "doc")
	doc.AddCommandBatch(batch("p", 1, 0, "a"), false)
	doc.MarkToBeDeleted()

	require.Empty(t, docs.Commands().CreateOperations(doc))
	require.Equal(t, 1, doc.Queue().Len())
	require.Equal(t, LockOwner, docs.Commands().DocumentLockRequirement(doc).Level)
}

func TestCreateOperationsAppendCarriesFlags(t *testing.T) {
	store := setupTestStore(t, Options{})
	docs := store.mustDocuments(t)

	doc := docs.CreateDocument("d1", "doc")
	require.Equal(t, LockNone, docs.Commands().DocumentLockRequirement(doc).Level)

	doc.SetStagingCommands(true)
	doc.AddCommandBatch(batch("p", 1, 0, "a"), true)
	ops := docs.Commands().CreateOperations(doc)
	require.Len(t, ops, 1)
	require.Equal(t, OpAppendCommands, ops[0].Type())
	require.True(t, ops[0].Replace())
	require.True(t, ops[0].Staging())
	require.Equal(t, LockOwner, ops[0].LockRequirement())
	require.True(t, doc.Queue().IsEmpty())
}

func TestCommitStagedWithQueuedCommandsPanics(t *testing.T) {
	store := setupTestStore(t, Options{})
	docs := store.mustDocuments(t)

	doc := docs.CreateDocument("d1", "doc")
	doc.SetStagingCommands(true)
	doc.CommitStagedCommands()
	doc.AddCommandBatch(batch("p", 1, 0, "a"), false)

	require.Panics(t, func() { docs.Commands().CreateOperations(doc) })
}

func TestStagedCommandsArePromotedOnCommit(t *testing.T) {
	store := setupTestStore(t, Options{})
	ctx := context.Background()
	docs := store.mustDocuments(t)

	doc := docs.CreateDocument("d1", "doc")
	doc.AddCommandBatch(batch("p", 1, 0, "old"), false)
	require.NoError(t, store.Write(ctx, doc))

	doc.SetStagingCommands(true)
	doc.AddCommandBatch(batch("p", 4, 0, "fresh"), false)
	doc.AddCommandBatch(batch("p", 5, 0, "fresh"), false)
	require.NoError(t, store.Write(ctx, doc))

	live, staged, err := docs.CountCommands(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, 1, live)
	require.Equal(t, 2, staged)

	doc.CommitStagedCommands()
	require.True(t, doc.IsModified())
	ops := docs.Commands().CreateOperations(doc)
	require.Len(t, ops, 1)
	require.Equal(t, OpUnstageCommands, ops[0].Type())

	require.NoError(t, store.Write(ctx, doc))
	require.False(t, doc.IsStagingCommands())
	require.False(t, doc.ShouldCommitStagedCommands())

	var rec readRecorder
	require.NoError(t, docs.ReadCommands(ctx, doc, "p", rec.handler()))
	require.Equal(t, []int64{4, 5}, revisions(rec.batches))
	_, staged, err = docs.CountCommands(ctx, "d1")
	require.NoError(t, err)
	require.Zero(t, staged)
}

func TestReadDocumentAndProperties(t *testing.T) {
	store := setupTestStore(t, Options{})
	ctx := context.Background()
	docs := store.mustDocuments(t)

	_, err := docs.ReadDocument(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	doc := docs.CreateDocument("d1", "doc")
	require.False(t, doc.IsInitialized())
	doc.SetTitle("Quarterly plan")
	require.NoError(t, store.Write(ctx, doc))

	loaded, err := docs.ReadDocument(ctx, "d1")
	require.NoError(t, err)
	require.True(t, loaded.IsInitialized())
	require.False(t, loaded.IsNew())
	require.False(t, loaded.IsModified())
	require.Equal(t, "Quarterly plan", loaded.Title())
	require.Equal(t, "doc", loaded.DocumentType())

	loaded.SetLastSyncedRevision(12)
	loaded.MarkCreated()
	require.Equal(t, []string{"created", "lastSyncedRevision"}, loaded.DirtyNames())
	require.NoError(t, store.Write(ctx, loaded))

	again, err := docs.ReadDocument(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, int64(12), again.LastSyncedRevision())
	require.True(t, again.IsCreated())
	require.Equal(t, "Quarterly plan", again.Title())
}

func TestListDocumentsByType(t *testing.T) {
	store := setupTestStore(t, Options{})
	ctx := context.Background()
	docs := store.mustDocuments(t)

	require.NoError(t, store.Write(ctx,
		docs.CreateDocument("d2", "spreadsheet"),
		docs.CreateDocument("d1", "doc"),
		docs.CreateDocument("d3", "spreadsheet"),
	))

	all, err := docs.ListDocuments(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "d1", all[0].ID())

	sheets, err := docs.ListDocuments(ctx, "spreadsheet")
	require.NoError(t, err)
	require.Len(t, sheets, 2)
	require.Equal(t, "d2", sheets[0].ID())
	require.Equal(t, "d3", sheets[1].ID())
}

func TestDeleteDocumentRemovesCommands(t *testing.T) {
	store := setupTestStore(t, Options{})
	ctx := context.Background()
	docs := store.mustDocuments(t)

	doc := docs.CreateDocument("d1", "doc")
	doc.AddCommandBatch(batch("p", 1, 0, "a"), false)
	doc.SetStagingCommands(false)
	require.NoError(t, store.Write(ctx, doc))

	doc.MarkToBeDeleted()
	require.NoError(t, store.Write(ctx, doc))

	_, err := docs.ReadDocument(ctx, "d1")
	require.ErrorIs(t, err, ErrNotFound)
	live, staged, err := docs.CountCommands(ctx, "d1")
	require.NoError(t, err)
	require.Zero(t, live)
	require.Zero(t, staged)
}

func TestDisposedDocumentRejectsBatches(t *testing.T) {
	store := setupTestStore(t, Options{})
	doc := store.mustDocuments(t).CreateDocument("d1", "doc")
	doc.AddCommandBatch(batch("p", 1, 0, "a"), false)
	doc.Dispose()
	require.True(t, doc.Queue().IsEmpty())
	require.Panics(t, func() { doc.AddCommandBatch(batch("p", 2, 0, "b"), false) })
}
