package idb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/kv/sqlitekv"
	"github.com/choplin/officestore/internal/schema"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()
	engine, err := sqlitekv.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	require.NoError(t, engine.Migrate(context.Background(), schema.LatestVersion))
	return NewDatabase(engine, schema.LatestVersion, NewRequestTracker(nil), zaptest.NewLogger(t).Sugar())
}

func begin(t *testing.T, db *Database, mode Mode, stores ...schema.StoreName) *Transaction {
	t.Helper()
	tx, err := db.Transaction(context.Background(), stores, mode)
	require.NoError(t, err)
	return tx
}

func TestPutGetAndHandlersAttachedLater(t *testing.T) {
	db := setupTestDB(t)
	tx := begin(t, db, ReadWrite, schema.Users)
	users := tx.MustObjectStore(schema.Users)

	put := users.Put(Value{"id": "u1", "email": "a@example.com", "age": 7})
	require.Equal(t, Success, put.State())
	require.Equal(t, "users.put[map[age:7 email:a@example.com id:u1]]", put.Debug())

	var gotKey kv.Key
	put.OnSuccess(func(k kv.Key) { gotKey = k })
	require.Equal(t, kv.Key{"u1"}, gotKey)

	get := users.Get(kv.Key{"u1"})
	v, err := get.Result()
	require.NoError(t, err)
	require.Equal(t, "a@example.com", v.String("email"))
	require.Equal(t, int64(7), v["age"])
	require.NoError(t, tx.Commit())

	missing := begin(t, db, ReadOnly, schema.Users).MustObjectStore(schema.Users).Get(kv.Key{"nobody"})
	v, err = missing.Result()
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestAddRejectsExistingKeyAndAbortsTransaction(t *testing.T) {
	db := setupTestDB(t)
	tx := begin(t, db, ReadWrite, schema.Users)
	users := tx.MustObjectStore(schema.Users)

	users.Add(Value{"id": "u1"})
	dup := users.Add(Value{"id": "u1"})
	require.ErrorIs(t, dup.Err(), ErrConstraint)

	var handled error
	dup.OnError(func(err error) { handled = err })
	require.ErrorIs(t, handled, ErrConstraint)

	require.Equal(t, Aborted, tx.Status().State())
	late := users.Get(kv.Key{"u1"})
	require.ErrorIs(t, late.Err(), ErrTransactionInactive)
	require.ErrorIs(t, tx.Commit(), ErrConstraint)

	check := begin(t, db, ReadOnly, schema.Users).MustObjectStore(schema.Users).Get(kv.Key{"u1"})
	v, err := check.Result()
	require.NoError(t, err)
	require.Nil(t, v, "aborted transaction must not persist the first add")
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	db := setupTestDB(t)
	tx := begin(t, db, ReadOnly, schema.Users)
	req := tx.MustObjectStore(schema.Users).Put(Value{"id": "u1"})
	require.ErrorIs(t, req.Err(), ErrReadOnly)
}

func TestTransactionScopeAndUnknownStores(t *testing.T) {
	db := setupTestDB(t)
	tx := begin(t, db, ReadOnly, schema.Users)
	_, err := tx.ObjectStore(schema.Documents)
	require.ErrorIs(t, err, ErrNotInScope)
	require.NoError(t, tx.Commit())

	old := NewDatabase(db.Engine(), 4, nil, nil)
	_, err = old.Transaction(context.Background(), []schema.StoreName{schema.SyncObjects}, ReadOnly)
	require.ErrorIs(t, err, ErrUnknownStore)
}

func seedComments(t *testing.T, db *Database) {
	t.Helper()
	tx := begin(t, db, ReadWrite, schema.Comments)
	comments := tx.MustObjectStore(schema.Comments)
	for _, c := range []Value{
		{"state": "open", "docId": "d2", "id": "c3"},
		{"state": "open", "docId": "d1", "id": "c1"},
		{"state": "resolved", "docId": "d1", "id": "c2"},
		{"state": "open", "docId": "d1", "id": "c4"},
	} {
		require.NoError(t, comments.Put(c).Err())
	}
	require.NoError(t, tx.Commit())
}

func TestIndexQueriesAndMaintenance(t *testing.T) {
	db := setupTestDB(t)
	seedComments(t, db)

	tx := begin(t, db, ReadWrite, schema.Comments)
	comments := tx.MustObjectStore(schema.Comments)
	byState, err := comments.Index(schema.CommentsState)
	require.NoError(t, err)

	only, err := kv.Only(kv.Key{"open", "d1"})
	require.NoError(t, err)
	vals, err := byState.GetAll(only).Result()
	require.NoError(t, err)
	require.Len(t, vals, 2)
	require.Equal(t, "c1", vals[0].String("id"))
	require.Equal(t, "c4", vals[1].String("id"))

	open, err := kv.Prefix(kv.Key{"open"})
	require.NoError(t, err)
	n, err := byState.Count(open).Result()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Deleting the record drops its index entry.
	require.NoError(t, comments.DeleteKey(kv.Key{"open", "d1", "c1"}).Err())
	n, err = byState.Count(only).Result()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = comments.Index("nope")
	require.ErrorIs(t, err, ErrUnknownIndex)
	require.NoError(t, tx.Commit())
}

func TestIndexClosedUpperBoundIncludesAllPrimaryKeys(t *testing.T) {
	db := setupTestDB(t)
	seedComments(t, db)

	tx := begin(t, db, ReadOnly, schema.Comments)
	byState, err := tx.MustObjectStore(schema.Comments).Index(schema.CommentsState)
	require.NoError(t, err)

	r, err := kv.Bound(kv.Key{"open", "d1"}, kv.Key{"open", "d2"}, false, false)
	require.NoError(t, err)
	n, err := byState.Count(r).Result()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	r, err = kv.Bound(kv.Key{"open", "d1"}, nil, true, false)
	require.NoError(t, err)
	n, err = byState.Count(r).Result()
	require.NoError(t, err)
	require.Equal(t, 2, n, "open/d2 and resolved/d1")
}

func TestCursorContinueDeliversInOrderThenNil(t *testing.T) {
	db := setupTestDB(t)
	seedComments(t, db)

	tx := begin(t, db, ReadOnly, schema.Comments)
	req := tx.MustObjectStore(schema.Comments).OpenCursor(kv.All, Next, CursorOptions{})

	var ids []string
	sawEnd := 0
	req.OnSuccess(func(c *Cursor) {
		if c == nil {
			sawEnd++
			return
		}
		ids = append(ids, c.Value().String("id"))
		c.Continue()
	})
	require.Equal(t, []string{"c1", "c4", "c3", "c2"}, ids)
	require.Equal(t, 1, sawEnd)

	rev, err := tx.MustObjectStore(schema.Comments).OpenCursor(kv.All, Prev, CursorOptions{}).Collect()
	require.NoError(t, err)
	require.Equal(t, "c2", rev[0].String("id"))
	require.NoError(t, tx.Commit())
}

func TestCursorContinueOutsideHandler(t *testing.T) {
	db := setupTestDB(t)
	seedComments(t, db)

	tx := begin(t, db, ReadOnly, schema.Comments)
	var last *Cursor
	calls := 0
	tx.MustObjectStore(schema.Comments).OpenCursor(kv.All, Next, CursorOptions{}).OnSuccess(func(c *Cursor) {
		calls++
		last = c
	})
	require.Equal(t, 1, calls)
	require.Equal(t, "c1", last.Value().String("id"))

	last.Continue()
	require.Equal(t, 2, calls)
	require.Equal(t, "c4", last.Value().String("id"))
}

func TestCursorAbandonTransactionOnResult(t *testing.T) {
	db := setupTestDB(t)
	seedComments(t, db)

	tx := begin(t, db, ReadOnly, schema.Comments)
	calls := 0
	tx.MustObjectStore(schema.Comments).
		OpenCursor(kv.All, Next, CursorOptions{AbandonTransactionOnResult: true}).
		OnSuccess(func(c *Cursor) {
			calls++
			if c != nil {
				c.Continue()
			}
		})

	require.Equal(t, 1, calls)
	require.Equal(t, Aborted, tx.Status().State())
	require.ErrorIs(t, tx.Status().Reason(), ErrAbandoned)
	require.NoError(t, tx.Commit())
}

func TestCursorDecodesOnlyWhatItReaches(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tx := begin(t, db, ReadWrite, schema.Users)
	tx.MustObjectStore(schema.Users).Put(Value{"id": "u1"})
	require.NoError(t, tx.Commit())

	raw, err := db.Engine().Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, raw.Set(string(schema.Users), kv.Key{"u2"}.MustEncode(), []byte("not json")))
	require.NoError(t, raw.Commit())

	first := begin(t, db, ReadOnly, schema.Users)
	var ids []string
	req := first.MustObjectStore(schema.Users).
		OpenCursor(kv.All, Next, CursorOptions{AbandonTransactionOnResult: true}).
		OnSuccess(func(c *Cursor) {
			if c != nil {
				ids = append(ids, c.Value().String("id"))
			}
		})
	require.NoError(t, req.Err())
	require.Equal(t, []string{"u1"}, ids)

	all := begin(t, db, ReadOnly, schema.Users)
	_, err = all.MustObjectStore(schema.Users).OpenCursor(kv.All, Next, CursorOptions{}).Collect()
	require.ErrorContains(t, err, "corrupt stored value")
	require.Equal(t, Aborted, all.Status().State())
}

func TestClearAndDeleteRange(t *testing.T) {
	db := setupTestDB(t)
	seedComments(t, db)

	tx := begin(t, db, ReadWrite, schema.Comments)
	comments := tx.MustObjectStore(schema.Comments)

	open, err := kv.Prefix(kv.Key{"open"})
	require.NoError(t, err)
	removed, err := comments.DeleteRange(open).Result()
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	idx, err := comments.Index(schema.CommentsState)
	require.NoError(t, err)
	n, err := idx.Count(kv.All).Result()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, comments.Clear().Err())
	n, err = comments.Count(kv.All).Result()
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = idx.Count(kv.All).Result()
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, tx.Commit())
}

func TestRequestTrackerSettlesEveryRequest(t *testing.T) {
	db := setupTestDB(t)
	tx := begin(t, db, ReadWrite, schema.Users)
	users := tx.MustObjectStore(schema.Users)
	users.Put(Value{"id": "u1"})
	users.Get(kv.Key{"u1"})
	require.Zero(t, db.Tracker().Pending())
	tx.Abort(errors.New("test"))
	require.ErrorIs(t, users.Get(kv.Key{"u1"}).Err(), ErrTransactionInactive)
	require.Zero(t, db.Tracker().Pending())
}
