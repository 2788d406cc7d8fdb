// Package kvtest holds the behaviour every kv.Engine must share, run by each
// backend's tests.
package kvtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/schema"
)

// Opener returns a fresh, unmigrated engine owned by the test.
type Opener func(t *testing.T) kv.Engine

// Run executes the conformance suite.
func Run(t *testing.T, open Opener) {
	t.Run("MigrateFreshMatchesCatalog", func(t *testing.T) { testMigrateFresh(t, open) })
	t.Run("StepwiseUpgradeMatchesFresh", func(t *testing.T) { testStepwise(t, open) })
	t.Run("SetGetDelete", func(t *testing.T) { testSetGetDelete(t, open) })
	t.Run("ScanOrderAndRanges", func(t *testing.T) { testScan(t, open) })
	t.Run("ScanIgnoresLaterWrites", func(t *testing.T) { testScanIgnoresLaterWrites(t, open) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, open) })
	t.Run("ReadOnlyRejectsWrites", func(t *testing.T) { testReadOnly(t, open) })
	t.Run("UnknownSpace", func(t *testing.T) { testUnknownSpace(t, open) })
	t.Run("DestroyResetsVersion", func(t *testing.T) { testDestroy(t, open) })
	t.Run("CanceledMigrateKeepsVersion", func(t *testing.T) { testCanceledMigrate(t, open) })
}

func migrated(t *testing.T, open Opener, version int) kv.Engine {
	t.Helper()
	e := open(t)
	require.NoError(t, e.Migrate(context.Background(), version))
	return e
}

func testMigrateFresh(t *testing.T, open Opener) {
	ctx := context.Background()
	e := open(t)

	v, err := e.Version(ctx)
	require.NoError(t, err)
	require.Zero(t, v)

	require.NoError(t, e.Migrate(ctx, schema.LatestVersion))
	v, err = e.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.LatestVersion, v)

	spaces, err := e.Spaces(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.Spaces(schema.StoresAt(schema.LatestVersion)), spaces)
}

func testCanceledMigrate(t *testing.T, open Opener) {
	e := migrated(t, open, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, e.Migrate(ctx, schema.LatestVersion), context.Canceled)
	v, err := e.Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, v)

	spaces, err := e.Spaces(context.Background())
	require.NoError(t, err)
	require.Equal(t, schema.Spaces(schema.StoresAt(2)), spaces)
}

func testStepwise(t *testing.T, open Opener) {
	ctx := context.Background()
	stepwise := open(t)
	for v := 1; v <= schema.LatestVersion; v++ {
		require.NoError(t, stepwise.Migrate(ctx, v))
		spaces, err := stepwise.Spaces(ctx)
		require.NoError(t, err)
		require.Equal(t, schema.Spaces(schema.StoresAt(v)), spaces, "after step %d", v)
	}

	fresh := migrated(t, open, schema.LatestVersion)
	want, err := fresh.Spaces(ctx)
	require.NoError(t, err)
	got, err := stepwise.Spaces(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func testSetGetDelete(t *testing.T, open Opener) {
	ctx := context.Background()
	e := migrated(t, open, 1)

	tx, err := e.Begin(ctx, true)
	require.NoError(t, err)
	key := kv.Key{"u1"}.MustEncode()
	require.NoError(t, tx.Set("users", key, []byte(`{"id":"u1"}`)))
	require.NoError(t, tx.Set("users", key, []byte(`{"id":"u1","name":"x"}`)))
	got, err := tx.Get("users", key)
	require.NoError(t, err)
	require.Equal(t, `{"id":"u1","name":"x"}`, string(got))
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), kv.ErrTxnDone)

	tx, err = e.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Delete("users", key))
	_, err = tx.Get("users", key)
	require.ErrorIs(t, err, kv.ErrNotFound)
	require.NoError(t, tx.Commit())
}

func collect(t *testing.T, it kv.Iterator) []kv.Key {
	t.Helper()
	defer it.Close()
	var out []kv.Key
	for it.Next() {
		k, err := kv.DecodeKey(it.Key())
		require.NoError(t, err)
		out = append(out, k)
	}
	require.NoError(t, it.Err())
	return out
}

func testScan(t *testing.T, open Opener) {
	ctx := context.Background()
	e := migrated(t, open, 2)

	tx, err := e.Begin(ctx, true)
	require.NoError(t, err)
	keys := []kv.Key{
		{"doc", "p", int64(7), int64(0)},
		{"doc", "p", int64(5), int64(0)},
		{"doc", "p", int64(6), int64(1)},
		{"doc", "p", int64(6), int64(0)},
		{"other", "p", int64(1), int64(0)},
	}
	for _, k := range keys {
		require.NoError(t, tx.Set("document_commands", k.MustEncode(), []byte("x")))
	}

	prefix, err := kv.Prefix(kv.Key{"doc", "p"})
	require.NoError(t, err)

	it, err := tx.Scan("document_commands", prefix, false)
	require.NoError(t, err)
	require.Equal(t, []kv.Key{
		{"doc", "p", int64(5), int64(0)},
		{"doc", "p", int64(6), int64(0)},
		{"doc", "p", int64(6), int64(1)},
		{"doc", "p", int64(7), int64(0)},
	}, collect(t, it))

	it, err = tx.Scan("document_commands", prefix, true)
	require.NoError(t, err)
	rev := collect(t, it)
	require.Len(t, rev, 4)
	require.Equal(t, kv.Key{"doc", "p", int64(7), int64(0)}, rev[0])

	require.NoError(t, tx.DeleteRange("document_commands", prefix))
	it, err = tx.Scan("document_commands", kv.All, false)
	require.NoError(t, err)
	require.Equal(t, []kv.Key{{"other", "p", int64(1), int64(0)}}, collect(t, it))
	require.NoError(t, tx.Commit())
}

func testScanIgnoresLaterWrites(t *testing.T, open Opener) {
	ctx := context.Background()
	e := migrated(t, open, 1)

	tx, err := e.Begin(ctx, true)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, tx.Set("users", kv.Key{id}.MustEncode(), []byte(id)))
	}

	it, err := tx.Scan("users", kv.All, false)
	require.NoError(t, err)
	require.True(t, it.Next())
	require.Equal(t, []byte("a"), it.Value())
	require.NoError(t, tx.Set("users", kv.Key{"bb"}.MustEncode(), []byte("bb")))
	require.NoError(t, tx.Delete("users", kv.Key{"c"}.MustEncode()))

	var rest []string
	for it.Next() {
		rest = append(rest, string(it.Value()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"b", "c"}, rest)

	// An abandoned iterator does not keep the commit from going through.
	_, err = tx.Scan("users", kv.All, true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	rtx, err := e.Begin(ctx, false)
	require.NoError(t, err)
	defer func() { _ = rtx.Rollback() }()
	it, err = rtx.Scan("users", kv.All, false)
	require.NoError(t, err)
	require.Equal(t, []kv.Key{{"a"}, {"b"}, {"bb"}}, collect(t, it))
}

func testRollback(t *testing.T, open Opener) {
	ctx := context.Background()
	e := migrated(t, open, 1)

	tx, err := e.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Set("users", kv.Key{"u1"}.MustEncode(), []byte("v")))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())

	tx, err = e.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Get("users", kv.Key{"u1"}.MustEncode())
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func testReadOnly(t *testing.T, open Opener) {
	ctx := context.Background()
	e := migrated(t, open, 1)

	tx, err := e.Begin(ctx, false)
	require.NoError(t, err)
	require.ErrorIs(t, tx.Set("users", []byte("k"), []byte("v")), kv.ErrReadOnly)
	require.ErrorIs(t, tx.Delete("users", []byte("k")), kv.ErrReadOnly)
	require.NoError(t, tx.Commit())
}

func testUnknownSpace(t *testing.T, open Opener) {
	ctx := context.Background()
	e := migrated(t, open, 1)

	tx, err := e.Begin(ctx, true)
	require.NoError(t, err)
	defer tx.Rollback()
	require.ErrorIs(t, tx.Set("sync_objects", []byte("k"), []byte("v")), kv.ErrUnknownSpace)
	require.Error(t, tx.Set("Bad Name", []byte("k"), []byte("v")))
}

func testDestroy(t *testing.T, open Opener) {
	ctx := context.Background()
	e := migrated(t, open, schema.LatestVersion)

	tx, err := e.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.Set("users", kv.Key{"u1"}.MustEncode(), []byte("v")))
	require.NoError(t, tx.Commit())

	require.NoError(t, e.Destroy(ctx))
	v, err := e.Version(ctx)
	require.NoError(t, err)
	require.Zero(t, v)
	spaces, err := e.Spaces(ctx)
	require.NoError(t, err)
	require.Empty(t, spaces)

	require.NoError(t, e.Migrate(ctx, schema.LatestVersion))
	tx, err = e.Begin(ctx, false)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.Get("users", kv.Key{"u1"}.MustEncode())
	require.ErrorIs(t, err, kv.ErrNotFound)
}
