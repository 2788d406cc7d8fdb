package pebblekv

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/kv/kvtest"
	"github.com/choplin/officestore/internal/schema"
)

func openMem(t *testing.T) *Engine {
	t.Helper()
	e, err := Open("store", vfs.NewMem())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestEngineConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine { return openMem(t) })
}

func TestReopenKeepsVersionAndSpaces(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()

	e, err := Open("store", fs)
	require.NoError(t, err)
	require.NoError(t, e.Migrate(ctx, 4))
	require.NoError(t, e.Close())

	e, err = Open("store", fs)
	require.NoError(t, err)
	defer e.Close()

	v, err := e.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, v)
	spaces, err := e.Spaces(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.Spaces(schema.StoresAt(4)), spaces)
}

func TestWritableTransactionsAreSerialized(t *testing.T) {
	ctx := context.Background()
	e := openMem(t)
	require.NoError(t, e.Migrate(ctx, 1))

	first, err := e.Begin(ctx, true)
	require.NoError(t, err)

	started := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		close(started)
		second, err := e.Begin(ctx, true)
		if err == nil {
			_ = second.Rollback()
		}
		close(acquired)
	}()

	<-started
	select {
	case <-acquired:
		t.Fatal("second writer started while first was open")
	default:
	}
	require.NoError(t, first.Commit())
	<-acquired
}
