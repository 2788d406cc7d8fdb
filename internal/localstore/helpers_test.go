package localstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/kv/pebblekv"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openMemEngine(t *testing.T) *pebblekv.Engine {
	t.Helper()
	e, err := pebblekv.Open("store", vfs.NewMem())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func setupTestStore(t *testing.T, opts Options) *LocalStore {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t).Sugar()
	}
	if opts.SessionID == "" {
		opts.SessionID = "session-1"
	}
	store, err := Open(context.Background(), openMemEngine(t), opts)
	require.NoError(t, err)
	return store
}

func batch(part string, rev int64, chunk int, types ...string) CommandBatch {
	cmds := make([]command.Command, 0, len(types))
	for _, typ := range types {
		cmds = append(cmds, command.Command{Type: typ})
	}
	return CommandBatch{PartID: part, Revision: rev, ChunkIndex: chunk, UserName: "ann", Commands: cmds}
}

func revisions(batches []CommandBatch) []int64 {
	out := make([]int64, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.Revision)
	}
	return out
}
