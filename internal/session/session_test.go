package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/events"
	"github.com/choplin/officestore/internal/kv/pebblekv"
	"github.com/choplin/officestore/internal/localstore"
	"github.com/choplin/officestore/internal/pendingqueue"
	"github.com/choplin/officestore/internal/savestate"
	"github.com/choplin/officestore/internal/transport"
)

type fakeLink struct {
	opts         transport.Options
	sent         chan pendingqueue.Batch
	disconnected atomic.Int32
}

func (l *fakeLink) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *fakeLink) SendCommands(_ context.Context, b pendingqueue.Batch) error {
	l.sent <- b
	return nil
}

func (l *fakeLink) UpdateSelection(transport.Selection) error { return nil }

func (l *fakeLink) Disconnect() error {
	l.disconnected.Add(1)
	return nil
}

func setupTestStore(t *testing.T, sessionID string) *localstore.LocalStore {
	t.Helper()
	engine, err := pebblekv.Open("store", vfs.NewMem())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	store, err := localstore.Open(context.Background(), engine, localstore.Options{
		SessionID: sessionID,
		Logger:    zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	return store
}

func openSession(t *testing.T, store *localstore.LocalStore) (*Session, *fakeLink) {
	t.Helper()
	link := &fakeLink{sent: make(chan pendingqueue.Batch, 8)}
	s, err := New(context.Background(), Deps{
		Store:     store,
		DocID:     "d1",
		DocType:   "text",
		ServerURL: "ws://example.invalid/sync",
		Dial: func(_ context.Context, opts transport.Options) (Link, error) {
			link.opts = opts
			return link, nil
		},
		Logger: zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	return s, link
}

func TestNewClaimsLeaseAndConnects(t *testing.T) {
	store := setupTestStore(t, "session-a")
	s, link := openSession(t, store)

	require.Equal(t, "session-a", link.opts.SessionID)
	require.Equal(t, "d1", link.opts.DocID)
	require.Same(t, s.Bus(), link.opts.Bus)

	docs, err := store.Adapter().Documents()
	require.NoError(t, err)
	holder, held, err := docs.Locks().Holder(context.Background(), "d1")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "session-a", holder.SessionID)

	require.NoError(t, s.Close(context.Background()))
	_, held, err = docs.Locks().Holder(context.Background(), "d1")
	require.NoError(t, err)
	require.False(t, held)
	require.EqualValues(t, 1, link.disconnected.Load())
}

func TestRunSendsPendingCommandsAndTracksAck(t *testing.T) {
	store := setupTestStore(t, "session-a")
	s, link := openSession(t, store)
	defer s.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, s.SaveCommands(ctx, []command.Command{{Type: "insert", Data: map[string]any{"text": "hi"}}}))

	var b pendingqueue.Batch
	select {
	case b = <-link.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("pending batch was not sent")
	}
	require.Len(t, b.Commands(), 1)
	require.Eventually(t, func() bool { return s.Syncer().State() == savestate.Saving }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Queue().Acknowledge(ctx, 7))
	require.Eventually(t, func() bool { return s.Syncer().State() == savestate.Saved }, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 7, s.Queue().Version())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStorageMessageReachesDocument(t *testing.T) {
	store := setupTestStore(t, "session-a")
	s, _ := openSession(t, store)
	defer s.Close(context.Background())

	s.Bus().Publish(events.Event{Topic: events.ReceiveStorageMessage, Payload: transport.StorageMessage{
		DocID:       "d1",
		PartID:      "p1",
		Commands:    []command.Command{{Type: "insert"}},
		EndRevision: 3,
	}})

	require.True(t, s.Document().IsCreated())
	docs, err := store.Adapter().Documents()
	require.NoError(t, err)
	live, _, err := docs.CountCommands(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, 1, live)
}

func TestLeaseHeldElsewhereFailsNew(t *testing.T) {
	store := setupTestStore(t, "session-a")
	other := localstore.NewLockManager(store.Database(), "session-b", time.Minute, nil, nil)
	_, err := other.Acquire(context.Background(), "d1")
	require.NoError(t, err)

	_, err = New(context.Background(), Deps{
		Store:     store,
		DocID:     "d1",
		ServerURL: "ws://example.invalid/sync",
		Dial: func(context.Context, transport.Options) (Link, error) {
			t.Fatal("dial must not be reached")
			return nil, nil
		},
	})
	require.ErrorIs(t, err, localstore.ErrLockConflict)
}

func TestNewRequiresStoreAndDocument(t *testing.T) {
	_, err := New(context.Background(), Deps{DocID: "d1", ServerURL: "ws://x"})
	require.Error(t, err)
}
