package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeaseAcquireRefreshRelease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := setupTestStore(t, Options{})
	mine := NewLockManager(store.Database(), "mine", time.Minute, clock.Now, nil)
	theirs := NewLockManager(store.Database(), "theirs", time.Minute, clock.Now, nil)

	lease, err := mine.Acquire(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(time.Minute), lease.ExpiresAt)

	_, err = mine.Acquire(ctx, "d1")
	require.NoError(t, err, "re-acquiring our own lease succeeds")

	_, err = theirs.Acquire(ctx, "d1")
	require.ErrorIs(t, err, ErrLockConflict)
	require.True(t, IsType(err, LockConflict))

	clock.Advance(30 * time.Second)
	refreshed, err := mine.Refresh(ctx, lease)
	require.NoError(t, err)
	require.True(t, refreshed.ExpiresAt.After(lease.ExpiresAt))

	holder, held, err := theirs.Holder(ctx, "d1")
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "mine", holder.SessionID)

	require.NoError(t, theirs.Release(ctx, Lease{DocID: "d1", SessionID: "theirs"}))
	_, held, err = mine.Holder(ctx, "d1")
	require.NoError(t, err)
	require.True(t, held, "releasing someone else's lease is a no-op")

	require.NoError(t, mine.Release(ctx, refreshed))
	_, held, err = mine.Holder(ctx, "d1")
	require.NoError(t, err)
	require.False(t, held)

	_, err = mine.Refresh(ctx, refreshed)
	require.ErrorIs(t, err, ErrLeaseLost)
}

func TestExpiredLeaseCanBeTaken(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := setupTestStore(t, Options{})
	mine := NewLockManager(store.Database(), "mine", time.Minute, clock.Now, nil)
	theirs := NewLockManager(store.Database(), "theirs", time.Minute, clock.Now, nil)

	lease, err := mine.Acquire(ctx, "d1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, held, err := theirs.Holder(ctx, "d1")
	require.NoError(t, err)
	require.False(t, held)

	_, err = theirs.Acquire(ctx, "d1")
	require.NoError(t, err)

	_, err = mine.Refresh(ctx, lease)
	require.ErrorIs(t, err, ErrLockConflict)
}

func TestKeepAliveRefreshesUntilCancelled(t *testing.T) {
	store := setupTestStore(t, Options{})
	mine := NewLockManager(store.Database(), "mine", time.Minute, time.Now, nil)

	lease, err := mine.Acquire(context.Background(), "d1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mine.KeepAlive(ctx, lease, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		current, held, err := mine.Holder(context.Background(), "d1")
		return err == nil && held && current.ExpiresAt.After(lease.ExpiresAt)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("KeepAlive did not stop after cancellation")
	}
}

func TestKeepAliveStopsWhenLeaseLost(t *testing.T) {
	clock := newFakeClock()
	store := setupTestStore(t, Options{})
	mine := NewLockManager(store.Database(), "mine", time.Minute, clock.Now, nil)
	theirs := NewLockManager(store.Database(), "theirs", time.Minute, clock.Now, nil)

	lease, err := mine.Acquire(context.Background(), "d1")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	_, err = theirs.Acquire(context.Background(), "d1")
	require.NoError(t, err)

	err = mine.KeepAlive(context.Background(), lease, time.Millisecond)
	require.ErrorIs(t, err, ErrLockConflict)
}
