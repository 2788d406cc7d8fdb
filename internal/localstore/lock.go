package localstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/idb"
	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/schema"
)

// Lease is a time-bounded claim on a document by one session.
type Lease struct {
	DocID     string
	SessionID string
	ExpiresAt time.Time
}

func (l Lease) expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

func leaseFromValue(v idb.Value) Lease {
	return Lease{
		DocID:     v.String("docId"),
		SessionID: v.String("sessionId"),
		ExpiresAt: time.UnixMilli(v.Int64("expiresAt")),
	}
}

func (l Lease) value() idb.Value {
	return idb.Value{"docId": l.DocID, "sessionId": l.SessionID, "expiresAt": l.ExpiresAt.UnixMilli()}
}

// LockManager grants document leases to one session.
type LockManager struct {
	db        *idb.Database
	sessionID string
	duration  time.Duration
	clock     func() time.Time
	log       *zap.SugaredLogger
}

// NewLockManager returns a manager acting for sessionID.
func NewLockManager(db *idb.Database, sessionID string, duration time.Duration, clock func() time.Time, log *zap.SugaredLogger) *LockManager {
	if clock == nil {
		clock = time.Now
	}
	return &LockManager{db: db, sessionID: sessionID, duration: duration, clock: clock, log: logger.OrNop(log)}
}

// SessionID returns the session the manager acts for.
func (m *LockManager) SessionID() string { return m.sessionID }

// Acquire claims docID. It succeeds when the lease is free, expired or
// already held by this session.
func (m *LockManager) Acquire(ctx context.Context, docID string) (Lease, error) {
	return m.claim(ctx, docID, false)
}

// Refresh extends a lease this session holds.
func (m *LockManager) Refresh(ctx context.Context, lease Lease) (Lease, error) {
	return m.claim(ctx, lease.DocID, true)
}

func (m *LockManager) claim(ctx context.Context, docID string, mustHold bool) (Lease, error) {
	var lease Lease
	err := m.update(ctx, func(locks *idb.ObjectStore) error {
		now := m.clock()
		current, held, err := readLease(locks, docID)
		if err != nil {
			return err
		}
		if held && current.SessionID != m.sessionID && !current.expired(now) {
			return fmt.Errorf("%w: %s held by %s until %s", ErrLockConflict, docID, current.SessionID, current.ExpiresAt.Format(time.RFC3339))
		}
		if mustHold && (!held || current.SessionID != m.sessionID) {
			return fmt.Errorf("%w: %s", ErrLeaseLost, docID)
		}
		lease = Lease{DocID: docID, SessionID: m.sessionID, ExpiresAt: now.Add(m.duration)}
		return locks.Put(lease.value()).Err()
	})
	if err != nil {
		return Lease{}, newStoreError("claim lease", err)
	}
	return lease, nil
}

// Release drops the lease when this session still holds it.
func (m *LockManager) Release(ctx context.Context, lease Lease) error {
	err := m.update(ctx, func(locks *idb.ObjectStore) error {
		current, held, err := readLease(locks, lease.DocID)
		if err != nil || !held || current.SessionID != m.sessionID {
			return err
		}
		return locks.DeleteKey(kv.Key{lease.DocID}).Err()
	})
	if err != nil {
		return newStoreError("release lease", err)
	}
	return nil
}

// Holder returns the unexpired lease on docID, if any.
func (m *LockManager) Holder(ctx context.Context, docID string) (Lease, bool, error) {
	var (
		lease Lease
		held  bool
	)
	err := view(ctx, m.db, []schema.StoreName{schema.DocumentLocks}, func(tx *idb.Transaction) error {
		var err error
		lease, held, err = readLease(tx.MustObjectStore(schema.DocumentLocks), docID)
		return err
	})
	if err != nil {
		return Lease{}, false, err
	}
	if held && lease.expired(m.clock()) {
		return Lease{}, false, nil
	}
	return lease, held, nil
}

// KeepAlive refreshes lease every interval until ctx is done. It returns
// the refresh error that ended it, or nil on cancellation.
func (m *LockManager) KeepAlive(ctx context.Context, lease Lease, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next, err := m.Refresh(ctx, lease)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.log.Warnw("lease refresh failed", "doc_id", lease.DocID, "error", err)
				return err
			}
			lease = next
			m.log.Debugw("lease refreshed", "doc_id", lease.DocID, "expires_at", lease.ExpiresAt)
		}
	}
}

// checkOwner fails with ErrLockConflict when another session holds an
// unexpired lease on docID.
func (m *LockManager) checkOwner(tx *idb.Transaction, docID string) error {
	locks, err := tx.ObjectStore(schema.DocumentLocks)
	if err != nil {
		return err
	}
	current, held, err := readLease(locks, docID)
	if err != nil {
		return err
	}
	if held && current.SessionID != m.sessionID && !current.expired(m.clock()) {
		return fmt.Errorf("%w: %s held by %s", ErrLockConflict, docID, current.SessionID)
	}
	return nil
}

func (m *LockManager) update(ctx context.Context, fn func(locks *idb.ObjectStore) error) error {
	tx, err := m.db.Transaction(ctx, []schema.StoreName{schema.DocumentLocks}, idb.ReadWrite)
	if err != nil {
		return err
	}
	if err := fn(tx.MustObjectStore(schema.DocumentLocks)); err != nil {
		tx.Abort(err)
		return err
	}
	return tx.Commit()
}

func readLease(locks *idb.ObjectStore, docID string) (Lease, bool, error) {
	v, err := locks.Get(kv.Key{docID}).Result()
	if err != nil || v == nil {
		return Lease{}, false, err
	}
	return leaseFromValue(v), true, nil
}
