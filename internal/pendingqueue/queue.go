// Package pendingqueue keeps local edits that the collaboration server has
// not acknowledged yet, persisted in the local store so they survive a
// restart.
package pendingqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/events"
	"github.com/choplin/officestore/internal/kv"
	"github.com/choplin/officestore/internal/localstore"
	"github.com/choplin/officestore/internal/logger"
)

var (
	// ErrNotInitialized is returned by operations that need persisted state
	// before Init has loaded it.
	ErrNotInitialized = errors.New("pending queue not initialized")
	// ErrUndeliverable is returned when enqueueing onto a queue whose edits
	// can no longer be delivered.
	ErrUndeliverable = errors.New("pending queue is undeliverable")
)

// Queue is the view of the pending queue used by the storage and sync
// components.
type Queue interface {
	Enqueue(ctx context.Context, cmds []command.Command) error
	IsExpired() bool
	IsUndeliverable() bool
	IsAnachronistic() bool
	IsInitialized() bool
	IsWaitingForAck() bool
	HasUnpersisted() bool
	Version() int64
	ClearAndReset(ctx context.Context, reason string) error
}

// Entry is one locally produced batch of commands.
type Entry struct {
	Seq       int64
	Commands  []command.Command
	CreatedAt time.Time
}

// Batch is the set of entries handed to the transport in one send.
type Batch struct {
	DocID       string
	BaseVersion int64
	Entries     []Entry
}

// Commands returns the commands of every entry in order.
func (b Batch) Commands() []command.Command {
	var out []command.Command
	for _, e := range b.Entries {
		out = append(out, e.Commands...)
	}
	return out
}

// LastSeq returns the sequence number of the newest entry.
func (b Batch) LastSeq() int64 {
	if len(b.Entries) == 0 {
		return 0
	}
	return b.Entries[len(b.Entries)-1].Seq
}

// Acknowledged is the payload of COMMANDS_ACKNOWLEDGED.
type Acknowledged struct {
	DocID     string
	Revision  int64
	Remaining int
}

// Undeliverable is the payload of COMMANDS_UNDELIVERABLE.
type Undeliverable struct {
	DocID  string
	Reason string
}

// Reset is the payload of PENDING_QUEUE_RESET.
type Reset struct {
	DocID   string
	Reason  string
	Dropped int
}

// Options configures a Durable queue.
type Options struct {
	DocID      string
	Store      *localstore.LocalStore
	Bus        *events.Bus
	Serializer command.Serializer
	// Expiry is how long the queue may wait for an acknowledgement before
	// the session is considered stale.
	Expiry  time.Duration
	Clock   func() time.Time
	Metrics *Metrics
	Logger  *zap.SugaredLogger
}

// Durable is the Queue persisted in the pending_queues store.
type Durable struct {
	mu sync.Mutex

	docID      string
	store      *localstore.LocalStore
	records    *localstore.EntityStore
	bus        *events.Bus
	serializer command.Serializer
	expiry     time.Duration
	clock      func() time.Time
	metrics    *Metrics
	log        *zap.SugaredLogger

	rec           *localstore.Entity
	initialized   bool
	entries       []Entry
	nextSeq       int64
	version       int64
	waitingSince  time.Time
	inFlightUpTo  int64
	undeliverable bool
	anachronistic bool
	unpersisted   bool
}

var _ Queue = (*Durable)(nil)

// New returns an uninitialized queue for opts.DocID.
func New(opts Options) (*Durable, error) {
	if opts.DocID == "" {
		return nil, errors.New("pending queue needs a document id")
	}
	records, err := opts.Store.Adapter().PendingQueues()
	if err != nil {
		return nil, err
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Serializer == nil {
		opts.Serializer = command.JSONSerializer{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 10 * time.Minute
	}
	return &Durable{
		docID:      opts.DocID,
		store:      opts.Store,
		records:    records,
		bus:        opts.Bus,
		serializer: opts.Serializer,
		expiry:     opts.Expiry,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		log:        logger.OrNop(opts.Logger).With("doc_id", opts.DocID),
		nextSeq:    1,
	}, nil
}

// Init loads the persisted queue. A queue that already holds entries
// announces them with COMMAND_AVAILABLE.
func (q *Durable) Init(ctx context.Context) error {
	q.mu.Lock()
	rec, err := q.records.Get(ctx, kv.Key{q.docID})
	switch {
	case errors.Is(err, localstore.ErrNotFound):
		rec = localstore.NewPendingQueueRecord(q.docID)
	case err != nil:
		q.mu.Unlock()
		return fmt.Errorf("failed to load pending queue: %w", err)
	default:
		if err := q.hydrate(rec); err != nil {
			q.mu.Unlock()
			return err
		}
	}
	q.rec = rec
	q.initialized = true
	available := len(q.entries) > 0 && !q.undeliverable
	undeliverable := q.undeliverable
	count, version := len(q.entries), q.version
	q.observe()
	q.mu.Unlock()

	q.log.Debugw("pending queue loaded", "entries", count, "version", version)
	if available {
		q.publish(events.CommandAvailable, nil)
	}
	if undeliverable {
		q.publish(events.CommandsUndeliverable, Undeliverable{DocID: q.docID, Reason: "persisted"})
	}
	return nil
}

func (q *Durable) hydrate(rec *localstore.Entity) error {
	q.version = rec.Int64("version")
	q.nextSeq = rec.Int64("nextSeq")
	if q.nextSeq < 1 {
		q.nextSeq = 1
	}
	q.undeliverable = rec.Bool("undeliverable")
	q.anachronistic = rec.Bool("anachronistic")

	serializer := q.serializer
	if name := rec.String("serializer"); name != "" && name != serializer.Name() {
		s, err := command.NewSerializer(name)
		if err != nil {
			return err
		}
		serializer = s
	}

	raw, _ := rec.Property("entries").([]any)
	q.entries = make([]Entry, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("pending entry %d has type %T", i, item)
		}
		cmds, err := command.DecodeStored(serializer, m["commands"])
		if err != nil {
			return fmt.Errorf("pending entry %d: %w", i, err)
		}
		q.entries = append(q.entries, Entry{
			Seq:       toInt64(m["seq"]),
			Commands:  cmds,
			CreatedAt: time.UnixMilli(toInt64(m["createdAt"])),
		})
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// persist writes the in-memory state. Callers hold q.mu.
func (q *Durable) persist(ctx context.Context) error {
	stored := make([]any, 0, len(q.entries))
	for _, e := range q.entries {
		cmds, err := command.EncodeStored(q.serializer, e.Commands)
		if err != nil {
			return err
		}
		stored = append(stored, map[string]any{
			"seq":       e.Seq,
			"createdAt": e.CreatedAt.UnixMilli(),
			"commands":  cmds,
		})
	}
	q.rec.SetProperty("entries", stored)
	q.rec.SetProperty("version", q.version)
	q.rec.SetProperty("nextSeq", q.nextSeq)
	q.rec.SetProperty("undeliverable", q.undeliverable)
	q.rec.SetProperty("anachronistic", q.anachronistic)
	q.rec.SetProperty("serializer", q.serializer.Name())

	if err := q.store.Write(ctx, q.rec); err != nil {
		q.unpersisted = true
		q.observe()
		return err
	}
	q.unpersisted = false
	q.observe()
	return nil
}

func (q *Durable) observe() {
	q.metrics.observe(q.docID, len(q.entries), q.undeliverable)
}

func (q *Durable) publish(topic events.Topic, payload any) {
	q.bus.Publish(events.Event{Topic: topic, Payload: payload})
}

// Enqueue appends cmds as one entry and persists it.
func (q *Durable) Enqueue(ctx context.Context, cmds []command.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	q.mu.Lock()
	if !q.initialized {
		q.mu.Unlock()
		return ErrNotInitialized
	}
	if q.undeliverable {
		q.mu.Unlock()
		return ErrUndeliverable
	}
	q.entries = append(q.entries, Entry{
		Seq:       q.nextSeq,
		Commands:  append([]command.Command(nil), cmds...),
		CreatedAt: q.clock(),
	})
	q.nextSeq++
	q.unpersisted = true
	q.mu.Unlock()

	q.publish(events.CommandAvailable, nil)

	q.mu.Lock()
	err := q.persist(ctx)
	q.mu.Unlock()
	if err != nil {
		q.log.Warnw("failed to persist pending commands", "error", err)
		return err
	}
	q.publish(events.CommandsPersisted, nil)
	return nil
}

// Flush retries persisting state left unpersisted by a failed write.
func (q *Durable) Flush(ctx context.Context) error {
	q.mu.Lock()
	if !q.initialized || !q.unpersisted {
		q.mu.Unlock()
		return nil
	}
	err := q.persist(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.publish(events.CommandsPersisted, nil)
	return nil
}

// NextBatch hands every entry to the transport and starts waiting for an
// acknowledgement. It returns false when there is nothing to send or a
// batch is already in flight.
func (q *Durable) NextBatch() (Batch, bool) {
	q.mu.Lock()
	if !q.initialized || q.undeliverable || !q.waitingSince.IsZero() || len(q.entries) == 0 {
		q.mu.Unlock()
		return Batch{}, false
	}
	b := Batch{DocID: q.docID, BaseVersion: q.version, Entries: append([]Entry(nil), q.entries...)}
	q.waitingSince = q.clock()
	q.inFlightUpTo = b.LastSeq()
	q.mu.Unlock()

	q.publish(events.WaitingForAck, nil)
	return b, true
}

// Acknowledge drops the entries in flight and records revision as the new
// base version. An acknowledgement with no batch in flight is ignored.
func (q *Durable) Acknowledge(ctx context.Context, revision int64) error {
	q.mu.Lock()
	if !q.initialized {
		q.mu.Unlock()
		return ErrNotInitialized
	}
	if q.waitingSince.IsZero() {
		q.mu.Unlock()
		q.log.Debugw("ignoring acknowledgement with nothing in flight", "revision", revision)
		return nil
	}
	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if e.Seq > q.inFlightUpTo {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.version = revision
	q.waitingSince = time.Time{}
	q.inFlightUpTo = 0
	q.anachronistic = false
	err := q.persist(ctx)
	remaining := len(q.entries)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.publish(events.CommandsAcknowledged, Acknowledged{DocID: q.docID, Revision: revision, Remaining: remaining})
	return nil
}

// Requeue abandons the batch in flight so it is sent again.
func (q *Durable) Requeue() {
	q.mu.Lock()
	waiting := !q.waitingSince.IsZero()
	q.waitingSince = time.Time{}
	q.inFlightUpTo = 0
	available := waiting && len(q.entries) > 0
	q.mu.Unlock()
	if available {
		q.publish(events.CommandAvailable, nil)
	}
}

// MarkUndeliverable records that the pending edits cannot be applied on
// the server.
func (q *Durable) MarkUndeliverable(ctx context.Context, reason string) error {
	q.mu.Lock()
	if !q.initialized {
		q.mu.Unlock()
		q.publish(events.CommandsUndeliverable, Undeliverable{DocID: q.docID, Reason: reason})
		return ErrNotInitialized
	}
	q.undeliverable = true
	q.waitingSince = time.Time{}
	err := q.persist(ctx)
	q.mu.Unlock()

	q.log.Warnw("pending commands undeliverable", "reason", reason)
	q.publish(events.CommandsUndeliverable, Undeliverable{DocID: q.docID, Reason: reason})
	return err
}

// MarkAnachronistic records that the queue is based on a revision the
// server no longer accepts.
func (q *Durable) MarkAnachronistic(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.initialized {
		return ErrNotInitialized
	}
	q.anachronistic = true
	q.log.Warnw("pending queue is anachronistic", "version", q.version)
	return q.persist(ctx)
}

// ClearAndReset drops every pending edit and clears the failure flags.
func (q *Durable) ClearAndReset(ctx context.Context, reason string) error {
	q.mu.Lock()
	if !q.initialized {
		q.mu.Unlock()
		return ErrNotInitialized
	}
	dropped := len(q.entries)
	q.entries = nil
	q.waitingSince = time.Time{}
	q.inFlightUpTo = 0
	q.undeliverable = false
	q.anachronistic = false
	err := q.persist(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.log.Infow("pending queue reset", "reason", reason, "dropped", dropped)
	q.publish(events.PendingQueueReset, Reset{DocID: q.docID, Reason: reason, Dropped: dropped})
	return nil
}

// IsExpired reports whether an acknowledgement has been awaited for longer
// than the expiry.
func (q *Durable) IsExpired() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.waitingSince.IsZero() && q.clock().Sub(q.waitingSince) > q.expiry
}

// IsUndeliverable reports whether the server refused the pending edits.
func (q *Durable) IsUndeliverable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.undeliverable
}

// IsAnachronistic reports whether the queue is based on a stale revision.
func (q *Durable) IsAnachronistic() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.anachronistic
}

// IsInitialized reports whether Init has loaded the persisted state.
func (q *Durable) IsInitialized() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.initialized
}

// IsWaitingForAck reports whether a batch is in flight.
func (q *Durable) IsWaitingForAck() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.waitingSince.IsZero()
}

// HasUnpersisted reports whether an Enqueue is still being written.
func (q *Durable) HasUnpersisted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unpersisted
}

// Version returns the server revision the pending entries are based on.
func (q *Durable) Version() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.version
}

// Len returns the number of pending entries.
func (q *Durable) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the pending entries.
func (q *Durable) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

// DocID returns the document the queue belongs to.
func (q *Durable) DocID() string { return q.docID }
