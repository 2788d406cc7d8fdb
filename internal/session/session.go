// Package session wires the components of one open document: the local
// store, the pending queue, the server link and the save indicator.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/commandstorage"
	"github.com/choplin/officestore/internal/errorreporter"
	"github.com/choplin/officestore/internal/events"
	"github.com/choplin/officestore/internal/localstore"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/pendingqueue"
	"github.com/choplin/officestore/internal/recovery"
	"github.com/choplin/officestore/internal/savestate"
	"github.com/choplin/officestore/internal/transport"
)

// Link is the server connection a session drives.
type Link interface {
	Run(ctx context.Context) error
	SendCommands(ctx context.Context, b pendingqueue.Batch) error
	UpdateSelection(sel transport.Selection) error
	Disconnect() error
}

// DialFunc opens a Link.
type DialFunc func(ctx context.Context, opts transport.Options) (Link, error)

// DialWebsocket is the default DialFunc.
func DialWebsocket(ctx context.Context, opts transport.Options) (Link, error) {
	return transport.Dial(ctx, opts)
}

// Deps are the collaborators of a session. Store, DocID and ServerURL are
// required.
type Deps struct {
	Store     *localstore.LocalStore
	DocID     string
	DocType   string
	ServerURL string

	Serializer   command.Serializer
	QueueExpiry  time.Duration
	LeaseRefresh time.Duration
	Clock        func() time.Time
	Metrics      *pendingqueue.Metrics

	Warner   recovery.Warner
	Reload   func()
	Idle     commandstorage.IdleNotifier
	Reporter errorreporter.Reporter

	// Dial defaults to DialWebsocket.
	Dial   DialFunc
	Logger *zap.SugaredLogger
}

// Session is one open document.
type Session struct {
	bus      *events.Bus
	store    *localstore.LocalStore
	locks    *localstore.LockManager
	lease    localstore.Lease
	doc      *localstore.Document
	queue    *pendingqueue.Durable
	link     Link
	storage  *commandstorage.Storage
	resolver *recovery.Resolver
	syncer   *savestate.Syncer
	refresh  time.Duration
	log      *zap.SugaredLogger

	wake        chan struct{}
	unsubscribe []func()
}

// New opens the session for deps.DocID: it claims the document lease,
// loads the pending queue and connects to the server.
func New(ctx context.Context, deps Deps) (*Session, error) {
	if deps.Store == nil || deps.DocID == "" || deps.ServerURL == "" {
		return nil, errors.New("session needs a store, a document id and a server url")
	}
	if deps.Dial == nil {
		deps.Dial = DialWebsocket
	}
	if deps.Reporter == nil {
		deps.Reporter = &errorreporter.Recorder{}
	}
	log := logger.OrNop(deps.Logger).With("doc_id", deps.DocID)

	docs, err := deps.Store.Adapter().Documents()
	if err != nil {
		return nil, err
	}
	locks := docs.Locks()
	doc, err := docs.ReadDocument(ctx, deps.DocID)
	switch {
	case errors.Is(err, localstore.ErrNotFound):
		doc = docs.CreateDocument(deps.DocID, deps.DocType)
	case err != nil:
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	lease, err := locks.Acquire(ctx, deps.DocID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		bus:     events.NewBus(),
		store:   deps.Store,
		locks:   locks,
		lease:   lease,
		doc:     doc,
		refresh: deps.LeaseRefresh,
		log:     log,
		wake:    make(chan struct{}, 1),
	}
	if err := s.build(ctx, deps); err != nil {
		s.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	log.Infow("session opened", "session_id", locks.SessionID(), "revision", doc.LastSyncedRevision())
	return s, nil
}

func (s *Session) build(ctx context.Context, deps Deps) error {
	queue, err := pendingqueue.New(pendingqueue.Options{
		DocID:      deps.DocID,
		Store:      deps.Store,
		Bus:        s.bus,
		Serializer: deps.Serializer,
		Expiry:     deps.QueueExpiry,
		Clock:      deps.Clock,
		Metrics:    deps.Metrics,
		Logger:     s.log,
	})
	if err != nil {
		return err
	}
	s.queue = queue

	// Observers subscribe before Init so they see the persisted state.
	s.syncer = savestate.New(s.bus, queue, s.log)
	s.resolver = recovery.NewResolver(recovery.Options{
		Queue:    queue,
		Bus:      s.bus,
		Warner:   deps.Warner,
		Reporter: deps.Reporter,
		Reload:   deps.Reload,
		Logger:   s.log,
	})
	s.unsubscribe = append(s.unsubscribe,
		s.bus.Subscribe(events.CommandAvailable, func(events.Event) { s.signal() }),
		s.bus.Subscribe(events.CommandsAcknowledged, func(events.Event) { s.signal() }),
	)

	if err := queue.Init(ctx); err != nil {
		return err
	}

	link, err := deps.Dial(ctx, transport.Options{
		URL:       deps.ServerURL,
		DocID:     deps.DocID,
		SessionID: s.locks.SessionID(),
		Bus:       s.bus,
		Queue:     queue,
		Logger:    s.log,
	})
	if err != nil {
		return err
	}
	s.link = link

	s.storage = commandstorage.New(ctx, commandstorage.Options{
		Store:    deps.Store,
		Document: s.doc,
		Queue:    queue,
		Conn:     link,
		Bus:      s.bus,
		Idle:     deps.Idle,
		Reporter: deps.Reporter,
		Logger:   s.log,
	})
	return nil
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run reads from the server, keeps the lease alive and sends pending
// commands until ctx is done or the connection ends.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.link.Run(gctx)
	})
	if s.refresh > 0 {
		g.Go(func() error {
			return s.locks.KeepAlive(gctx, s.lease, s.refresh)
		})
	}
	g.Go(func() error {
		return s.pump(gctx)
	})
	return g.Wait()
}

func (s *Session) pump(ctx context.Context) error {
	s.signal()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
		b, ok := s.queue.NextBatch()
		if !ok {
			continue
		}
		if err := s.link.SendCommands(ctx, b); err != nil {
			s.queue.Requeue()
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to send pending commands: %w", err)
		}
	}
}

// SaveCommands records local edits. See commandstorage.Storage.SaveCommands.
func (s *Session) SaveCommands(ctx context.Context, cmds []command.Command) error {
	return s.storage.SaveCommands(ctx, cmds)
}

// UpdateSelection forwards the local selection to the server.
func (s *Session) UpdateSelection(sel transport.Selection) error {
	return s.storage.UpdateSelection(sel)
}

// Bus returns the session event bus.
func (s *Session) Bus() *events.Bus { return s.bus }

// Document returns the open document.
func (s *Session) Document() *localstore.Document { return s.doc }

// Queue returns the pending command queue.
func (s *Session) Queue() *pendingqueue.Durable { return s.queue }

// Syncer returns the save indicator state machine.
func (s *Session) Syncer() *savestate.Syncer { return s.syncer }

// Resolver returns the undeliverable queue resolver.
func (s *Session) Resolver() *recovery.Resolver { return s.resolver }

// Storage returns the command storage coordinator.
func (s *Session) Storage() *commandstorage.Storage { return s.storage }

// Lease returns the lease claimed when the session opened.
func (s *Session) Lease() localstore.Lease { return s.lease }

// Close drops every subscription, disconnects and releases the lease.
func (s *Session) Close(ctx context.Context) error {
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.unsubscribe = nil
	if s.storage != nil {
		s.storage.Close()
	}
	if s.resolver != nil {
		s.resolver.Close()
	}
	if s.syncer != nil {
		s.syncer.Close()
	}

	var errs []error
	if s.link != nil {
		if err := s.link.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.locks.Release(ctx, s.lease); err != nil {
		errs = append(errs, err)
	}
	s.doc.Dispose()
	s.log.Infow("session closed")
	return errors.Join(errs...)
}
