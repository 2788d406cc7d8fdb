// Package commandstorage coordinates local edits going out through the
// pending queue and server-confirmed changes coming back into the local
// store.
package commandstorage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/command"
	"github.com/choplin/officestore/internal/errorreporter"
	"github.com/choplin/officestore/internal/events"
	"github.com/choplin/officestore/internal/localstore"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/pendingqueue"
	"github.com/choplin/officestore/internal/transport"
)

// ErrSessionExpired is returned by SaveCommands once the server has failed
// to acknowledge pending edits for longer than the queue expiry.
var ErrSessionExpired = errors.New("session expired: pending commands not acknowledged")

// ErrNotConnected is returned when a selection must be sent but the storage
// has no connection.
var ErrNotConnected = errors.New("commandstorage: no connection")

// Connection is the transport surface used here.
type Connection interface {
	UpdateSelection(sel transport.Selection) error
	Disconnect() error
}

// IdleNotifier is told when the session has gone idle and stops accepting
// edits.
type IdleNotifier interface {
	NotifyIdle()
}

// IdleNotifierFunc adapts a function to IdleNotifier.
type IdleNotifierFunc func()

// NotifyIdle calls f.
func (f IdleNotifierFunc) NotifyIdle() { f() }

// Options wires a Storage.
type Options struct {
	Store    *localstore.LocalStore
	Document *localstore.Document
	Queue    pendingqueue.Queue
	Conn     Connection
	Bus      *events.Bus
	Idle     IdleNotifier
	Reporter errorreporter.Reporter
	Logger   *zap.SugaredLogger
}

// Storage is the command storage of one open document.
type Storage struct {
	store    *localstore.LocalStore
	doc      *localstore.Document
	queue    pendingqueue.Queue
	conn     Connection
	idle     IdleNotifier
	reporter errorreporter.Reporter
	log      *zap.SugaredLogger

	// mu guards doc and pendingSelection. Storage messages arrive on the
	// transport goroutine while selections come from the caller.
	mu               sync.Mutex
	pendingSelection *transport.Selection

	ctx         context.Context
	unsubscribe func()
}

// New subscribes the storage to RECEIVE_STORAGE_MESSAGE. Messages are
// handled with ctx until Close.
func New(ctx context.Context, opts Options) *Storage {
	s := &Storage{
		store:    opts.Store,
		doc:      opts.Document,
		queue:    opts.Queue,
		conn:     opts.Conn,
		idle:     opts.Idle,
		reporter: opts.Reporter,
		log:      logger.OrNop(opts.Logger),
		ctx:      ctx,
	}
	if opts.Bus != nil {
		s.unsubscribe = opts.Bus.Subscribe(events.ReceiveStorageMessage, s.onStorageMessage)
	}
	return s
}

// Close stops receiving storage messages.
func (s *Storage) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// SaveCommands queues local edits for the server. An expired queue ends
// the session: the user is told it went idle, the connection is dropped
// and ErrSessionExpired is returned.
func (s *Storage) SaveCommands(ctx context.Context, cmds []command.Command) error {
	if s.queue.IsExpired() {
		s.log.Warnw("pending queue expired, refusing edits", "version", s.queue.Version())
		if s.idle != nil {
			s.idle.NotifyIdle()
		}
		if s.conn != nil {
			if err := s.conn.Disconnect(); err != nil {
				s.log.Warnw("disconnect failed", "error", err)
			}
		}
		return ErrSessionExpired
	}
	return s.queue.Enqueue(ctx, cmds)
}

// UpdateSelection forwards sel once the server knows the document, and
// otherwise keeps the latest selection until it does.
func (s *Storage) UpdateSelection(sel transport.Selection) error {
	s.mu.Lock()
	if !s.doc.IsCreated() {
		s.pendingSelection = &sel
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.UpdateSelection(sel)
}

// PendingSelection returns the buffered selection, if any.
func (s *Storage) PendingSelection() (transport.Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingSelection == nil {
		return transport.Selection{}, false
	}
	return *s.pendingSelection, true
}

func (s *Storage) sendSelection(sel *transport.Selection) {
	if sel == nil || s.conn == nil {
		return
	}
	if err := s.conn.UpdateSelection(*sel); err != nil {
		s.log.Warnw("failed to send buffered selection", "error", err)
	}
}

func (s *Storage) onStorageMessage(e events.Event) {
	msg, ok := e.Payload.(transport.StorageMessage)
	if !ok {
		s.report(fmt.Errorf("unexpected storage message payload %T", e.Payload), nil)
		return
	}
	if msg.DocID != "" && msg.DocID != s.doc.ID() {
		return
	}
	if err := s.HandleStorageMessage(s.ctx, msg); err != nil {
		s.report(err, map[string]any{"end_revision": msg.EndRevision})
	}
}

func (s *Storage) report(err error, fields map[string]any) {
	if s.reporter != nil {
		s.reporter.Log(err, fields)
		return
	}
	s.log.Errorw("storage message failed", "error", err)
}

// HandleStorageMessage folds a server-confirmed message into the local
// copy of the document. Messages carrying only metadata are ignored.
func (s *Storage) HandleStorageMessage(ctx context.Context, msg transport.StorageMessage) error {
	if command.OnlyMetadata(msg.Commands) {
		return nil
	}

	var buffered *transport.Selection
	s.mu.Lock()
	if !s.doc.IsCreated() {
		s.doc.MarkCreated()
		buffered, s.pendingSelection = s.pendingSelection, nil
	}

	s.doc.AddCommandBatch(localstore.CommandBatch{
		PartID:    msg.PartID,
		Revision:  msg.EndRevision,
		UserName:  msg.UserID,
		Timestamp: time.UnixMilli(msg.TimeMs),
		Commands:  command.StripMetadata(msg.Commands),
	}, false)
	if msg.EndRevision > s.doc.LastSyncedRevision() {
		s.doc.SetLastSyncedRevision(msg.EndRevision)
	}
	err := s.store.Write(ctx, s.doc)
	s.mu.Unlock()

	s.sendSelection(buffered)
	if err != nil {
		return fmt.Errorf("failed to persist storage message at revision %d: %w", msg.EndRevision, err)
	}
	return nil
}
