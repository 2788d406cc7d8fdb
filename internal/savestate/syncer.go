// Package savestate derives the user-visible save indicator from pending
// queue events.
package savestate

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/events"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/pendingqueue"
)

// State is what the save indicator shows.
type State string

const (
	Saved       State = "saved"
	Unpersisted State = "unpersisted"
	Pending     State = "pending"
	Saving      State = "saving"
	Error       State = "error"
)

const (
	eventEdit          = "edit"
	eventQueued        = "queued"
	eventPersisted     = "persisted"
	eventSend          = "send"
	eventAckAll        = "ack_all"
	eventAckPartial    = "ack_partial"
	eventUndeliverable = "undeliverable"
	eventReset         = "reset"
)

// Source is the part of the pending queue the syncer consults to tell a
// fresh edit from commands that are already on disk.
type Source interface {
	HasUnpersisted() bool
}

// Syncer tracks the save state of one document session.
type Syncer struct {
	machine *fsm.FSM
	source  Source
	log     *zap.SugaredLogger

	// serializes transitions so observers see them in order
	mu sync.Mutex

	obsMu     sync.Mutex
	nextID    uint64
	observers map[uint64]func(from, to State)
	order     []uint64

	unsubscribe []func()
}

// New builds a syncer in the saved state and subscribes it to bus. source
// may be nil, in which case every COMMAND_AVAILABLE counts as an edit.
func New(bus *events.Bus, source Source, log *zap.SugaredLogger) *Syncer {
	s := &Syncer{
		source:    source,
		log:       logger.OrNop(log),
		observers: make(map[uint64]func(from, to State)),
	}

	live := []string{string(Saved), string(Unpersisted), string(Pending), string(Saving)}
	s.machine = fsm.NewFSM(
		string(Saved),
		fsm.Events{
			{Name: eventEdit, Src: live, Dst: string(Unpersisted)},
			{Name: eventQueued, Src: []string{string(Saved), string(Saving)}, Dst: string(Pending)},
			{Name: eventPersisted, Src: []string{string(Unpersisted)}, Dst: string(Pending)},
			{Name: eventSend, Src: []string{string(Unpersisted), string(Pending)}, Dst: string(Saving)},
			{Name: eventAckAll, Src: []string{string(Pending), string(Saving)}, Dst: string(Saved)},
			{Name: eventAckPartial, Src: []string{string(Saving)}, Dst: string(Pending)},
			{Name: eventUndeliverable, Src: live, Dst: string(Error)},
			{Name: eventReset, Src: append(live, string(Error)), Dst: string(Saved)},
		},
		fsm.Callbacks{},
	)

	if bus != nil {
		s.unsubscribe = []func(){
			bus.Subscribe(events.CommandAvailable, func(events.Event) { s.onAvailable() }),
			bus.Subscribe(events.CommandsPersisted, func(events.Event) { s.fire(eventPersisted) }),
			bus.Subscribe(events.WaitingForAck, func(events.Event) { s.fire(eventSend) }),
			bus.Subscribe(events.CommandsAcknowledged, s.onAcknowledged),
			bus.Subscribe(events.CommandsUndeliverable, func(events.Event) { s.fire(eventUndeliverable) }),
			bus.Subscribe(events.PendingQueueReset, func(events.Event) { s.fire(eventReset) }),
		}
	}
	return s
}

func (s *Syncer) onAvailable() {
	if s.source != nil && !s.source.HasUnpersisted() {
		s.fire(eventQueued)
		return
	}
	s.fire(eventEdit)
}

func (s *Syncer) onAcknowledged(e events.Event) {
	if ack, ok := e.Payload.(pendingqueue.Acknowledged); ok && ack.Remaining > 0 {
		s.fire(eventAckPartial)
		return
	}
	s.fire(eventAckAll)
}

func (s *Syncer) fire(event string) {
	s.mu.Lock()
	from := State(s.machine.Current())
	err := s.machine.Event(context.Background(), event)
	to := State(s.machine.Current())
	s.mu.Unlock()

	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	switch {
	case err == nil:
	case errors.As(err, &noTransition), errors.As(err, &invalid):
		s.log.Debugw("save state event ignored", "event", event, "state", from)
		return
	default:
		s.log.Warnw("save state transition failed", "event", event, "error", err)
		return
	}
	if from == to {
		return
	}
	s.log.Debugw("save state changed", "from", from, "to", to)
	s.notify(from, to)
}

func (s *Syncer) notify(from, to State) {
	s.obsMu.Lock()
	fns := make([]func(from, to State), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.observers[id])
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(from, to)
	}
}

// State returns the current save state.
func (s *Syncer) State() State {
	return State(s.machine.Current())
}

// OnChange registers fn for every state change and returns a function
// removing it.
func (s *Syncer) OnChange(fn func(from, to State)) func() {
	s.obsMu.Lock()
	s.nextID++
	id := s.nextID
	s.observers[id] = fn
	s.order = append(s.order, id)
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			defer s.obsMu.Unlock()
			delete(s.observers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Close unsubscribes from the bus.
func (s *Syncer) Close() {
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.unsubscribe = nil
}
