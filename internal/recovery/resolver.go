// Package recovery offers the user a way out of a pending queue the server
// can no longer accept.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/errorreporter"
	"github.com/choplin/officestore/internal/events"
	"github.com/choplin/officestore/internal/logger"
	"github.com/choplin/officestore/internal/pendingqueue"
)

// ErrUndeliverableBeforeInit is reported as fatal when the queue reports
// undeliverable edits before it has loaded.
var ErrUndeliverableBeforeInit = errors.New("pending queue undeliverable before initialization")

// Warner shows the blocking "cannot save changes" warning. The only action
// it may offer is reset, which drops every local edit.
type Warner interface {
	ShowUndeliverable(reset func(ctx context.Context) error)
}

// Options wires a Resolver.
type Options struct {
	Queue    pendingqueue.Queue
	Bus      *events.Bus
	Warner   Warner
	Reporter errorreporter.Reporter
	// Reload restarts the client after a reset.
	Reload func()
	Logger *zap.SugaredLogger
}

// Resolver watches for undeliverable pending queues.
type Resolver struct {
	queue    pendingqueue.Queue
	warner   Warner
	reporter errorreporter.Reporter
	reload   func()
	log      *zap.SugaredLogger

	mu    sync.Mutex
	shown bool

	unsubscribe func()
}

// NewResolver subscribes to COMMANDS_UNDELIVERABLE and checks the queue
// once right away.
func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		queue:    opts.Queue,
		warner:   opts.Warner,
		reporter: opts.Reporter,
		reload:   opts.Reload,
		log:      logger.OrNop(opts.Logger),
	}
	if opts.Bus != nil {
		r.unsubscribe = opts.Bus.Subscribe(events.CommandsUndeliverable, func(events.Event) { r.check(true) })
	}
	r.check(false)
	return r
}

func (r *Resolver) check(fromEvent bool) {
	if !r.queue.IsInitialized() {
		if fromEvent && r.reporter != nil {
			r.reporter.FatalError(ErrUndeliverableBeforeInit)
		}
		return
	}
	if !r.queue.IsUndeliverable() {
		return
	}

	r.mu.Lock()
	if r.shown {
		r.mu.Unlock()
		return
	}
	r.shown = true
	r.mu.Unlock()

	r.log.Warnw("local changes cannot be saved", "version", r.queue.Version())
	if r.warner != nil {
		r.warner.ShowUndeliverable(r.HandleReset)
	}
}

// IsWarningShown reports whether the warning is currently up.
func (r *Resolver) IsWarningShown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shown
}

// HandleReset drops the local queue and reloads the client.
func (r *Resolver) HandleReset(ctx context.Context) error {
	if err := r.queue.ClearAndReset(ctx, ""); err != nil {
		return fmt.Errorf("failed to reset pending queue: %w", err)
	}
	r.mu.Lock()
	r.shown = false
	r.mu.Unlock()
	if r.reload != nil {
		r.reload()
	}
	return nil
}

// Close unsubscribes from the bus.
func (r *Resolver) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// LogWarner is a Warner for headless sessions: it logs the warning and
// keeps the reset action for the caller.
type LogWarner struct {
	Log *zap.SugaredLogger

	mu    sync.Mutex
	reset func(ctx context.Context) error
}

// ShowUndeliverable implements Warner.
func (w *LogWarner) ShowUndeliverable(reset func(ctx context.Context) error) {
	logger.OrNop(w.Log).Warnw("cannot save changes; reset the local queue to continue from the server revision")
	w.mu.Lock()
	w.reset = reset
	w.mu.Unlock()
}

// Reset runs the reset action offered by the last warning.
func (w *LogWarner) Reset(ctx context.Context) error {
	w.mu.Lock()
	reset := w.reset
	w.mu.Unlock()
	if reset == nil {
		return errors.New("no undeliverable warning to act on")
	}
	return reset(ctx)
}
