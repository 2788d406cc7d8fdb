// Package errorreporter is the sink for recoverable errors, invariant
// violations and session-fatal conditions.
package errorreporter

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/choplin/officestore/internal/logger"
)

// Reporter receives errors from the storage and sync components.
type Reporter interface {
	// Log records a recoverable error with optional context.
	Log(err error, fields map[string]any)
	// FatalError records a condition that terminates the session.
	FatalError(err error)
	// Assert logs err when cond is false and returns cond.
	Assert(cond bool, err error) bool
}

// Options configures a Zap reporter.
type Options struct {
	// SentryDSN enables the sentry sink when set.
	SentryDSN   string
	Environment string
	Release     string
	// OnFatal runs after a fatal error has been recorded, typically to
	// cancel the session context.
	OnFatal func(error)
}

// Zap logs through zap and optionally forwards to sentry.
type Zap struct {
	log     *zap.SugaredLogger
	hub     *sentry.Hub
	onFatal func(error)
}

// New builds a reporter. A sentry client is created only when a DSN is set.
func New(log *zap.SugaredLogger, opts Options) (*Zap, error) {
	r := &Zap{log: logger.OrNop(log), onFatal: opts.OnFatal}
	if opts.SentryDSN == "" {
		return r, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         opts.SentryDSN,
		Environment: opts.Environment,
		Release:     opts.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise sentry client: %w", err)
	}
	r.hub = sentry.NewHub(client, sentry.NewScope())
	return r, nil
}

// Flush waits up to timeout for queued sentry events.
func (r *Zap) Flush(timeout time.Duration) {
	if r.hub != nil {
		r.hub.Flush(timeout)
	}
}

// Log implements Reporter.
func (r *Zap) Log(err error, fields map[string]any) {
	if err == nil {
		return
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	r.log.Errorw(err.Error(), args...)
	r.capture(sentry.LevelError, err, fields)
}

// FatalError implements Reporter.
func (r *Zap) FatalError(err error) {
	if err == nil {
		return
	}
	r.log.Errorw("fatal error, session terminated", "error", err)
	r.capture(sentry.LevelFatal, err, nil)
	if r.hub != nil {
		r.hub.Flush(5 * time.Second)
	}
	if r.onFatal != nil {
		r.onFatal(err)
	}
}

// Assert implements Reporter.
func (r *Zap) Assert(cond bool, err error) bool {
	if !cond {
		r.log.Warnw("assertion failed", "error", err)
		r.capture(sentry.LevelWarning, err, nil)
	}
	return cond
}

func (r *Zap) capture(level sentry.Level, err error, fields map[string]any) {
	if r.hub == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		if len(fields) > 0 {
			scope.SetContext("details", sentry.Context(fields))
		}
		r.hub.CaptureException(err)
	})
}

// Entry is one call captured by a Recorder.
type Entry struct {
	Kind   string
	Err    error
	Fields map[string]any
}

// Recorder keeps every reported error in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Log implements Reporter.
func (r *Recorder) Log(err error, fields map[string]any) {
	r.add(Entry{Kind: "log", Err: err, Fields: fields})
}

// FatalError implements Reporter.
func (r *Recorder) FatalError(err error) {
	r.add(Entry{Kind: "fatal", Err: err})
}

// Assert implements Reporter.
func (r *Recorder) Assert(cond bool, err error) bool {
	if !cond {
		r.add(Entry{Kind: "assert", Err: err})
	}
	return cond
}

func (r *Recorder) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// Entries returns a copy of what was recorded.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Fatals returns only the fatal entries.
func (r *Recorder) Fatals() []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Kind == "fatal" {
			out = append(out, e)
		}
	}
	return out
}
