package idb

import "github.com/choplin/officestore/internal/kv"

// Direction is the cursor iteration order.
type Direction int

const (
	Next Direction = iota
	Prev
)

func (d Direction) String() string {
	if d == Prev {
		return "prev"
	}
	return "next"
}

// CursorOptions tunes cursor iteration.
type CursorOptions struct {
	// AbandonTransactionOnResult aborts the owning transaction once the
	// first record was delivered, ending iteration.
	AbandonTransactionOnResult bool
}

type entry struct {
	key        kv.Key
	primaryKey kv.Key
	value      Value
}

// Cursor is the current position of a cursor request.
type Cursor struct {
	req *CursorRequest
	e   entry
}

// Key is the store key, or the index key for index cursors.
func (c *Cursor) Key() kv.Key { return c.e.key }

// PrimaryKey is the store key of the current record.
func (c *Cursor) PrimaryKey() kv.Key { return c.e.primaryKey }

// Value is the current record.
func (c *Cursor) Value() Value { return c.e.value }

// Continue advances to the next position and delivers it to the success
// handler.
func (c *Cursor) Continue() {
	r := c.req
	if r.finished {
		return
	}
	r.continued = true
	r.drive()
}

// CursorRequest delivers one success per cursor position and a nil cursor
// after the last one. Positions are read from the engine one at a time.
type CursorRequest struct {
	tx     *Transaction
	debug  string
	opts   CursorOptions
	it     kv.Iterator
	decode func(kv.Iterator) (entry, error)
	cur    *entry
	err    error

	onSuccess func(*Cursor)
	onError   func(error)

	continued bool
	driving   bool
	finished  bool
}

func openCursor(tx *Transaction, store, debug string, opts CursorOptions, scan func() (kv.Iterator, error), decode func(kv.Iterator) (entry, error)) *CursorRequest {
	r := &CursorRequest{tx: tx, debug: debug, opts: opts, decode: decode}
	tx.tracker.begin()
	if err := tx.status.Err(); err != nil {
		r.err = err
	} else if it, err := scan(); err != nil {
		r.err = err
		tx.abort(err)
	} else {
		r.it = it
		if err := r.advance(); err != nil {
			r.err = err
			tx.abort(err)
		}
	}
	tx.tracker.end(store, "openCursor", r.err)
	tx.log.Debugw("cursor opened", "request", debug, "empty", r.cur == nil, "error", r.err)
	return r
}

// advance moves to the next engine entry. cur is nil once the scan is
// exhausted, at which point the iterator is released.
func (r *CursorRequest) advance() error {
	if r.it == nil {
		r.cur = nil
		return nil
	}
	if !r.it.Next() {
		r.cur = nil
		err := r.it.Err()
		r.release()
		return err
	}
	e, err := r.decode(r.it)
	if err != nil {
		r.cur = nil
		r.release()
		return err
	}
	r.cur = &e
	return nil
}

func (r *CursorRequest) release() {
	if r.it != nil {
		_ = r.it.Close()
		r.it = nil
	}
}

// Debug returns the human-readable description of the request.
func (r *CursorRequest) Debug() string { return r.debug }

// Status returns the owning transaction's status.
func (r *CursorRequest) Status() *TransactionStatus { return r.tx.status }

// State returns Error when opening failed, otherwise Success.
func (r *CursorRequest) State() RequestState {
	if r.err != nil {
		return Error
	}
	return Success
}

// Err returns the request error, if any.
func (r *CursorRequest) Err() error { return r.err }

// OnSuccess sets the handler and starts delivering positions.
func (r *CursorRequest) OnSuccess(fn func(*Cursor)) *CursorRequest {
	r.onSuccess = fn
	r.drive()
	return r
}

// OnError sets the error handler.
func (r *CursorRequest) OnError(fn func(error)) *CursorRequest {
	r.onError = fn
	if r.err != nil && fn != nil {
		fn(r.err)
	}
	return r
}

func (r *CursorRequest) current() *Cursor {
	if r.cur == nil {
		return nil
	}
	return &Cursor{req: r, e: *r.cur}
}

func (r *CursorRequest) fail(err error) {
	r.err = err
	r.finished = true
	r.release()
	if r.onError != nil {
		r.onError(err)
	}
}

func (r *CursorRequest) drive() {
	if r.driving || r.onSuccess == nil || r.err != nil || r.finished {
		return
	}
	r.driving = true
	defer func() { r.driving = false }()

	for {
		if r.continued {
			r.continued = false
			if err := r.tx.status.Err(); err != nil {
				r.fail(err)
				return
			}
			if err := r.advance(); err != nil {
				r.tx.abort(err)
				r.fail(err)
				return
			}
		}

		cur := r.current()
		r.onSuccess(cur)
		if cur == nil {
			r.finished = true
			return
		}
		if r.opts.AbandonTransactionOnResult {
			r.finished = true
			r.release()
			r.tx.abort(ErrAbandoned)
			return
		}
		if !r.continued {
			return
		}
	}
}

// ForEach calls fn for each position until fn returns false or the cursor
// is exhausted.
func (r *CursorRequest) ForEach(fn func(*Cursor) bool) error {
	r.OnSuccess(func(c *Cursor) {
		if c != nil && fn(c) {
			c.Continue()
		}
	})
	return r.err
}

func collectEntries(it kv.Iterator, decode func(kv.Iterator) (entry, error), limit int) ([]entry, error) {
	defer it.Close()
	var out []entry
	for (limit == 0 || len(out) < limit) && it.Next() {
		e, err := decode(it)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, it.Err()
}

// Collect returns every remaining value.
func (r *CursorRequest) Collect() ([]Value, error) {
	var out []Value
	err := r.ForEach(func(c *Cursor) bool {
		out = append(out, c.Value())
		return true
	})
	return out, err
}
