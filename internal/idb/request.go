package idb

import "sync"

// RequestState is the lifecycle of a request.
type RequestState int

const (
	Pending RequestState = iota
	Success
	Error
)

func (s RequestState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Success:
		return "success"
	default:
		return "error"
	}
}

// Request is the handle returned by every store operation. Handlers may be
// attached at any time; a handler attached after the request settled runs
// immediately.
type Request[T any] struct {
	mu        sync.Mutex
	debug     string
	status    *TransactionStatus
	state     RequestState
	result    T
	err       error
	onSuccess func(T)
	onError   func(error)
}

func newRequest[T any](debug string, status *TransactionStatus) *Request[T] {
	return &Request[T]{debug: debug, status: status}
}

// Debug returns the human-readable description of the request.
func (r *Request[T]) Debug() string { return r.debug }

// Status returns the owning transaction's status.
func (r *Request[T]) Status() *TransactionStatus { return r.status }

// State returns the current request state.
func (r *Request[T]) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the settled result and error.
func (r *Request[T]) Result() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Err returns the request error, if any.
func (r *Request[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// OnSuccess sets the success handler.
func (r *Request[T]) OnSuccess(fn func(T)) *Request[T] {
	r.mu.Lock()
	r.onSuccess = fn
	state, result := r.state, r.result
	r.mu.Unlock()

	if state == Success && fn != nil {
		fn(result)
	}
	return r
}

// OnError sets the error handler.
func (r *Request[T]) OnError(fn func(error)) *Request[T] {
	r.mu.Lock()
	r.onError = fn
	state, err := r.state, r.err
	r.mu.Unlock()

	if state == Error && fn != nil {
		fn(err)
	}
	return r
}

func (r *Request[T]) settle(result T, err error) {
	r.mu.Lock()
	if r.state != Pending {
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.state, r.err = Error, err
	} else {
		r.state, r.result = Success, result
	}
	onSuccess, onError := r.onSuccess, r.onError
	r.mu.Unlock()

	if err != nil && onError != nil {
		onError(err)
	}
	if err == nil && onSuccess != nil {
		onSuccess(result)
	}
}

// run executes op inside tx and settles a request with its outcome. A
// failing request aborts the transaction.
func run[T any](tx *Transaction, store, op, debug string, fn func() (T, error)) *Request[T] {
	req := newRequest[T](debug, tx.status)
	tx.tracker.begin()

	var (
		result T
		err    error
	)
	if statusErr := tx.status.Err(); statusErr != nil {
		err = statusErr
	} else {
		result, err = fn()
		if err != nil {
			tx.abort(err)
		}
	}

	tx.tracker.end(store, op, err)
	if err != nil {
		tx.log.Debugw("request failed", "request", debug, "error", err)
	} else {
		tx.log.Debugw("request succeeded", "request", debug)
	}
	req.settle(result, err)
	return req
}
