package localstore

import (
	"sync"
	"time"

	"github.com/choplin/officestore/internal/command"
)

// CommandBatch is a group of commands persisted under one
// (partId, revision, chunkIndex) key.
type CommandBatch struct {
	PartID     string
	Revision   int64
	ChunkIndex int
	UserName   string
	Timestamp  time.Time
	Commands   []command.Command
}

func (b CommandBatch) clone() CommandBatch {
	b.Commands = append([]command.Command(nil), b.Commands...)
	return b
}

// CommandQueue buffers batches not yet written to storage. It is safe for
// concurrent use.
type CommandQueue struct {
	mu      sync.Mutex
	batches []CommandBatch
	replace bool
}

// NewCommandQueue returns an empty queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{}
}

// AddBatch appends b. With replace set, every previously queued batch is
// discarded and the next write replaces the stored commands.
func (q *CommandQueue) AddBatch(b CommandBatch, replace bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if replace {
		q.batches = nil
		q.replace = true
	}
	q.batches = append(q.batches, b.clone())
}

// MoveCommandsTo transfers every batch and the replace flag to dst,
// leaving q empty.
func (q *CommandQueue) MoveCommandsTo(dst *CommandQueue) {
	if dst == q {
		return
	}
	q.mu.Lock()
	batches, replace := q.batches, q.replace
	q.batches, q.replace = nil, false
	q.mu.Unlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if replace {
		dst.batches = nil
		dst.replace = true
	}
	dst.batches = append(dst.batches, batches...)
}

// GetUnwrittenCommands drains the queue and returns its batches in order.
func (q *CommandQueue) GetUnwrittenCommands() []CommandBatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.batches
	q.batches, q.replace = nil, false
	return out
}

// Restore puts batches handed out by a failed write back at the head of
// the queue. They are dropped when a replacing batch arrived since.
func (q *CommandQueue) Restore(batches []CommandBatch, replace bool) {
	if len(batches) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.replace {
		return
	}
	q.batches = append(append([]CommandBatch(nil), batches...), q.batches...)
	q.replace = replace
}

// IsEmpty reports whether no batch is waiting to be written.
func (q *CommandQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches) == 0
}

// Len returns the number of queued batches.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

// ShouldReplacePrevious reports whether the next write replaces stored
// commands instead of appending.
func (q *CommandQueue) ShouldReplacePrevious() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.replace
}
