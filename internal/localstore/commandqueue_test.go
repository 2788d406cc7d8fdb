package localstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandQueueKeepsFIFOOrder(t *testing.T) {
	q := NewCommandQueue()
	q.AddBatch(batch("p", 1, 0, "insert"), false)
	q.AddBatch(batch("p", 2, 1, "insert"), false)

	require.False(t, q.ShouldReplacePrevious())
	got := q.GetUnwrittenCommands()
	require.Equal(t, []int64{1, 2}, revisions(got))
	require.Equal(t, 1, got[1].ChunkIndex)
	require.True(t, q.IsEmpty())
}

func TestCommandQueueReplaceDiscardsEarlierBatches(t *testing.T) {
	q := NewCommandQueue()
	q.AddBatch(batch("p", 1, 0, "insert"), false)
	q.AddBatch(batch("p", 2, 0, "insert"), true)

	require.True(t, q.ShouldReplacePrevious())
	require.Equal(t, []int64{2}, revisions(q.GetUnwrittenCommands()))
	require.False(t, q.ShouldReplacePrevious(), "draining resets the flag")
}

func TestCommandQueueReplaceFlagIsSticky(t *testing.T) {
	q := NewCommandQueue()
	q.AddBatch(batch("p", 1, 0, "insert"), true)
	q.AddBatch(batch("p", 2, 0, "insert"), false)
	require.True(t, q.ShouldReplacePrevious())
	require.Equal(t, 2, q.Len())
}

func TestMoveCommandsToPreservesOrderAndFlag(t *testing.T) {
	src := NewCommandQueue()
	src.AddBatch(batch("p", 3, 0, "a"), true)
	src.AddBatch(batch("p", 4, 0, "b"), false)

	dst := NewCommandQueue()
	dst.AddBatch(batch("p", 1, 0, "old"), false)
	src.MoveCommandsTo(dst)

	require.True(t, src.IsEmpty())
	require.False(t, src.ShouldReplacePrevious())
	require.True(t, dst.ShouldReplacePrevious())
	require.Equal(t, []int64{3, 4}, revisions(dst.GetUnwrittenCommands()))

	appendOnly := NewCommandQueue()
	appendOnly.AddBatch(batch("p", 5, 0, "c"), false)
	target := NewCommandQueue()
	target.AddBatch(batch("p", 1, 0, "d"), false)
	appendOnly.MoveCommandsTo(target)
	require.False(t, target.ShouldReplacePrevious())
	require.Equal(t, []int64{1, 5}, revisions(target.GetUnwrittenCommands()))

	self := NewCommandQueue()
	self.AddBatch(batch("p", 1, 0, "e"), false)
	self.MoveCommandsTo(self)
	require.Equal(t, 1, self.Len())
}

func TestCommandQueueRestore(t *testing.T) {
	q := NewCommandQueue()
	q.AddBatch(batch("p", 3, 0, "late"), false)
	q.Restore([]CommandBatch{batch("p", 1, 0, "a"), batch("p", 2, 0, "b")}, true)
	require.True(t, q.ShouldReplacePrevious())
	require.Equal(t, []int64{1, 2, 3}, revisions(q.GetUnwrittenCommands()))

	q.AddBatch(batch("p", 9, 0, "reset"), true)
	q.Restore([]CommandBatch{batch("p", 1, 0, "a")}, false)
	require.Equal(t, []int64{9}, revisions(q.GetUnwrittenCommands()))
}

func TestCommandQueueCopiesCommands(t *testing.T) {
	q := NewCommandQueue()
	b := batch("p", 1, 0, "insert")
	q.AddBatch(b, false)
	b.Commands[0].Type = "mutated"
	require.Equal(t, "insert", q.GetUnwrittenCommands()[0].Commands[0].Type)
}

func TestCommandQueueConcurrentEnqueueAndMove(t *testing.T) {
	q := NewCommandQueue()
	dst := NewCommandQueue()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.AddBatch(batch("p", int64(i*100+j), 0, "x"), false)
				if j%10 == 0 {
					q.MoveCommandsTo(dst)
				}
			}
		}(i)
	}
	wg.Wait()
	q.MoveCommandsTo(dst)
	require.Equal(t, 400, dst.Len())
}
