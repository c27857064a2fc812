package interview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

func fillLog(t *testing.T, l *EventLog, n int, pinnedSeq map[int64]bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		seq := l.NextSeq()
		ev := l.Next(memory.RoleSubject, memory.KindMessage, "answer", pinnedSeq[seq], "", t0)
		require.NoError(t, l.Commit(ev))
	}
}

func TestEventLog_CommitRequiresNextSeq(t *testing.T) {
	l := NewEventLog("u1", 1, 0, 10)
	ev := l.Next(memory.RoleSubject, memory.KindMessage, "hi", false, "", t0)
	assert.EqualValues(t, 1, ev.Seq)
	assert.Equal(t, 0, l.Len(), "Next must not change the window")

	stale := ev
	require.NoError(t, l.Commit(ev))
	assert.Error(t, l.Commit(stale))
	assert.EqualValues(t, 2, l.NextSeq())
}

func TestEventLog_EvictStopsAtUnconsolidated(t *testing.T) {
	l := NewEventLog("u1", 1, 1, 4)
	fillLog(t, l, 7, nil)
	require.True(t, l.Overflow())

	// only seqs 1 and 2 are reflected in memory
	evicted := l.Evict(2)
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 5, l.Len())
	assert.True(t, l.Overflow())
	assert.Equal(t, 5, l.Unconsolidated(2))

	evicted = l.Evict(7)
	assert.Equal(t, 1, evicted)
	window := l.Window()
	require.Len(t, window, 4)
	assert.EqualValues(t, 4, window[0].Seq)
}

func TestEventLog_EvictKeepsPinned(t *testing.T) {
	l := NewEventLog("u1", 1, 1, 3)
	fillLog(t, l, 5, map[int64]bool{1: true})
	evicted := l.Evict(5)
	assert.Equal(t, 2, evicted)
	window := l.Window()
	require.Len(t, window, 3)
	assert.EqualValues(t, 1, window[0].Seq)
	assert.True(t, window[0].Pinned)
	assert.EqualValues(t, 4, window[1].Seq)
}

func TestEventLog_LoadAdvancesNextSeq(t *testing.T) {
	l := NewEventLog("u1", 1, 1, 10)
	l.Load([]memory.Event{{Seq: 3}, {Seq: 4}})
	assert.EqualValues(t, 5, l.NextSeq())
	assert.Equal(t, 2, l.Len())

	window := l.Window()
	window[0].Content = "mutated"
	assert.Empty(t, l.Window()[0].Content)
}
