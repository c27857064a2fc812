package biography

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/biographer/pkg/clock"
	"github.com/dotsetgreg/biographer/pkg/memory"
)

type countingSynth struct {
	mu    sync.Mutex
	inner Synthesizer
	calls int
	err   error
	gate  chan struct{}
	enter chan struct{}
}

func (s *countingSynth) Synthesize(ctx context.Context, userID string, snap []memory.MemoryItem) (memory.BiographyDoc, error) {
	s.mu.Lock()
	s.calls++
	err, gate, enter := s.err, s.gate, s.enter
	s.mu.Unlock()
	if enter != nil {
		enter <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return memory.BiographyDoc{}, err
	}
	return s.inner.Synthesize(ctx, userID, snap)
}

func (s *countingSynth) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestTrigger(t *testing.T, threshold int) (*Trigger, memory.Store, *countingSynth) {
	t.Helper()
	store := memory.NewInMemoryStore()
	synth := &countingSynth{inner: NewOutlineSynthesizer()}
	tr := NewTrigger(store, synth, threshold)
	tr.SetClock(clock.NewFake(t0))
	t.Cleanup(tr.Close)
	return tr, store, synth
}

func TestCheck_Threshold(t *testing.T) {
	ctx := context.Background()
	tr, store, synth := newTestTrigger(t, 3)
	snap := lifeSnapshot("u1")
	seedMemories(t, store, "u1", 1, snap[:2]...)

	wrote, err := tr.Check(ctx, "u1", false)
	require.NoError(t, err)
	assert.False(t, wrote)
	assert.Zero(t, synth.Calls())

	seedMemories(t, store, "u1", 1, snap[2])
	wrote, err = tr.Check(ctx, "u1", false)
	require.NoError(t, err)
	assert.True(t, wrote)

	doc, err := store.LatestBiography(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, 3, doc.MemoryCount)
	assert.Equal(t, t0, doc.CreatedAt)

	// nothing new: even a forced check leaves the version alone
	wrote, err = tr.Check(ctx, "u1", true)
	require.NoError(t, err)
	assert.False(t, wrote)

	seedMemories(t, store, "u1", 1, snap[3])
	wrote, err = tr.Check(ctx, "u1", true)
	require.NoError(t, err)
	assert.True(t, wrote)
	doc, err = store.LatestBiography(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
}

func TestCheck_FailureKeepsPreviousVersion(t *testing.T) {
	ctx := context.Background()
	tr, store, synth := newTestTrigger(t, 1)
	snap := lifeSnapshot("u1")
	seedMemories(t, store, "u1", 1, snap[0])
	_, err := tr.Check(ctx, "u1", false)
	require.NoError(t, err)

	synth.err = errors.New("model unavailable")
	seedMemories(t, store, "u1", 1, snap[1])
	_, err = tr.Check(ctx, "u1", false)
	require.Error(t, err)

	doc, err := store.LatestBiography(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)

	synth.err = nil
	wrote, err := tr.Check(ctx, "u1", false)
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestCheck_CorrectionsCountTowardThreshold(t *testing.T) {
	ctx := context.Background()
	tr, store, synth := newTestTrigger(t, 2)
	home := item("u1", "home/city", "Home", "Lives in Paris", 0)
	job := item("u1", "career/occupation", "Work", "Works as a baker", 1)
	seedMemories(t, store, "u1", 1, home, job)

	wrote, err := tr.Check(ctx, "u1", false)
	require.NoError(t, err)
	require.True(t, wrote)

	moved := item("u1", "home/city", "Home", "Lives in London", 10)
	moved.Supersedes = home.ID
	retired := item("u1", "career/occupation", "Work", "Retired in 2010", 11)
	retired.Supersedes = job.ID
	seedMemories(t, store, "u1", 1, moved, retired)

	wrote, err = tr.Check(ctx, "u1", false)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, 2, synth.Calls())

	doc, err := store.LatestBiography(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)
	assert.Equal(t, 2, doc.MemoryCount)
	assert.Equal(t, 4, doc.ItemCount)
	assert.Contains(t, doc.Markdown, "London")
	assert.NotContains(t, doc.Markdown, "Paris")
}

func TestSchedule_CoalescesWhileRunning(t *testing.T) {
	tr, store, synth := newTestTrigger(t, 1)
	snap := lifeSnapshot("u1")
	seedMemories(t, store, "u1", 1, snap[:2]...)

	synth.gate = make(chan struct{})
	synth.enter = make(chan struct{}, 4)
	tr.Schedule("u1", false)
	<-synth.enter

	seedMemories(t, store, "u1", 1, snap[2])
	tr.Schedule("u1", false)
	tr.Schedule("u1", true)
	tr.Schedule("u1", false)

	close(synth.gate)
	tr.Wait()

	assert.Equal(t, 2, synth.Calls())
	versions, err := store.ListBiographyVersions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 3, versions[len(versions)-1].MemoryCount)
}

func TestSchedule_AfterCloseIsIgnored(t *testing.T) {
	tr, store, synth := newTestTrigger(t, 1)
	seedMemories(t, store, "u1", 1, lifeSnapshot("u1")[0])
	tr.Close()
	tr.Schedule("u1", true)
	tr.Wait()
	assert.Zero(t, synth.Calls())
}

func TestRegenerate(t *testing.T) {
	ctx := context.Background()
	tr, store, _ := newTestTrigger(t, 100)
	_, err := tr.Regenerate(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoMemories)

	seedMemories(t, store, "u1", 1, lifeSnapshot("u1")[0])
	doc, err := tr.Regenerate(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, "u1", doc.UserID)
}
