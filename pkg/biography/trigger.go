package biography

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dotsetgreg/biographer/pkg/clock"
	"github.com/dotsetgreg/biographer/pkg/logger"
	"github.com/dotsetgreg/biographer/pkg/memory"
)

// ErrNoMemories is returned when there is nothing to write about yet.
var ErrNoMemories = errors.New("biography: no memories to synthesize")

// DefaultRegenerationThreshold is how many new memory items justify a new
// version.
const DefaultRegenerationThreshold = 10

type userRun struct {
	rerun bool
	force bool
}

// Trigger decides when a user's biography is stale and regenerates it on a
// background worker. At most one regeneration runs per user; requests that
// arrive meanwhile collapse into a single rerun.
type Trigger struct {
	store     memory.Store
	synth     Synthesizer
	threshold int
	clock     clock.Clock

	mu      sync.Mutex
	running map[string]*userRun
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func NewTrigger(store memory.Store, synth Synthesizer, threshold int) *Trigger {
	if threshold <= 0 {
		threshold = DefaultRegenerationThreshold
	}
	if synth == nil {
		synth = NewOutlineSynthesizer()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		store:     store,
		synth:     synth,
		threshold: threshold,
		clock:     clock.Real(),
		running:   map[string]*userRun{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (t *Trigger) SetClock(c clock.Clock) {
	if c != nil {
		t.clock = c
	}
}

// Schedule checks the user's biography without blocking the caller.
func (t *Trigger) Schedule(userID string, force bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if run, ok := t.running[userID]; ok {
		run.rerun = true
		run.force = run.force || force
		return
	}
	t.running[userID] = &userRun{}
	t.wg.Add(1)
	go t.worker(userID, force)
}

func (t *Trigger) worker(userID string, force bool) {
	defer t.wg.Done()
	for {
		if _, err := t.Check(t.ctx, userID, force); err != nil {
			logger.WarnCF("biography", "Regeneration failed; previous version stays current",
				map[string]interface{}{"user_id": userID, "error": err.Error()})
		}

		t.mu.Lock()
		run := t.running[userID]
		if run == nil || !run.rerun || t.closed {
			delete(t.running, userID)
			t.mu.Unlock()
			return
		}
		force = run.force
		run.rerun, run.force = false, false
		t.mu.Unlock()
	}
}

// Wait blocks until no regeneration is running.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Close stops accepting work, cancels running syntheses and waits for them.
func (t *Trigger) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.cancel()
		t.wg.Wait()
	})
}

// Check regenerates when the stored item count moved by at least the
// threshold since the latest version, or by anything at all when force is
// set. Superseding items count even though they leave the active set the
// same size. It reports whether a new version was written.
func (t *Trigger) Check(ctx context.Context, userID string, force bool) (bool, error) {
	snap, err := t.snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	known := 0
	latest, err := t.store.LatestBiography(ctx, userID)
	switch {
	case err == nil:
		known = latest.ItemCount
		if known == 0 {
			// Versions written before item counts were recorded.
			known = latest.MemoryCount
		}
	case !errors.Is(err, memory.ErrNotFound):
		return false, fmt.Errorf("load latest biography: %w", err)
	}

	delta := snap.total - known
	if delta < t.threshold && !(force && delta > 0) {
		logger.DebugCF("biography", "Biography up to date",
			map[string]interface{}{"user_id": userID, "delta": delta, "force": force})
		return false, nil
	}
	if _, err := t.write(ctx, userID, snap); err != nil {
		return false, err
	}
	return true, nil
}

// Regenerate writes a new version from the current snapshot regardless of
// thresholds.
func (t *Trigger) Regenerate(ctx context.Context, userID string) (memory.BiographyDoc, error) {
	snap, err := t.snapshot(ctx, userID)
	if err != nil {
		return memory.BiographyDoc{}, err
	}
	if len(snap.active) == 0 {
		return memory.BiographyDoc{}, ErrNoMemories
	}
	return t.write(ctx, userID, snap)
}

type memorySnapshot struct {
	active []memory.MemoryItem
	total  int
}

func (t *Trigger) snapshot(ctx context.Context, userID string) (memorySnapshot, error) {
	items, err := t.store.ListMemoryItems(ctx, userID)
	if err != nil {
		return memorySnapshot{}, fmt.Errorf("load memory snapshot: %w", err)
	}
	return memorySnapshot{active: memory.Active(items), total: len(items)}, nil
}

func (t *Trigger) write(ctx context.Context, userID string, snap memorySnapshot) (memory.BiographyDoc, error) {
	start := t.clock.Now()
	doc, err := t.synth.Synthesize(ctx, userID, snap.active)
	if err != nil {
		return memory.BiographyDoc{}, err
	}
	doc.ItemCount = snap.total
	doc.CreatedAt = t.clock.Now().UTC()
	stored, err := t.store.PutBiography(ctx, doc)
	if err != nil {
		return memory.BiographyDoc{}, fmt.Errorf("store biography: %w", err)
	}
	logger.InfoCF("biography", "Biography regenerated",
		map[string]interface{}{
			"user_id":      userID,
			"version":      stored.Version,
			"memory_count": stored.MemoryCount,
			"sections":     len(stored.Sections),
		})
	labels := map[string]string{"user_id": userID}
	if err := t.store.AddMetric(ctx, "biography.regenerated", 1, labels); err != nil {
		logger.DebugCF("biography", "Metric not recorded", map[string]interface{}{"error": err.Error()})
	}
	ms := float64(t.clock.Now().Sub(start).Milliseconds())
	_ = t.store.AddMetric(ctx, "biography.synthesis_ms", ms, labels)
	return stored, nil
}
