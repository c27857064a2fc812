package interview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/biographer/pkg/clock"
	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// scriptedGenerator replays replies in order, then keeps asking numbered
// questions.
type scriptedGenerator struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string, _ providers.Constraints) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls
	g.calls++
	g.prompts = append(g.prompts, prompt)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.replies) {
		return g.replies[i], nil
	}
	return fmt.Sprintf(`{"action":"ask","question":"Follow-up question %d?"}`, i), nil
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// flakyExtractor fails while failures > 0, then delegates.
type flakyExtractor struct {
	mu       sync.Mutex
	inner    memory.Extractor
	failures int
	calls    int
	err      error
}

func newFlakyExtractor(failures int) *flakyExtractor {
	return &flakyExtractor{inner: memory.NewHeuristicExtractor(), failures: failures}
}

func (x *flakyExtractor) Extract(ctx context.Context, batch []memory.Event, prior []memory.MemoryItem) ([]memory.Candidate, error) {
	x.mu.Lock()
	x.calls++
	fail := x.failures > 0
	if fail {
		x.failures--
	}
	err := x.err
	x.mu.Unlock()
	if fail {
		if err != nil {
			return nil, err
		}
		return nil, &providers.ProviderError{Provider: "test", Kind: providers.ErrorTransient, StatusCode: 503, Message: "overloaded"}
	}
	return x.inner.Extract(ctx, batch, prior)
}

func (x *flakyExtractor) Calls() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls
}

func (x *flakyExtractor) SetFailures(n int) {
	x.mu.Lock()
	x.failures = n
	x.mu.Unlock()
}

// FailWith sets the error returned for the next n calls.
func (x *flakyExtractor) FailWith(n int, err error) {
	x.mu.Lock()
	x.failures = n
	x.err = err
	x.mu.Unlock()
}

var errDiskFull = errors.New("disk full")

// failingStore wraps the in-memory store with switchable write failures.
type failingStore struct {
	*memory.InMemoryStore
	mu         sync.Mutex
	failAppend bool
	failCommit bool
}

func (s *failingStore) set(appendFails, commitFails bool) {
	s.mu.Lock()
	s.failAppend, s.failCommit = appendFails, commitFails
	s.mu.Unlock()
}

func (s *failingStore) AppendEvent(ctx context.Context, ev memory.Event, sess memory.Session) error {
	s.mu.Lock()
	fail := s.failAppend
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.InMemoryStore.AppendEvent(ctx, ev, sess)
}

func (s *failingStore) CommitConsolidation(ctx context.Context, sess memory.Session, items []memory.MemoryItem) (int, error) {
	s.mu.Lock()
	fail := s.failCommit
	s.mu.Unlock()
	if fail {
		return 0, errDiskFull
	}
	return s.InMemoryStore.CommitConsolidation(ctx, sess, items)
}

type triggerRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *triggerRecorder) Schedule(userID string, force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s:%t", userID, force))
}

func (r *triggerRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type archiveRecorder struct {
	events []memory.Event
}

func (a *archiveRecorder) Archive(_ context.Context, sess memory.Session, events []memory.Event) (string, error) {
	a.events = events
	return fmt.Sprintf("archive/%s/%d", sess.UserID, sess.SessionID), nil
}

type harness struct {
	ctrl      *Controller
	store     *failingStore
	gen       *scriptedGenerator
	extractor *flakyExtractor
	clock     *clock.Fake
	trigger   *triggerRecorder
}

func newHarness(t *testing.T, opts Options, replies ...string) *harness {
	t.Helper()
	h := &harness{
		store:     &failingStore{InMemoryStore: memory.NewInMemoryStore()},
		gen:       &scriptedGenerator{replies: replies},
		extractor: newFlakyExtractor(0),
		clock:     clock.NewFake(t0),
		trigger:   &triggerRecorder{},
	}
	considerer := NewConsiderer(h.gen, 3, 0)
	h.ctrl = NewController(h.store, h.extractor, considerer, opts)
	h.ctrl.SetClock(h.clock)
	h.ctrl.SetTrigger(h.trigger)
	return h
}

func (h *harness) sessionRecord(t *testing.T, s *Session) memory.Session {
	t.Helper()
	rec, err := h.store.GetSession(context.Background(), s.UserID(), s.ID())
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return rec
}
