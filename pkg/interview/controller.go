package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/biographer/pkg/clock"
	"github.com/dotsetgreg/biographer/pkg/config"
	"github.com/dotsetgreg/biographer/pkg/logger"
	"github.com/dotsetgreg/biographer/pkg/memory"
)

const (
	skipContent     = "Skip the question"
	likeContent     = "Like the question"
	maxTurnsGoodbye = "We have covered a lot today. Thank you for sharing your story; let's pick this up next time."
)

// Options are the engine limits.
type Options struct {
	MaxEventsLen           int
	SessionTimeout         time.Duration
	ConsolidationThreshold int
	MaxTurns               int
	DedupThreshold         float64
	OpeningNoteItems       int
	// BiographyStyle and BiographyPerspective tell the interviewer how the
	// biography will be written; they appear in the opening note.
	BiographyStyle       string
	BiographyPerspective string
}

func DefaultOptions() Options {
	return Options{
		MaxEventsLen:           30,
		SessionTimeout:         10 * time.Minute,
		ConsolidationThreshold: 10,
		DedupThreshold:         memory.DefaultDedupThreshold,
		OpeningNoteItems:       8,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.MaxEventsLen = cfg.Interview.MaxEventsLen
	opts.SessionTimeout = time.Duration(cfg.Interview.SessionTimeoutMinutes) * time.Minute
	opts.ConsolidationThreshold = cfg.Memory.ThresholdForUpdate
	opts.MaxTurns = cfg.Interview.MaxTurns
	opts.DedupThreshold = cfg.Memory.DedupThreshold
	opts.BiographyStyle = cfg.Biography.Style
	opts.BiographyPerspective = cfg.Biography.Perspective
	return opts
}

// BiographyTrigger is told after memory grows.
type BiographyTrigger interface {
	Schedule(userID string, force bool)
}

// Archiver stores the full event log of an ended session and returns a
// reference to it.
type Archiver interface {
	Archive(ctx context.Context, sess memory.Session, events []memory.Event) (string, error)
}

// StartOptions control StartSession.
type StartOptions struct {
	// Restart ends any open session and discards its events. Memory stays.
	Restart bool
}

// TurnResult is the interviewer's reply to one subject action.
type TurnResult struct {
	Event      memory.Event
	Ended      bool
	ArchiveRef string
}

// Controller owns session lifecycles and drives the consideration loop.
type Controller struct {
	store      memory.Store
	extractor  memory.Extractor
	considerer *Considerer
	policy     memory.Policy
	opts       Options
	clock      clock.Clock
	trigger    BiographyTrigger
	archiver   Archiver

	mu        sync.Mutex
	sessions  map[string]*Session
	userLocks map[string]*sync.Mutex
}

func NewController(store memory.Store, extractor memory.Extractor, considerer *Considerer, opts Options) *Controller {
	def := DefaultOptions()
	if opts.MaxEventsLen <= 0 {
		opts.MaxEventsLen = def.MaxEventsLen
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = def.SessionTimeout
	}
	if opts.ConsolidationThreshold <= 0 {
		opts.ConsolidationThreshold = def.ConsolidationThreshold
	}
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = def.DedupThreshold
	}
	if opts.OpeningNoteItems <= 0 {
		opts.OpeningNoteItems = def.OpeningNoteItems
	}
	if extractor == nil {
		extractor = memory.NewHeuristicExtractor()
	}
	return &Controller{
		store:      store,
		extractor:  extractor,
		considerer: considerer,
		policy:     memory.NewDefaultPolicy(),
		opts:       opts,
		clock:      clock.Real(),
		sessions:   map[string]*Session{},
		userLocks:  map[string]*sync.Mutex{},
	}
}

func (c *Controller) SetClock(clk clock.Clock) { c.clock = clk }

func (c *Controller) SetTrigger(t BiographyTrigger) { c.trigger = t }

func (c *Controller) SetArchiver(a Archiver) { c.archiver = a }

func (c *Controller) Options() Options { return c.opts }

func (c *Controller) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		c.userLocks[userID] = l
	}
	return l
}

// StartSession returns an ACTIVE session for userID: a resumed PAUSED one, or
// a new one. An ACTIVE session that is not idle is a conflict unless Restart
// is set.
func (c *Controller) StartSession(ctx context.Context, userID string, opts StartOptions) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("start session: empty user id")
	}
	ul := c.userLock(userID)
	ul.Lock()
	defer ul.Unlock()

	latest, err := c.store.LatestSession(ctx, userID)
	if errors.Is(err, memory.ErrNotFound) {
		return c.createSession(ctx, userID, 1)
	}
	if err != nil {
		return nil, persistenceErr("load latest session", err)
	}
	if latest.State == memory.StateEnded {
		return c.createSession(ctx, userID, latest.SessionID+1)
	}

	s, err := c.attach(ctx, latest)
	if err != nil {
		return nil, err
	}
	if !s.turn.TryLock() {
		// A turn in flight means the session is live; only a restart is
		// told to back off and retry.
		if !opts.Restart {
			if rec := s.Snapshot(); rec.State == memory.StateActive && !c.idle(rec) {
				return nil, ErrSessionConflict
			}
		}
		return nil, ErrSessionBusy
	}
	defer s.turn.Unlock()

	if opts.Restart {
		if err := c.discardLocked(ctx, s); err != nil {
			return nil, err
		}
		return c.createSession(ctx, userID, latest.SessionID+1)
	}

	rec := s.Snapshot()
	if rec.State == memory.StateActive && c.idle(rec) {
		if err := c.pauseLocked(ctx, s, "timeout"); err != nil {
			return nil, fmt.Errorf("%w: idle session could not be paused: %v", ErrSessionConflict, err)
		}
		rec = s.Snapshot()
	}

	switch rec.State {
	case memory.StateActive:
		return nil, ErrSessionConflict
	case memory.StatePaused, memory.StateNew:
		next := rec
		if err := transition(&next, memory.StateActive); err != nil {
			return nil, err
		}
		next.LastActiveAt = c.clock.Now()
		if err := c.store.UpdateSession(ctx, next); err != nil {
			return nil, persistenceErr("resume session", err)
		}
		s.setRecord(next)
		logger.InfoCF("interview", "Session resumed",
			map[string]interface{}{
				"user_id":    userID,
				"session_id": next.SessionID,
				"next_seq":   next.NextSeq,
			})
		return s, nil
	default:
		return nil, fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, rec.State)
	}
}

func (c *Controller) createSession(ctx context.Context, userID string, sessionID int64) (*Session, error) {
	now := c.clock.Now()
	rec := memory.Session{
		UserID:       userID,
		SessionID:    sessionID,
		State:        memory.StateNew,
		StartedAt:    now,
		LastActiveAt: now,
		NextSeq:      1,
	}
	if err := transition(&rec, memory.StateActive); err != nil {
		return nil, err
	}
	if err := c.store.CreateSession(ctx, rec); err != nil {
		return nil, persistenceErr("create session", err)
	}

	s := newSession(rec, c.opts.MaxEventsLen)
	c.mu.Lock()
	c.sessions[userID] = s
	c.mu.Unlock()

	s.turn.Lock()
	if err := c.appendOpeningNote(ctx, s); err != nil {
		logger.WarnCF("interview", "Opening note not written",
			map[string]interface{}{"user_id": userID, "session_id": sessionID, "error": err.Error()})
	}
	s.turn.Unlock()

	logger.InfoCF("interview", "Session started",
		map[string]interface{}{"user_id": userID, "session_id": sessionID})
	return s, nil
}

// appendOpeningNote pins a summary of what earlier sessions established:
// a portrait of the subject's core facts, then the most recent memories.
func (c *Controller) appendOpeningNote(ctx context.Context, s *Session) error {
	items, err := c.store.ListMemoryItems(ctx, s.UserID())
	if err != nil {
		return persistenceErr("load memory", err)
	}
	active := memory.Active(items)
	if len(active) == 0 {
		return nil
	}
	note := "Last meeting summary."
	if p := c.portrait(active); p != "" {
		note += "\n" + p
	}
	recent := active
	if len(recent) > c.opts.OpeningNoteItems {
		recent = recent[len(recent)-c.opts.OpeningNoteItems:]
	}
	facts := make([]string, 0, len(recent))
	for _, it := range recent {
		facts = append(facts, it.Text)
	}
	note += "\nKnown so far: " + strings.Join(facts, "; ")
	_, err = c.appendEvent(ctx, s, memory.RoleSystem, memory.KindNote, note, true, "")
	return err
}

var portraitSlots = []struct{ slot, label string }{
	{"identity/name", "Name"},
	{"birth/year", "Born"},
	{"birth/place", "Birthplace"},
	{"places/childhood", "Childhood"},
	{"career/occupation", "Occupation"},
	{"family/spouse", "Spouse"},
	{"places/home", "Home"},
}

// portrait lists the subject's slotted core facts and how their biography
// is being written.
func (c *Controller) portrait(active []memory.MemoryItem) string {
	bySlot := make(map[string]string, len(active))
	for _, it := range active {
		if it.Slot != "" {
			bySlot[it.Slot] = it.Text
		}
	}
	var lines []string
	for _, ps := range portraitSlots {
		if text, ok := bySlot[ps.slot]; ok {
			lines = append(lines, ps.label+": "+text)
		}
	}
	if style := strings.TrimSpace(c.opts.BiographyStyle); style != "" {
		line := "Biography: " + strings.ToLower(style)
		if p := strings.TrimSpace(c.opts.BiographyPerspective); p != "" {
			line += ", " + strings.ToLower(p) + " person"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Portrait:\n- " + strings.Join(lines, "\n- ")
}

// attach returns the registered handle for rec, loading its window from the
// store when the process has not seen it yet.
func (c *Controller) attach(ctx context.Context, rec memory.Session) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[rec.UserID]; ok && s.ID() == rec.SessionID {
		return s, nil
	}
	events, err := c.store.ListEvents(ctx, rec.UserID, rec.SessionID, 0)
	if err != nil {
		return nil, persistenceErr("load session events", err)
	}
	s := newSession(rec, c.opts.MaxEventsLen)
	s.log.Load(events)
	s.log.Evict(rec.ConsolidatedThrough)
	if s.rec.NextSeq < s.log.NextSeq() {
		s.rec.NextSeq = s.log.NextSeq()
	}
	c.sessions[rec.UserID] = s
	return s, nil
}

func (c *Controller) unregister(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sessions[s.UserID()]; ok && cur == s {
		delete(c.sessions, s.UserID())
	}
}

// Current returns the user's open session without changing its state.
func (c *Controller) Current(ctx context.Context, userID string) (*Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	c.mu.Unlock()
	if ok && s.State().Open() {
		return s, nil
	}
	rec, err := c.store.LatestSession(ctx, userID)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, persistenceErr("load latest session", err)
	}
	if !rec.State.Open() {
		return nil, ErrNoActiveSession
	}
	return c.attach(ctx, rec)
}

// Resume returns the user's ACTIVE session for a front end that has no
// explicit start step. fresh is true when the session was started or
// resumed by this call and should open with a greeting.
func (c *Controller) Resume(ctx context.Context, userID string) (s *Session, fresh bool, err error) {
	s, err = c.Current(ctx, userID)
	switch {
	case err == nil && s.State() == memory.StateActive && !c.idle(s.Snapshot()):
		return s, false, nil
	case err != nil && !errors.Is(err, ErrNoActiveSession):
		return nil, false, err
	}
	s, err = c.StartSession(ctx, userID, StartOptions{})
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (c *Controller) idle(rec memory.Session) bool {
	return c.clock.Now().Sub(rec.LastActiveAt) > c.opts.SessionTimeout
}

func checkActive(s *Session) error {
	switch s.State() {
	case memory.StateActive:
		return nil
	case memory.StatePaused:
		return ErrSessionPaused
	case memory.StateEnded:
		return ErrSessionEnded
	default:
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.State())
	}
}

// lazyTimeout pauses an idle session on access. A failed flush leaves the
// session ACTIVE and lets the caller carry on.
func (c *Controller) lazyTimeout(ctx context.Context, s *Session) error {
	rec := s.Snapshot()
	if rec.State != memory.StateActive || !c.idle(rec) {
		return nil
	}
	if err := c.pauseLocked(ctx, s, "timeout"); err != nil {
		logger.WarnCF("interview", "Idle session could not be paused",
			map[string]interface{}{"user_id": rec.UserID, "session_id": rec.SessionID, "error": err.Error()})
		return nil
	}
	return ErrSessionPaused
}

// SubmitTurn records the subject's answer and returns the interviewer's next
// event. At most one call per session runs at a time.
func (c *Controller) SubmitTurn(ctx context.Context, s *Session, text string) (TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnResult{}, fmt.Errorf("submit turn: empty answer")
	}
	if !s.turn.TryLock() {
		return TurnResult{}, ErrSessionBusy
	}
	defer s.turn.Unlock()

	if err := checkActive(s); err != nil {
		return TurnResult{}, err
	}
	if err := c.lazyTimeout(ctx, s); err != nil {
		return TurnResult{}, err
	}

	started := time.Now()
	turnID := uuid.NewString()
	if _, err := c.appendEvent(ctx, s, memory.RoleSubject, memory.KindMessage, text, false, turnID); err != nil {
		return TurnResult{}, err
	}
	if err := c.maybeConsolidate(ctx, s); err != nil {
		return TurnResult{}, err
	}

	if c.opts.MaxTurns > 0 && s.Snapshot().TurnCount >= c.opts.MaxTurns {
		return c.closeLocked(ctx, s, turnID, maxTurnsGoodbye)
	}

	res, err := c.respondLocked(ctx, s, turnID)
	if err == nil {
		c.recordMetric(ctx, "interview.turn_ms", float64(time.Since(started).Milliseconds()), s)
	}
	return res, err
}

// Greet asks the opening question of a new or resumed session.
func (c *Controller) Greet(ctx context.Context, s *Session) (TurnResult, error) {
	if !s.turn.TryLock() {
		return TurnResult{}, ErrSessionBusy
	}
	defer s.turn.Unlock()
	if err := checkActive(s); err != nil {
		return TurnResult{}, err
	}
	return c.respondLocked(ctx, s, uuid.NewString())
}

// SkipQuestion records that the subject passed and asks something else.
func (c *Controller) SkipQuestion(ctx context.Context, s *Session) (TurnResult, error) {
	if !s.turn.TryLock() {
		return TurnResult{}, ErrSessionBusy
	}
	defer s.turn.Unlock()
	if err := checkActive(s); err != nil {
		return TurnResult{}, err
	}
	if err := c.lazyTimeout(ctx, s); err != nil {
		return TurnResult{}, err
	}
	turnID := uuid.NewString()
	if _, err := c.appendEvent(ctx, s, memory.RoleSubject, memory.KindSkip, skipContent, false, turnID); err != nil {
		return TurnResult{}, err
	}
	return c.respondLocked(ctx, s, turnID)
}

// LikeQuestion records positive feedback on the last question.
func (c *Controller) LikeQuestion(ctx context.Context, s *Session) (TurnResult, error) {
	if !s.turn.TryLock() {
		return TurnResult{}, ErrSessionBusy
	}
	defer s.turn.Unlock()
	if err := checkActive(s); err != nil {
		return TurnResult{}, err
	}
	ev, err := c.appendEvent(ctx, s, memory.RoleSubject, memory.KindLike, likeContent, false, uuid.NewString())
	if err != nil {
		return TurnResult{}, err
	}
	return TurnResult{Event: ev}, nil
}

func (c *Controller) respondLocked(ctx context.Context, s *Session, turnID string) (TurnResult, error) {
	turn, err := c.buildTurn(ctx, s)
	if err != nil {
		return TurnResult{}, err
	}
	dec, err := c.considerer.Consider(ctx, turn)
	if err != nil {
		return TurnResult{}, err
	}
	for _, note := range dec.Recalls {
		if _, err := c.appendEvent(ctx, s, memory.RoleSystem, memory.KindRecall, note, false, turnID); err != nil {
			return TurnResult{}, err
		}
	}
	if dec.End {
		return c.closeLocked(ctx, s, turnID, dec.Text)
	}

	ev, err := c.appendEvent(ctx, s, memory.RoleInterviewer, memory.KindMessage, dec.Text, false, turnID)
	if err != nil {
		return TurnResult{}, err
	}
	q := memory.Question{
		ID:        uuid.NewString(),
		UserID:    ev.UserID,
		SessionID: ev.SessionID,
		Text:      dec.Text,
		CreatedAt: ev.CreatedAt,
	}
	if err := c.store.AddQuestion(ctx, q); err != nil {
		return TurnResult{Event: ev}, persistenceErr("record question", err)
	}
	c.recordMetric(ctx, "interview.consideration_iterations", float64(dec.Iterations), s)
	if dec.Fallback {
		c.recordMetric(ctx, "interview.consideration_fallback", 1, s)
	}
	return TurnResult{Event: ev}, nil
}

func (c *Controller) buildTurn(ctx context.Context, s *Session) (Turn, error) {
	userID := s.UserID()
	items, err := c.store.ListMemoryItems(ctx, userID)
	if err != nil {
		return Turn{}, persistenceErr("load memory", err)
	}
	qs, err := c.store.ListQuestions(ctx, userID, 200)
	if err != nil {
		return Turn{}, persistenceErr("load questions", err)
	}
	asked := make([]string, 0, len(qs))
	for i := len(qs) - 1; i >= 0; i-- {
		asked = append(asked, qs[i].Text)
	}
	return Turn{
		UserID:   userID,
		Window:   s.Window(),
		Memories: memory.Active(items),
		Asked:    asked,
		Consolidate: func(ctx context.Context) error {
			_, err := c.consolidateLocked(ctx, s, "requested")
			return err
		},
	}, nil
}

func (c *Controller) closeLocked(ctx context.Context, s *Session, turnID, message string) (TurnResult, error) {
	ev, err := c.appendEvent(ctx, s, memory.RoleInterviewer, memory.KindMessage, message, false, turnID)
	if err != nil {
		return TurnResult{}, err
	}
	ref, err := c.endLocked(ctx, s)
	if err != nil {
		return TurnResult{Event: ev}, err
	}
	return TurnResult{Event: ev, Ended: true, ArchiveRef: ref}, nil
}

// EndSession flushes memory, archives the log and closes the session. It
// returns the archive reference, empty when no archiver is configured.
func (c *Controller) EndSession(ctx context.Context, s *Session) (string, error) {
	if !s.turn.TryLock() {
		return "", ErrSessionBusy
	}
	defer s.turn.Unlock()
	return c.endLocked(ctx, s)
}

func (c *Controller) endLocked(ctx context.Context, s *Session) (string, error) {
	rec := s.Snapshot()
	if rec.State == memory.StateEnded {
		return rec.ArchiveRef, ErrSessionEnded
	}
	if !CanTransition(rec.State, memory.StateEnded) {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, memory.StateEnded)
	}
	if _, err := c.consolidateLocked(ctx, s, "end"); err != nil {
		return "", fmt.Errorf("end session: flush: %w", err)
	}

	ref := ""
	if c.archiver != nil {
		events, err := c.store.ListEvents(ctx, rec.UserID, rec.SessionID, 0)
		if err != nil {
			return "", persistenceErr("load events for archive", err)
		}
		ref, err = c.archiver.Archive(ctx, s.Snapshot(), events)
		if err != nil {
			logger.WarnCF("interview", "Session archive failed; events stay in the store",
				map[string]interface{}{"user_id": rec.UserID, "session_id": rec.SessionID, "error": err.Error()})
			ref = ""
		}
	}

	next := s.Snapshot()
	if err := transition(&next, memory.StateEnded); err != nil {
		return "", err
	}
	next.EndedAt = c.clock.Now()
	next.ArchiveRef = ref
	if err := c.store.UpdateSession(ctx, next); err != nil {
		return "", persistenceErr("end session", err)
	}
	s.setRecord(next)
	c.unregister(s)

	logger.InfoCF("interview", "Session ended",
		map[string]interface{}{
			"user_id":     next.UserID,
			"session_id":  next.SessionID,
			"turns":       next.TurnCount,
			"archive_ref": ref,
		})
	if c.trigger != nil {
		c.trigger.Schedule(next.UserID, true)
	}
	return ref, nil
}

// discardLocked ends s for a restart and deletes its events. The flush is
// best effort; memory items are never touched.
func (c *Controller) discardLocked(ctx context.Context, s *Session) error {
	rec := s.Snapshot()
	if _, err := c.consolidateLocked(ctx, s, "restart"); err != nil {
		logger.WarnCF("interview", "Restart flush failed; unconsolidated answers are dropped",
			map[string]interface{}{"user_id": rec.UserID, "session_id": rec.SessionID, "error": err.Error()})
	}
	next := s.Snapshot()
	if err := transition(&next, memory.StateEnded); err != nil {
		return err
	}
	next.EndedAt = c.clock.Now()
	if err := c.store.UpdateSession(ctx, next); err != nil {
		return persistenceErr("end session for restart", err)
	}
	s.setRecord(next)
	c.unregister(s)
	if err := c.store.DeleteSessionEvents(ctx, next.UserID, next.SessionID); err != nil {
		return persistenceErr("discard session events", err)
	}
	logger.InfoCF("interview", "Session discarded for restart",
		map[string]interface{}{"user_id": next.UserID, "session_id": next.SessionID})
	return nil
}

// TickTimeout pauses every ACTIVE session idle longer than the timeout.
// Sessions with a turn in flight are left alone. It returns the handles it
// paused; flush failures are joined into the error and those sessions stay
// ACTIVE for the next tick.
func (c *Controller) TickTimeout(ctx context.Context) ([]*Session, error) {
	recs, err := c.store.ListSessionsByState(ctx, memory.StateActive)
	if err != nil {
		return nil, persistenceErr("list active sessions", err)
	}
	var paused []*Session
	var errs []error
	for _, rec := range recs {
		if !c.idle(rec) {
			continue
		}
		s, err := c.attach(ctx, rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !s.turn.TryLock() {
			continue
		}
		cur := s.Snapshot()
		if cur.State == memory.StateActive && c.idle(cur) {
			if err := c.pauseLocked(ctx, s, "timeout"); err != nil {
				errs = append(errs, fmt.Errorf("pause %s/%d: %w", cur.UserID, cur.SessionID, err))
			} else {
				paused = append(paused, s)
			}
		}
		s.turn.Unlock()
	}
	return paused, errors.Join(errs...)
}

// pauseLocked flushes pending memory and moves s to PAUSED. A failed flush
// aborts the pause.
func (c *Controller) pauseLocked(ctx context.Context, s *Session, reason string) error {
	if !CanTransition(s.State(), memory.StatePaused) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State(), memory.StatePaused)
	}
	if _, err := c.consolidateLocked(ctx, s, reason); err != nil {
		return fmt.Errorf("pause session: flush: %w", err)
	}
	next := s.Snapshot()
	if err := transition(&next, memory.StatePaused); err != nil {
		return err
	}
	if err := c.store.UpdateSession(ctx, next); err != nil {
		return persistenceErr("pause session", err)
	}
	s.setRecord(next)
	logger.InfoCF("interview", "Session paused",
		map[string]interface{}{
			"user_id":              next.UserID,
			"session_id":           next.SessionID,
			"reason":               reason,
			"consolidated_through": next.ConsolidatedThrough,
		})
	return nil
}

// appendEvent persists one event with the bookkeeping it implies and only
// then commits both to the handle. Callers hold s.turn.
func (c *Controller) appendEvent(ctx context.Context, s *Session, role memory.Role, kind memory.Kind, content string, pinned bool, turnID string) (memory.Event, error) {
	now := c.clock.Now()
	s.mu.RLock()
	rec := s.rec
	ev := s.log.Next(role, kind, content, pinned, turnID, now)
	s.mu.RUnlock()

	next := rec
	next.NextSeq = ev.Seq + 1
	next.LastActiveAt = now
	if ev.CountsTowardConsolidation() {
		next.PendingCount++
		next.TurnCount++
	}
	if err := c.store.AppendEvent(ctx, ev, next); err != nil {
		return memory.Event{}, persistenceErr("append event", err)
	}

	s.mu.Lock()
	s.rec = next
	err := s.log.Commit(ev)
	s.mu.Unlock()
	if err != nil {
		return memory.Event{}, err
	}
	c.fitWindow(ctx, s)
	return ev, nil
}

func (c *Controller) recordMetric(ctx context.Context, name string, value float64, s *Session) {
	labels := map[string]string{
		"user_id":    s.UserID(),
		"session_id": fmt.Sprintf("%d", s.ID()),
	}
	if err := c.store.AddMetric(ctx, name, value, labels); err != nil {
		logger.DebugCF("interview", "Metric not recorded",
			map[string]interface{}{"metric": name, "error": err.Error()})
	}
}
