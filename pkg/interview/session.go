package interview

import (
	"sync"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

// Session is a live handle on one interview. Handles are passed explicitly;
// the controller keeps at most one open handle per user.
type Session struct {
	// turn serialises operations that change the session.
	turn sync.Mutex

	mu  sync.RWMutex
	rec memory.Session
	log *EventLog
}

func newSession(rec memory.Session, maxEvents int) *Session {
	return &Session{
		rec: rec,
		log: NewEventLog(rec.UserID, rec.SessionID, rec.NextSeq, maxEvents),
	}
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.UserID
}

func (s *Session) ID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.SessionID
}

func (s *Session) State() memory.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.State
}

// Snapshot returns a copy of the persisted bookkeeping.
func (s *Session) Snapshot() memory.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec
}

// Window returns the events currently held in memory.
func (s *Session) Window() []memory.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Window()
}

func (s *Session) setRecord(rec memory.Session) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
}
