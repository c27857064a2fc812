package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type sessionKey struct {
	userID    string
	sessionID int64
}

// InMemoryStore keeps everything in process. It backs ephemeral runs and
// tests and honours the same contracts as SQLiteStore.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[sessionKey]Session
	events      map[sessionKey][]Event
	items       map[string][]MemoryItem
	keys        map[string]map[string]struct{}
	questions   map[string][]Question
	biographies map[string][]BiographyDoc
	metrics     []Metric
}

// Metric is one recorded measurement.
type Metric struct {
	Name   string
	Value  float64
	Labels map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    map[sessionKey]Session{},
		events:      map[sessionKey][]Event{},
		items:       map[string][]MemoryItem{},
		keys:        map[string]map[string]struct{}{},
		questions:   map[string][]Question{},
		biographies: map[string][]BiographyDoc{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{sess.UserID, sess.SessionID}
	if _, ok := s.sessions[k]; ok {
		return fmt.Errorf("create session %s/%d: already exists", sess.UserID, sess.SessionID)
	}
	s.sessions[k] = sess
	return nil
}

func (s *InMemoryStore) UpdateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSessionLocked(sess)
}

func (s *InMemoryStore) updateSessionLocked(sess Session) error {
	k := sessionKey{sess.UserID, sess.SessionID}
	if _, ok := s.sessions[k]; !ok {
		return fmt.Errorf("update session %s/%d: %w", sess.UserID, sess.SessionID, ErrNotFound)
	}
	s.sessions[k] = sess
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, userID string, sessionID int64) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey{userID, sessionID}]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *InMemoryStore) LatestSession(_ context.Context, userID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best Session
	found := false
	for k, sess := range s.sessions {
		if k.userID == userID && (!found || sess.SessionID > best.SessionID) {
			best, found = sess, true
		}
	}
	if !found {
		return Session{}, ErrNotFound
	}
	return best, nil
}

func (s *InMemoryStore) ListSessionsByState(_ context.Context, state SessionState) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.State == state {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.Before(out[j].LastActiveAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, ev Event, sess Session) error {
	if ev.UserID == "" {
		return fmt.Errorf("append event: empty user_id")
	}
	if !ev.Role.Valid() {
		return fmt.Errorf("append event: invalid role %q", ev.Role)
	}
	if ev.Kind == "" {
		ev.Kind = KindMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey{ev.UserID, ev.SessionID}
	for _, existing := range s.events[k] {
		if existing.Seq == ev.Seq {
			return fmt.Errorf("append event seq %d: %w", ev.Seq, ErrSeqConflict)
		}
	}
	if err := s.updateSessionLocked(sess); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	s.events[k] = append(s.events[k], ev)
	sort.SliceStable(s.events[k], func(i, j int) bool { return s.events[k][i].Seq < s.events[k][j].Seq })
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, userID string, sessionID int64, afterSeq int64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events[sessionKey{userID, sessionID}] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecentEvents(_ context.Context, userID string, sessionID int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.events[sessionKey{userID, sessionID}]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]Event(nil), all...), nil
}

func (s *InMemoryStore) DeleteSessionEvents(_ context.Context, userID string, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, sessionKey{userID, sessionID})
	return nil
}

func (s *InMemoryStore) CommitConsolidation(_ context.Context, sess Session, items []MemoryItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionKey{sess.UserID, sess.SessionID}]; !ok {
		return 0, fmt.Errorf("commit consolidation: %w", ErrNotFound)
	}
	inserted := 0
	for _, it := range items {
		keys := s.keys[it.UserID]
		if keys == nil {
			keys = map[string]struct{}{}
			s.keys[it.UserID] = keys
		}
		if _, dup := keys[it.SemanticKey]; dup {
			continue
		}
		keys[it.SemanticKey] = struct{}{}
		s.items[it.UserID] = append(s.items[it.UserID], it)
		inserted++
	}
	s.sessions[sessionKey{sess.UserID, sess.SessionID}] = sess
	return inserted, nil
}

func (s *InMemoryStore) ListMemoryItems(_ context.Context, userID string) ([]MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]MemoryItem(nil), s.items[userID]...)
	SortItems(out)
	return out, nil
}

func (s *InMemoryStore) AddQuestion(_ context.Context, q Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.questions[q.UserID] {
		if existing.ID == q.ID {
			return nil
		}
	}
	s.questions[q.UserID] = append(s.questions[q.UserID], q)
	return nil
}

func (s *InMemoryStore) ListQuestions(_ context.Context, userID string, limit int) ([]Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.questions[userID]
	out := make([]Question, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) PutBiography(_ context.Context, doc BiographyDoc) (BiographyDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Version = len(s.biographies[doc.UserID]) + 1
	s.biographies[doc.UserID] = append(s.biographies[doc.UserID], doc)
	return doc, nil
}

func (s *InMemoryStore) LatestBiography(_ context.Context, userID string) (BiographyDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.biographies[userID]
	if len(docs) == 0 {
		return BiographyDoc{}, ErrNotFound
	}
	return docs[len(docs)-1], nil
}

func (s *InMemoryStore) ListBiographyVersions(_ context.Context, userID string) ([]BiographyDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]BiographyDoc(nil), s.biographies[userID]...), nil
}

func (s *InMemoryStore) AddMetric(_ context.Context, metric string, value float64, labels map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, Metric{Name: metric, Value: value, Labels: labels})
	return nil
}

// Metrics returns a copy of everything recorded through AddMetric.
func (s *InMemoryStore) Metrics() []Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Metric(nil), s.metrics...)
}
