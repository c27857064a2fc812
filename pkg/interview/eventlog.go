package interview

import (
	"fmt"
	"time"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

// EventLog is the in-memory window over one session's events. The store
// holds the full history; the window bounds what goes into each prompt.
type EventLog struct {
	userID    string
	sessionID int64
	max       int
	nextSeq   int64
	events    []memory.Event
}

func NewEventLog(userID string, sessionID int64, nextSeq int64, max int) *EventLog {
	if nextSeq < 1 {
		nextSeq = 1
	}
	return &EventLog{userID: userID, sessionID: sessionID, max: max, nextSeq: nextSeq}
}

// Next builds the event that would be appended now. Nothing changes until
// Commit is called with it.
func (l *EventLog) Next(role memory.Role, kind memory.Kind, content string, pinned bool, turnID string, at time.Time) memory.Event {
	return memory.Event{
		UserID:    l.userID,
		SessionID: l.sessionID,
		Seq:       l.nextSeq,
		Role:      role,
		Kind:      kind,
		Content:   content,
		Pinned:    pinned,
		TurnID:    turnID,
		CreatedAt: at,
	}
}

// Commit records an event the store has accepted.
func (l *EventLog) Commit(ev memory.Event) error {
	if ev.Seq != l.nextSeq {
		return fmt.Errorf("event log %s/%d: commit seq %d, want %d", l.userID, l.sessionID, ev.Seq, l.nextSeq)
	}
	l.events = append(l.events, ev)
	l.nextSeq++
	return nil
}

// Load replaces the window with events read back from the store.
func (l *EventLog) Load(events []memory.Event) {
	l.events = append(l.events[:0], events...)
	if n := len(events); n > 0 && events[n-1].Seq >= l.nextSeq {
		l.nextSeq = events[n-1].Seq + 1
	}
}

func (l *EventLog) NextSeq() int64 { return l.nextSeq }

func (l *EventLog) Len() int { return len(l.events) }

// Overflow reports whether the window holds more than its limit.
func (l *EventLog) Overflow() bool { return l.max > 0 && len(l.events) > l.max }

// Window returns a copy of the events in seq order.
func (l *EventLog) Window() []memory.Event {
	return append([]memory.Event(nil), l.events...)
}

// Evict drops the oldest non-pinned events until the window fits, stopping at
// the first event memory does not reflect yet. It returns how many left.
func (l *EventLog) Evict(consolidatedThrough int64) int {
	if !l.Overflow() {
		return 0
	}
	excess := len(l.events) - l.max
	kept := l.events[:0]
	evicted := 0
	blocked := false
	for _, ev := range l.events {
		switch {
		case evicted >= excess || blocked || ev.Pinned:
			kept = append(kept, ev)
		case ev.Seq > consolidatedThrough:
			blocked = true
			kept = append(kept, ev)
		default:
			evicted++
		}
	}
	l.events = kept
	return evicted
}

// Unconsolidated counts window events newer than consolidatedThrough.
func (l *EventLog) Unconsolidated(consolidatedThrough int64) int {
	n := 0
	for _, ev := range l.events {
		if ev.Seq > consolidatedThrough {
			n++
		}
	}
	return n
}
