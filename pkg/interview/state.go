package interview

import (
	"fmt"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

var allowedTransitions = map[memory.SessionState][]memory.SessionState{
	memory.StateNew:    {memory.StateActive},
	memory.StateActive: {memory.StatePaused, memory.StateEnded},
	memory.StatePaused: {memory.StateActive, memory.StateEnded},
}

// CanTransition reports whether from -> to is an edge of the session
// lifecycle.
func CanTransition(from, to memory.SessionState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transition(rec *memory.Session, to memory.SessionState) error {
	if !CanTransition(rec.State, to) {
		return fmt.Errorf("%w: %s -> %s (session %s/%d)", ErrInvalidTransition, rec.State, to, rec.UserID, rec.SessionID)
	}
	rec.State = to
	return nil
}
