package interview

import (
	"errors"
	"fmt"
)

var (
	ErrSessionConflict       = errors.New("another session is already active for this user")
	ErrSessionBusy           = errors.New("session has a turn in flight")
	ErrSessionPaused         = errors.New("session is paused; start it again to resume")
	ErrSessionEnded          = errors.New("session has ended")
	ErrNoActiveSession       = errors.New("no open session for this user")
	ErrInvalidTransition     = errors.New("invalid session state transition")
	ErrConsolidationDeferred = errors.New("memory consolidation deferred")
)

// PersistenceError reports a failed store call. Whatever triggered it was
// not applied to the in-memory session.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// deferConsolidation marks a retryable extractor failure. Both the sentinel and the
// cause stay reachable through errors.Is / errors.As.
func deferConsolidation(err error) error {
	return fmt.Errorf("%w: %w", ErrConsolidationDeferred, err)
}
