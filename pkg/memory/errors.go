package memory

import "errors"

var (
	// ErrNotFound is returned by store lookups with no matching record.
	ErrNotFound = errors.New("memory: not found")
	// ErrSeqConflict means an event with the same seq already exists.
	ErrSeqConflict = errors.New("memory: event seq already used")
)
