package memory

import (
	"fmt"
	"time"
)

// Role is who produced an event. The set is closed.
type Role string

const (
	RoleSubject     Role = "subject"
	RoleInterviewer Role = "interviewer"
	RoleSystem      Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSubject, RoleInterviewer, RoleSystem:
		return true
	default:
		return false
	}
}

func ParseRole(raw string) (Role, error) {
	r := Role(raw)
	if !r.Valid() {
		return "", fmt.Errorf("unknown event role %q", raw)
	}
	return r, nil
}

// Kind refines what an event carries.
type Kind string

const (
	KindMessage Kind = "message"
	KindSkip    Kind = "skip"
	KindLike    Kind = "like"
	KindRecall  Kind = "recall"
	KindNote    Kind = "note"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindSkip, KindLike, KindRecall, KindNote:
		return true
	default:
		return false
	}
}

// Event is one immutable entry of a session's log.
type Event struct {
	UserID    string
	SessionID int64
	Seq       int64
	Role      Role
	Kind      Kind
	Content   string
	Pinned    bool
	TurnID    string
	CreatedAt time.Time
}

// CountsTowardConsolidation reports whether the event holds subject-provided
// content that memory must eventually reflect.
func (e Event) CountsTowardConsolidation() bool {
	return e.Role == RoleSubject && e.Kind == KindMessage
}

// SessionState is the lifecycle position of an interview session.
type SessionState string

const (
	StateNew    SessionState = "NEW"
	StateActive SessionState = "ACTIVE"
	StatePaused SessionState = "PAUSED"
	StateEnded  SessionState = "ENDED"
)

// Open sessions may still receive events.
func (s SessionState) Open() bool {
	return s == StateActive || s == StatePaused || s == StateNew
}

// Session is the persisted bookkeeping for one interview window.
type Session struct {
	UserID              string
	SessionID           int64
	State               SessionState
	StartedAt           time.Time
	LastActiveAt        time.Time
	EndedAt             time.Time
	PendingCount        int
	ConsolidatedThrough int64
	NextSeq             int64
	TurnCount           int
	ArchiveRef          string
}

// MemoryItem is a consolidated fact about the subject. Items are never
// edited; a newer fact for the same slot names the one it supersedes.
type MemoryItem struct {
	ID              string
	UserID          string
	Slot            string
	Title           string
	Text            string
	SourceSessionID int64
	SourceSeqFrom   int64
	SourceSeqTo     int64
	CreatedAt       time.Time
	Confidence      float64
	Weight          float64
	SemanticKey     string
	Supersedes      string
}

// Candidate is an extractor's proposal for a memory item.
type Candidate struct {
	Slot       string
	Title      string
	Text       string
	Confidence float64
	// SourceSeq is the event the fact came from; zero means the whole batch.
	SourceSeq int64
}

// Question is a previously asked interviewer question.
type Question struct {
	ID        string
	UserID    string
	SessionID int64
	Text      string
	CreatedAt time.Time
}

// Section is one node of a biography outline.
type Section struct {
	Title       string    `json:"title" yaml:"title"`
	Content     string    `json:"content" yaml:"content"`
	MemoryIDs   []string  `json:"memory_ids,omitempty" yaml:"memory_ids,omitempty"`
	Subsections []Section `json:"subsections,omitempty" yaml:"subsections,omitempty"`
}

// BiographyDoc is one version of the synthesized biography.
type BiographyDoc struct {
	UserID      string    `json:"user_id" yaml:"user_id"`
	Version     int       `json:"version" yaml:"version"`
	Title       string    `json:"title" yaml:"title"`
	Sections    []Section `json:"sections" yaml:"sections"`
	Markdown    string    `json:"markdown" yaml:"-"`
	MemoryIDs   []string  `json:"memory_ids" yaml:"memory_ids"`
	MemoryCount int       `json:"memory_count" yaml:"memory_count"`
	// ItemCount is every stored item, superseded ones included, at synthesis
	// time. Items are append-only, so it only grows.
	ItemCount    int       `json:"item_count" yaml:"item_count"`
	SnapshotHash string    `json:"snapshot_hash" yaml:"snapshot_hash"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}
