package memory

import "context"

// Store provides durable persistence for interview state.
type Store interface {
	Close() error

	CreateSession(ctx context.Context, s Session) error
	UpdateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, userID string, sessionID int64) (Session, error)
	// LatestSession returns the highest-numbered session for the user, or
	// ErrNotFound.
	LatestSession(ctx context.Context, userID string) (Session, error)
	ListSessionsByState(ctx context.Context, state SessionState) ([]Session, error)

	// AppendEvent writes ev and the session bookkeeping that accounts for it
	// in one transaction.
	AppendEvent(ctx context.Context, ev Event, s Session) error
	// ListEvents returns events with seq > afterSeq in seq order.
	ListEvents(ctx context.Context, userID string, sessionID int64, afterSeq int64) ([]Event, error)
	RecentEvents(ctx context.Context, userID string, sessionID int64, limit int) ([]Event, error)
	DeleteSessionEvents(ctx context.Context, userID string, sessionID int64) error

	// CommitConsolidation inserts items (ignoring semantic-key duplicates) and
	// saves s in the same transaction. It returns how many rows were new.
	CommitConsolidation(ctx context.Context, s Session, items []MemoryItem) (int, error)
	ListMemoryItems(ctx context.Context, userID string) ([]MemoryItem, error)

	AddQuestion(ctx context.Context, q Question) error
	ListQuestions(ctx context.Context, userID string, limit int) ([]Question, error)

	// PutBiography stores doc as the next version and returns it with the
	// assigned version.
	PutBiography(ctx context.Context, doc BiographyDoc) (BiographyDoc, error)
	LatestBiography(ctx context.Context, userID string) (BiographyDoc, error)
	ListBiographyVersions(ctx context.Context, userID string) ([]BiographyDoc, error)

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// Extractor turns a batch of events into memory candidates.
type Extractor interface {
	Extract(ctx context.Context, batch []Event, prior []MemoryItem) ([]Candidate, error)
}

// Policy controls which events are captured and which candidates survive.
type Policy interface {
	ShouldCapture(ev Event) bool
	MinConfidence(slot string) float64
}
