// Package archive keeps the transcript of ended sessions as compressed
// CBOR files, so the live store can drop raw events while the conversation
// stays recoverable.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/biographer/pkg/logger"
	"github.com/dotsetgreg/biographer/pkg/memory"
)

// FormatVersion is bumped when Record changes incompatibly.
const FormatVersion = 1

const fileSuffix = ".cbor.zst"

var ErrInvalidRef = errors.New("archive: invalid reference")

type EventRecord struct {
	Seq       int64     `cbor:"seq"`
	Role      string    `cbor:"role"`
	Kind      string    `cbor:"kind"`
	Content   string    `cbor:"content"`
	Pinned    bool      `cbor:"pinned,omitempty"`
	TurnID    string    `cbor:"turn_id,omitempty"`
	CreatedAt time.Time `cbor:"created_at"`
}

// Record is one archived session.
type Record struct {
	Format              int           `cbor:"format"`
	UserID              string        `cbor:"user_id"`
	SessionID           int64         `cbor:"session_id"`
	StartedAt           time.Time     `cbor:"started_at"`
	LastActiveAt        time.Time     `cbor:"last_active_at"`
	TurnCount           int           `cbor:"turn_count"`
	ConsolidatedThrough int64         `cbor:"consolidated_through"`
	Events              []EventRecord `cbor:"events"`
}

// MemoryEvents converts the archived records back to store events.
func (r Record) MemoryEvents() []memory.Event {
	out := make([]memory.Event, 0, len(r.Events))
	for _, ev := range r.Events {
		out = append(out, memory.Event{
			UserID:    r.UserID,
			SessionID: r.SessionID,
			Seq:       ev.Seq,
			Role:      memory.Role(ev.Role),
			Kind:      memory.Kind(ev.Kind),
			Content:   ev.Content,
			Pinned:    ev.Pinned,
			TurnID:    ev.TurnID,
			CreatedAt: ev.CreatedAt,
		})
	}
	return out
}

// Archiver writes session archives under a root directory. References are
// paths relative to that root.
type Archiver struct {
	root string
}

func New(root string) (*Archiver, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Archiver{root: root}, nil
}

func (a *Archiver) Root() string { return a.root }

// Archive stores the session and its events and returns the reference.
func (a *Archiver) Archive(ctx context.Context, sess memory.Session, events []memory.Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rec := Record{
		Format:              FormatVersion,
		UserID:              sess.UserID,
		SessionID:           sess.SessionID,
		StartedAt:           sess.StartedAt.UTC(),
		LastActiveAt:        sess.LastActiveAt.UTC(),
		TurnCount:           sess.TurnCount,
		ConsolidatedThrough: sess.ConsolidatedThrough,
		Events:              make([]EventRecord, 0, len(events)),
	}
	for _, ev := range events {
		rec.Events = append(rec.Events, EventRecord{
			Seq:       ev.Seq,
			Role:      string(ev.Role),
			Kind:      string(ev.Kind),
			Content:   ev.Content,
			Pinned:    ev.Pinned,
			TurnID:    ev.TurnID,
			CreatedAt: ev.CreatedAt.UTC(),
		})
	}
	data, err := encode(rec)
	if err != nil {
		return "", err
	}

	ref := filepath.ToSlash(filepath.Join(userDir(sess.UserID), fmt.Sprintf("session-%06d%s", sess.SessionID, fileSuffix)))
	path := filepath.Join(a.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publish archive: %w", err)
	}

	logger.InfoCF("archive", "Session archived", map[string]interface{}{
		"user_id":    sess.UserID,
		"session_id": sess.SessionID,
		"events":     len(events),
		"bytes":      len(data),
		"ref":        ref,
	})
	return ref, nil
}

// Load reads an archive back by reference.
func (a *Archiver) Load(ref string) (Record, error) {
	path, err := a.resolve(ref)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read archive %s: %w", ref, err)
	}
	rec, err := decode(data)
	if err != nil {
		return Record{}, fmt.Errorf("archive %s: %w", ref, err)
	}
	if rec.Format != FormatVersion {
		return Record{}, fmt.Errorf("archive %s: unsupported format %d", ref, rec.Format)
	}
	return rec, nil
}

func (a *Archiver) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || !strings.HasSuffix(clean, fileSuffix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(a.root, clean), nil
}

func userDir(userID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, userID)
	name = strings.Trim(name, ".")
	if name == "" {
		name = "_"
	}
	return name
}
