package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable store used by both terminal and server modes.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention between goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			user_id TEXT NOT NULL,
			session_id INTEGER NOT NULL,
			state TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			last_active_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER NOT NULL DEFAULT 0,
			pending_count INTEGER NOT NULL DEFAULT 0,
			consolidated_through INTEGER NOT NULL DEFAULT 0,
			next_seq INTEGER NOT NULL DEFAULT 1,
			turn_count INTEGER NOT NULL DEFAULT 0,
			archive_ref TEXT NOT NULL DEFAULT '',
			PRIMARY KEY(user_id, session_id)
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_state_idx ON sessions(state, last_active_at_ms);`,
		`CREATE TABLE IF NOT EXISTS events (
			user_id TEXT NOT NULL,
			session_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'message',
			content TEXT NOT NULL,
			pinned INTEGER NOT NULL DEFAULT 0,
			turn_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY(user_id, session_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			slot TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			source_session_id INTEGER NOT NULL,
			source_seq_from INTEGER NOT NULL,
			source_seq_to INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			weight REAL NOT NULL DEFAULT 1,
			semantic_key TEXT NOT NULL,
			supersedes TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS memory_items_semantic_idx ON memory_items(user_id, semantic_key);`,
		`CREATE INDEX IF NOT EXISTS memory_items_user_idx ON memory_items(user_id, created_at_ms, id);`,
		`CREATE TABLE IF NOT EXISTS questions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id INTEGER NOT NULL,
			text TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS questions_user_idx ON questions(user_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS biographies (
			user_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			sections_json TEXT NOT NULL DEFAULT '[]',
			markdown TEXT NOT NULL DEFAULT '',
			memory_ids_json TEXT NOT NULL DEFAULT '[]',
			memory_count INTEGER NOT NULL DEFAULT 0,
			item_count INTEGER NOT NULL DEFAULT 0,
			snapshot_hash TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY(user_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS metrics_metric_idx ON metrics(metric, created_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return s.ensureColumn("biographies", "item_count", "INTEGER NOT NULL DEFAULT 0")
}

// ensureColumn adds a column that databases created by older builds lack.
func (s *SQLiteStore) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	rows.Close()
	if _, err := s.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const sessionColumns = `user_id, session_id, state, started_at_ms, last_active_at_ms, ended_at_ms, pending_count, consolidated_through, next_seq, turn_count, archive_ref`

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(`+sessionColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.UserID, sess.SessionID, string(sess.State), toMS(sess.StartedAt), toMS(sess.LastActiveAt), toMS(sess.EndedAt),
		sess.PendingCount, sess.ConsolidatedThrough, sess.NextSeq, sess.TurnCount, sess.ArchiveRef)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create session %s/%d: already exists", sess.UserID, sess.SessionID)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess Session) error {
	return updateSession(ctx, s.db, sess)
}

func updateSession(ctx context.Context, db execer, sess Session) error {
	res, err := db.ExecContext(ctx, `
UPDATE sessions SET
	state = ?, started_at_ms = ?, last_active_at_ms = ?, ended_at_ms = ?,
	pending_count = ?, consolidated_through = ?, next_seq = ?, turn_count = ?, archive_ref = ?
WHERE user_id = ? AND session_id = ?`,
		string(sess.State), toMS(sess.StartedAt), toMS(sess.LastActiveAt), toMS(sess.EndedAt),
		sess.PendingCount, sess.ConsolidatedThrough, sess.NextSeq, sess.TurnCount, sess.ArchiveRef,
		sess.UserID, sess.SessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update session %s/%d: %w", sess.UserID, sess.SessionID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var out Session
	var state string
	var started, last, ended int64
	if err := row.Scan(&out.UserID, &out.SessionID, &state, &started, &last, &ended,
		&out.PendingCount, &out.ConsolidatedThrough, &out.NextSeq, &out.TurnCount, &out.ArchiveRef); err != nil {
		return Session{}, err
	}
	out.State = SessionState(state)
	out.StartedAt, out.LastActiveAt, out.EndedAt = fromMS(started), fromMS(last), fromMS(ended)
	return out, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, userID string, sessionID int64) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
	out, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) LatestSession(ctx context.Context, userID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY session_id DESC LIMIT 1`, userID)
	out, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("latest session: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListSessionsByState(ctx context.Context, state SessionState) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE state = ? ORDER BY last_active_at_ms ASC, user_id ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev Event, sess Session) error {
	if strings.TrimSpace(ev.UserID) == "" {
		return fmt.Errorf("append event: empty user_id")
	}
	if !ev.Role.Valid() {
		return fmt.Errorf("append event: invalid role %q", ev.Role)
	}
	if ev.Kind == "" {
		ev.Kind = KindMessage
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO events(user_id, session_id, seq, role, kind, content, pinned, turn_id, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.SessionID, ev.Seq, string(ev.Role), string(ev.Kind), ev.Content, boolInt(ev.Pinned), ev.TurnID, toMS(ev.CreatedAt)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append event seq %d: %w", ev.Seq, ErrSeqConflict)
		}
		return fmt.Errorf("append event insert: %w", err)
	}
	if err := updateSession(ctx, tx, sess); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append event commit: %w", err)
	}
	return nil
}

const eventColumns = `user_id, session_id, seq, role, kind, content, pinned, turn_id, created_at_ms`

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var ev Event
		var role, kind string
		var pinned int
		var created int64
		if err := rows.Scan(&ev.UserID, &ev.SessionID, &ev.Seq, &role, &kind, &ev.Content, &pinned, &ev.TurnID, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r, err := ParseRole(role)
		if err != nil {
			return nil, err
		}
		ev.Role, ev.Kind, ev.Pinned, ev.CreatedAt = r, Kind(kind), pinned == 1, fromMS(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, userID string, sessionID int64, afterSeq int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE user_id = ? AND session_id = ? AND seq > ? ORDER BY seq ASC`, userID, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) RecentEvents(ctx context.Context, userID string, sessionID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+eventColumns+` FROM (
	SELECT `+eventColumns+` FROM events WHERE user_id = ? AND session_id = ? ORDER BY seq DESC LIMIT ?
) ORDER BY seq ASC`, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) DeleteSessionEvents(ctx context.Context, userID string, sessionID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE user_id = ? AND session_id = ?`, userID, sessionID); err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CommitConsolidation(ctx context.Context, sess Session, items []MemoryItem) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("commit consolidation begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, it := range items {
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO memory_items(id, user_id, slot, title, text, source_session_id, source_seq_from, source_seq_to, created_at_ms, confidence, weight, semantic_key, supersedes)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.UserID, it.Slot, it.Title, it.Text, it.SourceSessionID, it.SourceSeqFrom, it.SourceSeqTo,
			toMS(it.CreatedAt), it.Confidence, it.Weight, it.SemanticKey, it.Supersedes)
		if err != nil {
			return 0, fmt.Errorf("insert memory item: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := updateSession(ctx, tx, sess); err != nil {
		return 0, fmt.Errorf("commit consolidation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit consolidation: %w", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) ListMemoryItems(ctx context.Context, userID string) ([]MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, slot, title, text, source_session_id, source_seq_from, source_seq_to, created_at_ms, confidence, weight, semantic_key, supersedes
FROM memory_items WHERE user_id = ? ORDER BY created_at_ms ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memory items: %w", err)
	}
	defer rows.Close()

	var out []MemoryItem
	for rows.Next() {
		var it MemoryItem
		var created int64
		if err := rows.Scan(&it.ID, &it.UserID, &it.Slot, &it.Title, &it.Text, &it.SourceSessionID, &it.SourceSeqFrom, &it.SourceSeqTo,
			&created, &it.Confidence, &it.Weight, &it.SemanticKey, &it.Supersedes); err != nil {
			return nil, fmt.Errorf("scan memory item: %w", err)
		}
		it.CreatedAt = fromMS(created)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddQuestion(ctx context.Context, q Question) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO questions(id, user_id, session_id, text, created_at_ms) VALUES(?, ?, ?, ?, ?)`,
		q.ID, q.UserID, q.SessionID, q.Text, toMS(q.CreatedAt))
	if err != nil {
		return fmt.Errorf("add question: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListQuestions(ctx context.Context, userID string, limit int) ([]Question, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, session_id, text, created_at_ms FROM questions
WHERE user_id = ? ORDER BY created_at_ms DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		var q Question
		var created int64
		if err := rows.Scan(&q.ID, &q.UserID, &q.SessionID, &q.Text, &created); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.CreatedAt = fromMS(created)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutBiography(ctx context.Context, doc BiographyDoc) (BiographyDoc, error) {
	sections, err := json.Marshal(doc.Sections)
	if err != nil {
		return BiographyDoc{}, fmt.Errorf("encode sections: %w", err)
	}
	ids, err := json.Marshal(doc.MemoryIDs)
	if err != nil {
		return BiographyDoc{}, fmt.Errorf("encode memory ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BiographyDoc{}, fmt.Errorf("put biography begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM biographies WHERE user_id = ?`, doc.UserID).Scan(&latest); err != nil {
		return BiographyDoc{}, fmt.Errorf("read biography version: %w", err)
	}
	doc.Version = latest + 1
	if _, err := tx.ExecContext(ctx, `
INSERT INTO biographies(user_id, version, title, sections_json, markdown, memory_ids_json, memory_count, item_count, snapshot_hash, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.UserID, doc.Version, doc.Title, string(sections), doc.Markdown, string(ids), doc.MemoryCount, doc.ItemCount, doc.SnapshotHash, toMS(doc.CreatedAt)); err != nil {
		return BiographyDoc{}, fmt.Errorf("insert biography: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return BiographyDoc{}, fmt.Errorf("put biography commit: %w", err)
	}
	return doc, nil
}

const biographyColumns = `user_id, version, title, sections_json, markdown, memory_ids_json, memory_count, item_count, snapshot_hash, created_at_ms`

func scanBiography(row rowScanner) (BiographyDoc, error) {
	var doc BiographyDoc
	var sections, ids string
	var created int64
	if err := row.Scan(&doc.UserID, &doc.Version, &doc.Title, &sections, &doc.Markdown, &ids, &doc.MemoryCount, &doc.ItemCount, &doc.SnapshotHash, &created); err != nil {
		return BiographyDoc{}, err
	}
	if err := json.Unmarshal([]byte(sections), &doc.Sections); err != nil {
		return BiographyDoc{}, fmt.Errorf("decode sections: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &doc.MemoryIDs); err != nil {
		return BiographyDoc{}, fmt.Errorf("decode memory ids: %w", err)
	}
	doc.CreatedAt = fromMS(created)
	return doc, nil
}

func (s *SQLiteStore) LatestBiography(ctx context.Context, userID string) (BiographyDoc, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+biographyColumns+` FROM biographies WHERE user_id = ? ORDER BY version DESC LIMIT 1`, userID)
	doc, err := scanBiography(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BiographyDoc{}, ErrNotFound
		}
		return BiographyDoc{}, fmt.Errorf("latest biography: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) ListBiographyVersions(ctx context.Context, userID string) ([]BiographyDoc, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+biographyColumns+` FROM biographies WHERE user_id = ? ORDER BY version ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list biographies: %w", err)
	}
	defer rows.Close()
	var out []BiographyDoc
	for rows.Next() {
		doc, err := scanBiography(rows)
		if err != nil {
			return nil, fmt.Errorf("scan biography: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}
