package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 123456789, time.UTC)

func sessionFixture() (memory.Session, []memory.Event) {
	sess := memory.Session{
		UserID:              "u1",
		SessionID:           3,
		State:               memory.StateEnded,
		StartedAt:           t0,
		LastActiveAt:        t0.Add(5 * time.Minute),
		TurnCount:           1,
		ConsolidatedThrough: 2,
	}
	events := []memory.Event{
		{UserID: "u1", SessionID: 3, Seq: 1, Role: memory.RoleSubject, Kind: memory.KindMessage, Content: "I was born in 1951.", TurnID: "t-1", CreatedAt: t0},
		{UserID: "u1", SessionID: 3, Seq: 2, Role: memory.RoleInterviewer, Kind: memory.KindMessage, Content: "Where?", TurnID: "t-1", CreatedAt: t0.Add(time.Second)},
		{UserID: "u1", SessionID: 3, Seq: 3, Role: memory.RoleSystem, Kind: memory.KindNote, Content: "pinned", Pinned: true, CreatedAt: t0.Add(2 * time.Second)},
	}
	return sess, events
}

func TestArchive_RoundTrip(t *testing.T) {
	a, err := New(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)
	sess, events := sessionFixture()

	ref, err := a.Archive(context.Background(), sess, events)
	require.NoError(t, err)
	assert.Equal(t, "u1/session-000003.cbor.zst", ref)

	rec, err := a.Load(ref)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, rec.Format)
	assert.Equal(t, 1, rec.TurnCount)
	assert.EqualValues(t, 2, rec.ConsolidatedThrough)
	assert.True(t, rec.StartedAt.Equal(t0))
	assert.Equal(t, events, rec.MemoryEvents())
}

func TestArchive_DeterministicBytes(t *testing.T) {
	dir := t.TempDir()
	a, err := New(filepath.Join(dir, "a"))
	require.NoError(t, err)
	b, err := New(filepath.Join(dir, "b"))
	require.NoError(t, err)
	sess, events := sessionFixture()

	ref, err := a.Archive(context.Background(), sess, events)
	require.NoError(t, err)
	_, err = b.Archive(context.Background(), sess, events)
	require.NoError(t, err)

	x, err := os.ReadFile(filepath.Join(a.Root(), ref))
	require.NoError(t, err)
	y, err := os.ReadFile(filepath.Join(b.Root(), ref))
	require.NoError(t, err)
	assert.Equal(t, x, y)
}

func TestLoad_RejectsEscapingRefs(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	for _, ref := range []string{"", "../etc/passwd.cbor.zst", "/abs/session.cbor.zst", "u1/notes.txt"} {
		_, err := a.Load(ref)
		assert.ErrorIs(t, err, ErrInvalidRef, ref)
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(a.Root(), "u1", "session-000001.cbor.zst")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not zstd"), 0o644))
	_, err = a.Load("u1/session-000001.cbor.zst")
	assert.Error(t, err)
}

func TestUserDirSanitizes(t *testing.T) {
	assert.Equal(t, "discord_42", userDir("discord:42"))
	assert.Equal(t, "_", userDir(".."))
}
