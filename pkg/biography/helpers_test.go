package biography

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func item(userID, slot, title, text string, minute int) memory.MemoryItem {
	at := t0.Add(time.Duration(minute) * time.Minute)
	key := memory.SemanticKey(userID, slot, text)
	return memory.MemoryItem{
		ID:          memory.ItemID(at, key),
		UserID:      userID,
		Slot:        slot,
		Title:       title,
		Text:        text,
		CreatedAt:   at,
		Confidence:  0.8,
		Weight:      1,
		SemanticKey: key,
	}
}

func lifeSnapshot(userID string) []memory.MemoryItem {
	return []memory.MemoryItem{
		item(userID, "birth/year", "Birth year", "Born in 1951", 0),
		item(userID, "birth/place", "Birthplace", "Born in Cork", 1),
		item(userID, "places/childhood", "Childhood home", "Grew up by the river Lee", 2),
		item(userID, "family/mother", "Mother", "Their mother is Rose", 3),
		item(userID, "career/occupation", "Occupation", "Worked as a ship's engineer", 4),
		item(userID, "places/home", "Home", "Lives in Halifax", 5),
		item(userID, "", "Preference", "Loves sea shanties", 6),
		item(userID, "", "", "Crossed the Atlantic in 1974", 7),
	}
}

// seedMemories stores items through a session, the way consolidation does.
func seedMemories(t *testing.T, store memory.Store, userID string, sessionID int64, items ...memory.MemoryItem) {
	t.Helper()
	ctx := context.Background()
	sess, err := store.GetSession(ctx, userID, sessionID)
	if err != nil {
		sess = memory.Session{UserID: userID, SessionID: sessionID, State: memory.StateActive, StartedAt: t0, LastActiveAt: t0, NextSeq: 1}
		require.NoError(t, store.CreateSession(ctx, sess))
	}
	_, err = store.CommitConsolidation(ctx, sess, items)
	require.NoError(t, err)
}
