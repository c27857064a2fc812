package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func subjectEvents(userID string, sessionID int64, texts ...string) []Event {
	out := make([]Event, 0, len(texts))
	for i, text := range texts {
		out = append(out, Event{
			UserID:    userID,
			SessionID: sessionID,
			Seq:       int64(i + 1),
			Role:      RoleSubject,
			Kind:      KindMessage,
			Content:   text,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}

func TestPlan_IsIdempotentForSameInputs(t *testing.T) {
	batch := subjectEvents("u1", 1, "I was born in 1948.", "My mother was named Rose.")
	cands := []Candidate{
		{Slot: "birth/year", Text: "Born in 1948", Confidence: 0.9, SourceSeq: 1},
		{Slot: "family/mother", Text: "Their mother is Rose", Confidence: 0.8, SourceSeq: 2},
	}

	first := Plan("u1", 1, batch, cands, nil, PlanOptions{})
	second := Plan("u1", 1, batch, cands, nil, PlanOptions{})
	require.Len(t, first, 2)
	assert.Equal(t, first, second)

	// Replanning after the first result was committed produces nothing new.
	again := Plan("u1", 1, batch, cands, first, PlanOptions{})
	assert.Empty(t, again)
}

func TestPlan_ProcessesCandidatesInSeqOrder(t *testing.T) {
	batch := subjectEvents("u1", 1, "a", "b", "c")
	cands := []Candidate{
		{Text: "third fact about the garden", SourceSeq: 3},
		{Text: "first fact about the harbour", SourceSeq: 1},
		{Text: "second fact about the school", SourceSeq: 2},
	}

	items := Plan("u1", 1, batch, cands, nil, PlanOptions{})
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.Less(t, items[i-1].SourceSeqTo, items[i].SourceSeqTo)
		assert.True(t, items[i-1].ID < items[i].ID, "ids must sort in source order")
	}
}

func TestPlan_DedupsNearDuplicatesWithinSlot(t *testing.T) {
	batch := subjectEvents("u1", 1, "x")
	prior := Plan("u1", 1, batch, []Candidate{{Slot: "places/childhood", Text: "Grew up in Dayton, Ohio", SourceSeq: 1}}, nil, PlanOptions{})
	require.Len(t, prior, 1)

	batch2 := subjectEvents("u1", 2, "y")
	items := Plan("u1", 2, batch2, []Candidate{{Slot: "places/childhood", Text: "grew up in Dayton, Ohio.", SourceSeq: 1}}, prior, PlanOptions{})
	assert.Empty(t, items, "case and punctuation changes must not create a new item")
}

func TestPlan_ConflictSupersedesPreviousSlotValue(t *testing.T) {
	batch := subjectEvents("u1", 1, "x")
	prior := Plan("u1", 1, batch, []Candidate{{Slot: "places/home", Text: "Lives in Denver", SourceSeq: 1}}, nil, PlanOptions{})
	require.Len(t, prior, 1)

	later := subjectEvents("u1", 2, "y", "z")
	items := Plan("u1", 2, later, []Candidate{{Slot: "places/home", Text: "Lives in Lisbon by the river", SourceSeq: 2}}, prior, PlanOptions{})
	require.Len(t, items, 1)
	assert.Equal(t, prior[0].ID, items[0].Supersedes)

	all := append(append([]MemoryItem(nil), prior...), items...)
	active := Active(all)
	require.Len(t, active, 1)
	assert.Equal(t, "Lives in Lisbon by the river", active[0].Text)
	assert.Len(t, all, 2, "the superseded item is kept for provenance")
}

func TestPlan_SlotReturningToEarlierValue(t *testing.T) {
	var all []MemoryItem
	for i, city := range []string{"Lives in Paris", "Lives in London", "Lives in Paris"} {
		batch := []Event{{
			UserID: "u1", SessionID: int64(i + 1), Seq: 1, Role: RoleSubject, Kind: KindMessage,
			Content: "I live in the city", CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}}
		cands := []Candidate{{Slot: "home/city", Text: city, Confidence: 0.9, SourceSeq: 1}}
		items := Plan("u1", int64(i+1), batch, cands, all, PlanOptions{})
		require.Len(t, items, 1, "batch %d", i+1)
		all = append(all, items...)

		// replaying the batch against the committed result adds nothing
		assert.Empty(t, Plan("u1", int64(i+1), batch, cands, all, PlanOptions{}))
	}

	assert.Equal(t, all[1].ID, all[2].Supersedes)
	assert.NotEqual(t, all[0].SemanticKey, all[2].SemanticKey, "the restored value needs its own key")
	active := Active(all)
	require.Len(t, active, 1)
	assert.Equal(t, "Lives in Paris", active[0].Text)
	assert.Equal(t, all[2].ID, active[0].ID)
}

func TestPlan_UnslottedClauseRestatingSlottedFactIsDropped(t *testing.T) {
	batch := subjectEvents("u1", 1, "I was born in 1948.")
	items := Plan("u1", 1, batch, []Candidate{
		{Slot: "birth/year", Text: "Born in 1948", Confidence: 0.85, SourceSeq: 1},
		{Text: "born in 1948.", Confidence: 0.6, SourceSeq: 1},
	}, nil, PlanOptions{})
	require.Len(t, items, 1)
	assert.Equal(t, "birth/year", items[0].Slot)
}

func TestPlan_DropsLowConfidenceAndEmpty(t *testing.T) {
	batch := subjectEvents("u1", 1, "x")
	items := Plan("u1", 1, batch, []Candidate{
		{Slot: "identity/name", Text: "Their name is Ann", Confidence: 0.3},
		{Text: "   "},
	}, nil, PlanOptions{})
	assert.Empty(t, items)
}

func TestPlan_UnknownSourceSeqUsesWholeBatch(t *testing.T) {
	batch := subjectEvents("u1", 4, "a", "b")
	items := Plan("u1", 4, batch, []Candidate{{Text: "They sailed every summer as a child"}}, nil, PlanOptions{})
	require.Len(t, items, 1)
	assert.EqualValues(t, 1, items[0].SourceSeqFrom)
	assert.EqualValues(t, 2, items[0].SourceSeqTo)
	assert.EqualValues(t, 4, items[0].SourceSessionID)
	assert.Equal(t, batch[1].CreatedAt, items[0].CreatedAt)
}

func TestSemanticKey_NormalizesText(t *testing.T) {
	a := SemanticKey("u1", "Family/Mother", "Their mother is Rose.")
	b := SemanticKey("u1", "family/mother", "  their MOTHER is rose ")
	c := SemanticKey("u2", "family/mother", "Their mother is Rose")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestItemID_DeterministicAndZeroTimeSafe(t *testing.T) {
	assert.Equal(t, ItemID(t0, "k"), ItemID(t0, "k"))
	assert.NotEqual(t, ItemID(t0, "k"), ItemID(t0, "k2"))
	assert.NotPanics(t, func() { _ = ItemID(time.Time{}, "k") })
}

func TestRecall_PrefersRelevantItems(t *testing.T) {
	items := []MemoryItem{
		{ID: "1", Title: "Childhood", Text: "Grew up on a dairy farm in Wisconsin", Confidence: 0.8, CreatedAt: t0},
		{ID: "2", Title: "Career", Text: "Worked as a machinist for thirty years", Confidence: 0.8, CreatedAt: t0.Add(time.Minute)},
		{ID: "3", Title: "Family", Text: "Their sister is Joan", Confidence: 0.8, CreatedAt: t0.Add(2 * time.Minute)},
	}
	got := Recall(items, "tell me about the farm in Wisconsin", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)

	latest := Recall(items, "", 2)
	require.Len(t, latest, 2)
	assert.Equal(t, "3", latest[1].ID)
}
