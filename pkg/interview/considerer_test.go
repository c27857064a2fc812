package interview

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Action
	}{
		{"ask", `{"action":"ask","question":"Where did you grow up?"}`, Action{Kind: ActionAsk, Text: "Where did you grow up?"}},
		{"end", `{"action":"end_turn","message":"Bye for now"}`, Action{Kind: ActionEndTurn, Text: "Bye for now"}},
		{"consolidate", `{"action":"consolidate_and_continue"}`, Action{Kind: ActionConsolidate}},
		{"recall", `{"action":"recall","query":"mother"}`, Action{Kind: ActionRecall, Text: "mother"}},
		{"fenced", "Sure!\n```json\n{\"action\":\"ask\",\"question\":\"Q?\"}\n```", Action{Kind: ActionAsk, Text: "Q?"}},
		{"plain text", "What was your first car?", Action{Kind: ActionAsk, Text: "What was your first car?"}},
		{"question only", `{"question":"Who taught you to swim?"}`, Action{Kind: ActionAsk, Text: "Who taught you to swim?"}},
		{"unknown", `{"action":"dance"}`, Action{Kind: ActionKind("dance")}},
		{"empty", "   ", Action{Kind: ActionAsk}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAction(tt.raw))
		})
	}
}

func TestConsider_RejectsRepeatedQuestion(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		`{"action":"ask","question":"Where were you born?"}`,
		`{"action":"ask","question":"What was your first job?"}`,
	}}
	c := NewConsiderer(gen, 3, 0.3)
	dec, err := c.Consider(context.Background(), Turn{UserID: "u1", Asked: []string{"Where were you born?"}})
	require.NoError(t, err)
	assert.Equal(t, "What was your first job?", dec.Text)
	assert.Equal(t, 2, dec.Iterations)
	assert.False(t, dec.Fallback)
	require.Len(t, gen.prompts, 2)
	assert.Contains(t, gen.prompts[1], "repeats an earlier question")
}

func TestConsider_CapFallsBackToBestCandidate(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		`{"action":"ask","question":"Where were you born?"}`,
		`{"action":"ask","question":"tell me about your mother"}`,
		`{"action":"recall","query":"school"}`,
	}}
	c := NewConsiderer(gen, 3, 0.5)
	asked := []string{"Where were you born?", "Tell me about your mother."}
	dec, err := c.Consider(context.Background(), Turn{UserID: "u1", Asked: asked})
	require.NoError(t, err)
	assert.True(t, dec.Fallback)
	assert.Equal(t, 3, dec.Iterations)
	// both candidates score zero novelty; the earlier one wins
	assert.Equal(t, "Where were you born?", dec.Text)
}

func TestConsider_CapFallsBackToQuestionBank(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		`{"action":"consolidate_and_continue"}`,
		`{"action":"consolidate_and_continue"}`,
	}}
	c := NewConsiderer(gen, 2, 0.3)
	dec, err := c.Consider(context.Background(), Turn{UserID: "u1", Asked: []string{DefaultQuestionBank[0]}})
	require.NoError(t, err)
	assert.True(t, dec.Fallback)
	assert.Equal(t, DefaultQuestionBank[1], dec.Text)
}

func TestConsider_ProviderErrorAbortsLoop(t *testing.T) {
	boom := &providers.ProviderError{Provider: "test", Kind: providers.ErrorFatal, StatusCode: 401, Message: "bad key"}
	gen := &scriptedGenerator{errs: []error{boom}}
	c := NewConsiderer(gen, 3, 0)
	_, err := c.Consider(context.Background(), Turn{UserID: "u1"})
	require.Error(t, err)
	assert.True(t, providers.IsFatal(err))
	assert.Equal(t, 1, gen.Calls())
}

func TestConsider_ConsolidateHook(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		`{"action":"consolidate_and_continue"}`,
		`{"action":"ask","question":"And after that?"}`,
	}}
	c := NewConsiderer(gen, 3, 0)
	hookCalls := 0
	dec, err := c.Consider(context.Background(), Turn{
		UserID: "u1",
		Consolidate: func(context.Context) error {
			hookCalls++
			return deferConsolidation(errors.New("model overloaded"))
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hookCalls)
	assert.Equal(t, "And after that?", dec.Text)
	assert.Contains(t, gen.prompts[1], "deferred")

	gen = &scriptedGenerator{replies: []string{`{"action":"consolidate_and_continue"}`}}
	c = NewConsiderer(gen, 3, 0)
	_, err = c.Consider(context.Background(), Turn{
		UserID:      "u1",
		Consolidate: func(context.Context) error { return persistenceErr("commit consolidation", errDiskFull) },
	})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
}

func TestConsider_RecallAddsNote(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		`{"action":"recall","query":"mother"}`,
		`{"action":"ask","question":"What did Rose do for a living?"}`,
	}}
	c := NewConsiderer(gen, 3, 0)
	dec, err := c.Consider(context.Background(), Turn{
		UserID:   "u1",
		Memories: []memory.MemoryItem{{ID: "m1", Slot: "family/mother", Text: "Their mother is Rose", Confidence: 0.8}},
	})
	require.NoError(t, err)
	require.Len(t, dec.Recalls, 1)
	assert.Contains(t, dec.Recalls[0], "Rose")
	assert.True(t, strings.Contains(gen.prompts[1], "Recall \"mother\""))
}

func TestConsider_EndTurnDefaultsGoodbye(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{`{"action":"end_turn"}`}}
	dec, err := NewConsiderer(gen, 3, 0).Consider(context.Background(), Turn{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, dec.End)
	assert.NotEmpty(t, dec.Text)
}

func TestNovelty(t *testing.T) {
	assert.Equal(t, 1.0, Novelty("Anything?", nil))
	assert.InDelta(t, 0, Novelty("Where were you born?", []string{"where were you born"}), 1e-9)
}
