package interview

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/biographer/pkg/memory"
)

func TestNewSweeper_RejectsInvalidSchedule(t *testing.T) {
	_, err := NewSweeper(nil, "every minute please", nil)
	assert.Error(t, err)
}

func TestSweeper_NextDelay(t *testing.T) {
	s, err := NewSweeper(nil, "", nil)
	require.NoError(t, err)
	now := time.Date(2026, 5, 4, 9, 0, 30, 0, time.UTC)
	d, err := s.NextDelay(now)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestSweeper_SweepPausesIdleSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testOptions())
	idle, err := h.ctrl.StartSession(ctx, "u1", StartOptions{})
	require.NoError(t, err)
	_, err = h.ctrl.SubmitTurn(ctx, idle, "I grew up near the harbour.")
	require.NoError(t, err)

	h.clock.Advance(8 * time.Minute)
	fresh, err := h.ctrl.StartSession(ctx, "u2", StartOptions{})
	require.NoError(t, err)
	_, err = h.ctrl.SubmitTurn(ctx, fresh, "Hello.")
	require.NoError(t, err)

	h.clock.Advance(3 * time.Minute)
	sw, err := NewSweeper(h.ctrl, "* * * * *", h.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, sw.Sweep(ctx))
	assert.Equal(t, memory.StatePaused, h.sessionRecord(t, idle).State)
	assert.Equal(t, memory.StateActive, h.sessionRecord(t, fresh).State)
}

func TestSweeper_StopEndsLoop(t *testing.T) {
	h := newHarness(t, testOptions())
	sw, err := NewSweeper(h.ctrl, "* * * * *", h.clock)
	require.NoError(t, err)
	sw.Start(context.Background())
	sw.Stop()
	sw.Stop()
}
