package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/clock"
	"agora/internal/domain"
)

type fakeStore struct {
	states map[string]domain.AgentGroupState
	last   []domain.TranscriptMessage
}

func (f *fakeStore) GetAgentState(_ context.Context, groupID string, agentID string) (domain.AgentGroupState, error) {
	return f.states[groupID+"/"+agentID], nil
}

func (f *fakeStore) UpdateAgentState(_ context.Context, groupID string, agentID string, fn func(*domain.AgentGroupState) error) (domain.AgentGroupState, error) {
	st := f.states[groupID+"/"+agentID]
	if err := fn(&st); err != nil {
		return domain.AgentGroupState{}, err
	}
	f.states[groupID+"/"+agentID] = st
	return st, nil
}

func (f *fakeStore) ListTranscript(_ context.Context, _ string, limit int) ([]domain.TranscriptMessage, error) {
	if len(f.last) > limit {
		return f.last[len(f.last)-limit:], nil
	}
	return f.last, nil
}

func TestCooldownBlocksUntilDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gate := NewAvailability(nil, Config{}, clock.Fake(now), 1)
	until := now.Add(5 * time.Second)
	st := domain.AgentGroupState{AgentID: "mira", CooldownUntil: &until}

	ok, reason := gate.Check(st, "", now)
	assert.False(t, ok)
	assert.Equal(t, "cooldown", reason)

	ok, _ = gate.Check(st, "", until)
	assert.True(t, ok, "cooldown ends at the deadline")
}

func TestAdjacentTurnAntiSpam(t *testing.T) {
	now := time.Now()
	gate := NewAvailability(nil, Config{}, clock.Fake(now), 1)
	st := domain.AgentGroupState{AgentID: "mira"}

	ok, reason := gate.Check(st, "mira", now)
	assert.False(t, ok)
	assert.Equal(t, "adjacent_turn", reason)

	ok, _ = gate.Check(st, "ansel", now)
	assert.True(t, ok)

	lenient := NewAvailability(nil, Config{AllowAdjacent: true}, clock.Fake(now), 1)
	ok, _ = lenient.Check(st, "mira", now)
	assert.True(t, ok)
}

func TestSpacingGrowsWithGroupSizeWithinJitter(t *testing.T) {
	gate := NewAvailability(nil, Config{BaseSpacing: 10 * time.Second, ReferenceSize: 4, JitterFraction: 0.2}, clock.Real(), 7)

	for i := 0; i < 100; i++ {
		small := gate.Spacing(2)
		assert.GreaterOrEqual(t, small, 4*time.Second)
		assert.LessOrEqual(t, small, 6*time.Second)

		large := gate.Spacing(8)
		assert.GreaterOrEqual(t, large, 16*time.Second)
		assert.LessOrEqual(t, large, 24*time.Second)
	}
}

func TestIsAvailableReadsStoreAndStartCooldownWrites(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.Fake(now)
	store := &fakeStore{
		states: map[string]domain.AgentGroupState{"g1/mira": {AgentID: "mira", GroupID: "g1"}},
		last:   []domain.TranscriptMessage{{AuthorID: "user-1"}},
	}
	gate := NewAvailability(store, Config{BaseSpacing: 4 * time.Second, ReferenceSize: 4, JitterFraction: 0.1}, fake, 3)

	ok, _, err := gate.IsAvailable(ctx, "mira", "g1")
	require.NoError(t, err)
	assert.True(t, ok)

	until, err := gate.StartCooldown(ctx, "g1", "mira", 4)
	require.NoError(t, err)
	assert.True(t, until.After(now))

	ok, reason, err := gate.IsAvailable(ctx, "mira", "g1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "cooldown", reason)

	fake.Advance(5 * time.Second)
	ok, _, err = gate.IsAvailable(ctx, "mira", "g1")
	require.NoError(t, err)
	assert.True(t, ok)
}
