package scene

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/clock"
	"agora/internal/domain"
	"agora/internal/store/sqlite"
)

func newTestExecutor(t *testing.T) (*Executor, *sqlite.Store, *clock.FakeClock) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "scene.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.CreateGroup(context.Background(), domain.Group{ID: "g1", Name: "test"}))

	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	clk := clock.Fake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	return NewExecutor(store, catalog, clk, nil), store, clk
}

func batch(text string) []domain.BufferedMessage {
	return []domain.BufferedMessage{{ID: "m1", GroupID: "g1", AuthorID: "u1", AuthorKind: domain.AuthorUser, Content: text}}
}

func TestDefaultCatalogLoads(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)
	require.Len(t, catalog.Entries(), 3)

	entry, ok := catalog.Get("heated_debate")
	require.True(t, ok)
	assert.Equal(t, 15*time.Minute, entry.Duration)
	assert.True(t, entry.InterventionSequence[2].ResolvesTension)
}

func TestParseCatalogRejectsBadEntries(t *testing.T) {
	_, err := ParseCatalog([]byte(`
scenes:
  - code: broken
    trigger_type: keyword
    participant_roles: [a]
    min_ais: 1
    max_ais: 1
    duration: 1m
    intervention_sequence:
      - roles: [a]
        objective: nope
  - code: miscast
    trigger_type: keyword
    trigger_keywords: [hi]
    participant_roles: [a]
    min_ais: 1
    max_ais: 1
    duration: 1m
    intervention_sequence:
      - roles: [b]
        objective: nope
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger_keywords")
	assert.Contains(t, err.Error(), "undeclared role")
}

func TestMatchKeywordAndTension(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)

	entry, ok := catalog.Match(batch("Hot take: pineapple belongs on pizza"), nil, 3)
	require.True(t, ok)
	assert.Equal(t, "heated_debate", entry.Code)

	_, ok = catalog.Match(batch("hot take"), nil, 1)
	assert.False(t, ok)

	_, ok = catalog.Match(batch("nothing special"), nil, 3)
	assert.False(t, ok)

	seeds := []domain.TensionSeed{{Status: domain.SeedEscalating, EscalationLevel: 3}}
	entry, ok = catalog.Match(batch("nothing special"), seeds, 2)
	require.True(t, ok)
	assert.Equal(t, "reconciliation", entry.Code)
}

func TestAssignRolesWrapsAround(t *testing.T) {
	roles := AssignRoles([]string{"advocate", "skeptic", "moderator"}, []string{"a1", "a2"})
	assert.Equal(t, map[string]string{"advocate": "a1", "skeptic": "a2", "moderator": "a1"}, roles)
}

func TestOnlyOneRunningScenePerGroup(t *testing.T) {
	ctx := context.Background()
	exec, _, _ := newTestExecutor(t)
	entry, _ := exec.Catalog().Get("heated_debate")

	_, err := exec.Start(ctx, "g1", entry, []string{"a1", "a2", "a3"})
	require.NoError(t, err)

	_, err = exec.Start(ctx, "g1", entry, []string{"a1", "a2", "a3"})
	assert.ErrorIs(t, err, ErrSceneRunning)
}

func TestStartNeedsMinimumCast(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	entry, _ := exec.Catalog().Get("heated_debate")

	_, err := exec.Start(context.Background(), "g1", entry, []string{"a1"})
	assert.ErrorIs(t, err, ErrCastTooSmall)
}

func TestRecordTurnAdvancesToCompletion(t *testing.T) {
	ctx := context.Background()
	exec, store, _ := newTestExecutor(t)
	entry, _ := exec.Catalog().Get("heated_debate")

	started, err := exec.Start(ctx, "g1", entry, []string{"a1", "a2", "a3"})
	require.NoError(t, err)
	assert.Equal(t, "a1", started.RoleAssignments["advocate"])

	// Wrong agent for the step does not advance.
	got, done, err := exec.RecordTurn(ctx, started.ID, 0, "a2")
	require.NoError(t, err)
	assert.Nil(t, done)
	assert.Equal(t, 0, got.CurrentStep)

	_, done, err = exec.RecordTurn(ctx, started.ID, 0, "a1")
	require.NoError(t, err)
	require.NotNil(t, done)

	// A stale step index is ignored.
	got, done, err = exec.RecordTurn(ctx, started.ID, 0, "a1")
	require.NoError(t, err)
	assert.Nil(t, done)
	assert.Equal(t, 1, got.CurrentStep)

	_, _, err = exec.RecordTurn(ctx, started.ID, 1, "a2")
	require.NoError(t, err)
	got, done, err = exec.RecordTurn(ctx, started.ID, 2, "a3")
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.True(t, done.ResolvesTension)
	assert.Equal(t, domain.SceneCompleted, got.Status)
	require.NotNil(t, got.EndedAt)

	_, running, err := store.GetRunningScene(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestCheckBudgetAbortsOverrun(t *testing.T) {
	ctx := context.Background()
	exec, store, clk := newTestExecutor(t)
	entry, _ := exec.Catalog().Get("icebreaker")
	_, err := exec.Start(ctx, "g1", entry, []string{"a1", "a2"})
	require.NoError(t, err)

	aborted, err := exec.CheckBudget(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, aborted)

	clk.Advance(11 * time.Minute)
	aborted, err = exec.CheckBudget(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, aborted)

	scenes, err := store.ListSceneExecutions(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, scenes, 1)
	assert.Equal(t, domain.SceneAborted, scenes[0].Status)
	assert.Equal(t, AbortBudget, scenes[0].AbortReason)

	_, err = exec.Start(ctx, "g1", entry, []string{"a1", "a2"})
	assert.NoError(t, err)
}

func TestStepAgentsAndRole(t *testing.T) {
	exec := domain.SceneExecution{
		Status:          domain.SceneRunning,
		RoleAssignments: map[string]string{"mediator": "a1", "wronged": "a2"},
	}
	step := domain.SceneStep{Roles: []string{"wronged", "mediator"}}
	assert.Equal(t, []string{"a2", "a1"}, StepAgents(exec, step))

	role, ok := RoleIn(exec, step, "a1")
	require.True(t, ok)
	assert.Equal(t, "mediator", role)
	_, ok = RoleIn(exec, step, "a3")
	assert.False(t, ok)
}
