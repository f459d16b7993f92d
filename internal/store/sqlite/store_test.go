package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"agora/internal/domain"
)

func TestAddMemberSeedsAgentState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	groupID := createTestGroup(t, store)
	if err := store.AddMember(ctx, domain.GroupMember{
		GroupID:     groupID,
		MemberID:    "mira",
		Kind:        domain.AuthorAgent,
		DisplayName: "Mira",
		Traits:      domain.Traits{Sociability: 0.8},
	}, 0.5); err != nil {
		t.Fatalf("add agent: %v", err)
	}
	if err := store.AddMember(ctx, domain.GroupMember{
		GroupID:     groupID,
		MemberID:    "user-1",
		Kind:        domain.AuthorUser,
		DisplayName: "Sam",
	}, 0.5); err != nil {
		t.Fatalf("add user: %v", err)
	}

	members, err := store.ListMembers(ctx, groupID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members=%d want=2", len(members))
	}
	if members[0].Traits.Sociability != 0.8 {
		t.Fatalf("traits not persisted: %+v", members[0].Traits)
	}

	states, err := store.ListAgentStates(ctx, groupID)
	if err != nil {
		t.Fatalf("list agent states: %v", err)
	}
	if len(states) != 1 || states[0].AgentID != "mira" {
		t.Fatalf("unexpected agent states: %+v", states)
	}
	if states[0].DispositionScore != 0.5 {
		t.Fatalf("disposition=%v want=0.5", states[0].DispositionScore)
	}

	if err := store.RemoveMember(ctx, groupID, "mira"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if _, err := store.GetAgentState(ctx, groupID, "mira"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected agent state removed, got %v", err)
	}
}

func TestUpdateAgentStateRoundTripsTimes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	groupID := createTestGroup(t, store)
	addTestAgent(t, store, groupID, "ansel")

	cooldown := time.Now().UTC().Add(3 * time.Second).Truncate(time.Millisecond)
	responded := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := store.UpdateAgentState(ctx, groupID, "ansel", func(st *domain.AgentGroupState) error {
		st.CooldownUntil = &cooldown
		st.LastRespondedAt = &responded
		st.DispositionScore = 0.72
		st.RecentTurnFingerprints = append(st.RecentTurnFingerprints, "00ff", "0f0f")
		st.LoopStrikes = 1
		return nil
	}); err != nil {
		t.Fatalf("update agent state: %v", err)
	}

	st, err := store.GetAgentState(ctx, groupID, "ansel")
	if err != nil {
		t.Fatalf("get agent state: %v", err)
	}
	if st.CooldownUntil == nil || !st.CooldownUntil.Equal(cooldown) {
		t.Fatalf("cooldown=%v want=%v", st.CooldownUntil, cooldown)
	}
	if st.LastRespondedAt == nil || !st.LastRespondedAt.Equal(responded) {
		t.Fatalf("last responded=%v want=%v", st.LastRespondedAt, responded)
	}
	if len(st.RecentTurnFingerprints) != 2 || st.LoopStrikes != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}

	sentinel := errors.New("abort")
	if _, err := store.UpdateAgentState(ctx, groupID, "ansel", func(st *domain.AgentGroupState) error {
		st.DispositionScore = 0
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}
	st, _ = store.GetAgentState(ctx, groupID, "ansel")
	if st.DispositionScore != 0.72 {
		t.Fatalf("aborted update must not persist, disposition=%v", st.DispositionScore)
	}
}

func TestSeedTurnBudgetEnforcedBySchema(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	groupID := createTestGroup(t, store)
	seed := domain.TensionSeed{
		ID:       uuid.NewString(),
		GroupID:  groupID,
		Type:     "rivalry",
		Title:    "who took the last slice",
		Keywords: []string{"pizza"},
		Status:   domain.SeedActive,
		MaxTurns: 2,
	}
	if err := store.CreateSeed(ctx, seed); err != nil {
		t.Fatalf("create seed: %v", err)
	}
	if _, err := store.UpdateSeed(ctx, seed.ID, func(s *domain.TensionSeed) error {
		s.CurrentTurn = 3
		return nil
	}); err == nil {
		t.Fatalf("expected check constraint to reject current_turn > max_turns")
	}

	updated, err := store.UpdateSeed(ctx, seed.ID, func(s *domain.TensionSeed) error {
		s.CurrentTurn = 2
		s.Status = domain.SeedExpired
		return nil
	})
	if err != nil {
		t.Fatalf("update seed: %v", err)
	}
	if updated.Status != domain.SeedExpired {
		t.Fatalf("status=%s want=%s", updated.Status, domain.SeedExpired)
	}

	live, err := store.ListSeeds(ctx, groupID, domain.SeedActive, domain.SeedEscalating)
	if err != nil {
		t.Fatalf("list seeds: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected no live seeds, got %d", len(live))
	}
	all, err := store.ListSeeds(ctx, groupID)
	if err != nil {
		t.Fatalf("list all seeds: %v", err)
	}
	if len(all) != 1 || all[0].Keywords[0] != "pizza" {
		t.Fatalf("unexpected seeds: %+v", all)
	}
}

func TestOnlyOneRunningScenePerGroup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	groupID := createTestGroup(t, store)
	first := domain.SceneExecution{
		ID:              uuid.NewString(),
		GroupID:         groupID,
		SceneCode:       "icebreaker",
		Status:          domain.SceneRunning,
		RoleAssignments: map[string]string{"host": "mira"},
	}
	if err := store.CreateSceneExecution(ctx, first); err != nil {
		t.Fatalf("create first scene: %v", err)
	}
	second := first
	second.ID = uuid.NewString()
	if err := store.CreateSceneExecution(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for second running scene, got %v", err)
	}

	if _, err := store.UpdateSceneExecution(ctx, first.ID, func(e *domain.SceneExecution) error {
		now := time.Now().UTC()
		e.Status = domain.SceneCompleted
		e.EndedAt = &now
		return nil
	}); err != nil {
		t.Fatalf("complete scene: %v", err)
	}
	if err := store.CreateSceneExecution(ctx, second); err != nil {
		t.Fatalf("create scene after completion: %v", err)
	}

	running, ok, err := store.GetRunningScene(ctx, groupID)
	if err != nil {
		t.Fatalf("get running scene: %v", err)
	}
	if !ok || running.ID != second.ID || running.RoleAssignments["host"] != "mira" {
		t.Fatalf("unexpected running scene: %+v ok=%v", running, ok)
	}
}

func TestTranscriptRejectsInactiveGroups(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	groupID := createTestGroup(t, store)
	if err := store.SetGroupStatus(ctx, groupID, domain.GroupStatusHalted); err != nil {
		t.Fatalf("halt group: %v", err)
	}
	msg := domain.TranscriptMessage{ID: uuid.NewString(), GroupID: groupID, AuthorID: "mira", AuthorKind: domain.AuthorAgent, Content: "late"}
	if _, err := store.AppendTranscript(ctx, msg); !errors.Is(err, ErrGroupInactive) {
		t.Fatalf("expected ErrGroupInactive, got %v", err)
	}

	msg.GroupID = "missing"
	if _, err := store.AppendTranscript(ctx, msg); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	items, err := store.ListTranscript(ctx, groupID, 10)
	if err != nil {
		t.Fatalf("list transcript: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("halted group transcript should stay empty: %+v", items)
	}
}

func TestTranscriptSequenceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	groupID := createTestGroup(t, store)
	for i := 0; i < 5; i++ {
		msg, err := store.AppendTranscript(ctx, domain.TranscriptMessage{
			ID:         uuid.NewString(),
			GroupID:    groupID,
			AuthorID:   "user-1",
			AuthorKind: domain.AuthorUser,
			Content:    "hello",
		})
		if err != nil {
			t.Fatalf("append transcript: %v", err)
		}
		if msg.Seq != int64(i+1) {
			t.Fatalf("seq=%d want=%d", msg.Seq, i+1)
		}
	}

	latest, err := store.ListTranscript(ctx, groupID, 3)
	if err != nil {
		t.Fatalf("list transcript: %v", err)
	}
	if len(latest) != 3 || latest[0].Seq != 3 || latest[2].Seq != 5 {
		t.Fatalf("unexpected transcript window: %+v", latest)
	}
}

func TestBufferedJournalKeepsArrivalOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Now().UTC().Truncate(time.Millisecond)
	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for i, id := range ids {
		if err := store.AppendBuffered(ctx, domain.BufferedMessage{
			ID:         id,
			GroupID:    "g1",
			AuthorID:   "user-1",
			AuthorKind: domain.AuthorUser,
			Content:    "msg",
			ArrivedAt:  base.Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("append buffered: %v", err)
		}
	}
	if err := store.DeleteBuffered(ctx, ids[:1]); err != nil {
		t.Fatalf("delete buffered: %v", err)
	}

	rest, err := store.ListBuffered(ctx)
	if err != nil {
		t.Fatalf("list buffered: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != ids[1] || rest[1].ID != ids[2] {
		t.Fatalf("unexpected journal contents: %+v", rest)
	}
}

func TestJobIdempotencyAndRetry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	job := domain.Job{
		ID:             uuid.NewString(),
		Kind:           domain.JobGenerateResponse,
		GroupID:        "g1",
		AgentID:        "mira",
		IdempotencyKey: "gen:flush-1:mira",
		NextAttemptAt:  time.Now().UTC().Add(-time.Second),
	}
	created, err := store.CreateJob(ctx, job)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if !created {
		t.Fatalf("expected first job to be created")
	}
	dup := job
	dup.ID = uuid.NewString()
	created, err = store.CreateJob(ctx, dup)
	if err != nil {
		t.Fatalf("create duplicate job: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate job to be ignored by idempotency")
	}

	ready, err := store.ListDispatchableJobs(ctx, domain.JobGenerateResponse, 10, time.Now().UTC())
	if err != nil {
		t.Fatalf("list dispatchable: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != job.ID {
		t.Fatalf("unexpected dispatchable jobs: %+v", ready)
	}

	claimed, err := store.ClaimJob(ctx, job.ID, time.Now().UTC().Add(time.Minute))
	if err != nil || !claimed {
		t.Fatalf("claim job: claimed=%v err=%v", claimed, err)
	}
	claimed, err = store.ClaimJob(ctx, job.ID, time.Now().UTC().Add(time.Minute))
	if err != nil || claimed {
		t.Fatalf("second claim must lose: claimed=%v err=%v", claimed, err)
	}

	retry, err := store.RetryJob(ctx, job.ID, "transient", time.Now().UTC(), 2)
	if err != nil || !retry {
		t.Fatalf("first retry: retry=%v err=%v", retry, err)
	}
	if _, err := store.ClaimJob(ctx, job.ID, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("reclaim job: %v", err)
	}
	retry, err = store.RetryJob(ctx, job.ID, "transient", time.Now().UTC(), 2)
	if err != nil || retry {
		t.Fatalf("retry budget exhausted: retry=%v err=%v", retry, err)
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.JobStatusFailed || got.Attempts != 2 {
		t.Fatalf("unexpected job after retries: %+v", got)
	}
}

func TestRequeueExpiredAndCancelGroupJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	past := time.Now().UTC().Add(-time.Minute)
	for i, key := range []string{"flush:g1:1", "flush:g1:2"} {
		created, err := store.CreateJob(ctx, domain.Job{
			ID:             uuid.NewString(),
			Kind:           domain.JobFlushBuffer,
			GroupID:        "g1",
			IdempotencyKey: key,
			NextAttemptAt:  past.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil || !created {
			t.Fatalf("create job %s: created=%v err=%v", key, created, err)
		}
	}
	ready, err := store.ListDispatchableJobs(ctx, domain.JobFlushBuffer, 10, time.Now().UTC())
	if err != nil {
		t.Fatalf("list dispatchable: %v", err)
	}
	if _, err := store.ClaimJob(ctx, ready[0].ID, past); err != nil {
		t.Fatalf("claim job: %v", err)
	}

	requeued, err := store.RequeueExpiredJobs(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued=%d want=1", requeued)
	}

	cancelled, err := store.CancelGroupJobs(ctx, "g1")
	if err != nil {
		t.Fatalf("cancel group jobs: %v", err)
	}
	if cancelled != 2 {
		t.Fatalf("cancelled=%d want=2", cancelled)
	}
	counts, err := store.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if counts[domain.JobStatusCancelled] != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestDecisionLogNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for _, action := range []string{"agents_selected", "scene_started"} {
		if err := store.LogDecision(ctx, domain.DecisionLog{
			GroupID: "g1",
			Actor:   "director",
			Action:  action,
			Reason:  "test",
		}); err != nil {
			t.Fatalf("log decision: %v", err)
		}
	}
	decisions, err := store.ListGroupDecisions(ctx, "g1", 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 2 || decisions[0].Action != "scene_started" {
		t.Fatalf("unexpected decisions: %+v", decisions)
	}
}

func createTestGroup(t *testing.T, store *Store) string {
	t.Helper()
	groupID := uuid.NewString()
	if err := store.CreateGroup(context.Background(), domain.Group{ID: groupID, Name: "test"}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return groupID
}

func addTestAgent(t *testing.T, store *Store, groupID string, agentID string) {
	t.Helper()
	if err := store.AddMember(context.Background(), domain.GroupMember{
		GroupID:     groupID,
		MemberID:    agentID,
		Kind:        domain.AuthorAgent,
		DisplayName: agentID,
	}, 0.5); err != nil {
		t.Fatalf("add agent %s: %v", agentID, err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
