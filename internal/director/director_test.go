package director

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/clock"
	"agora/internal/disposition"
	"agora/internal/domain"
	"agora/internal/inflight"
	"agora/internal/jobs"
	"agora/internal/loopdetect"
	"agora/internal/messaging/inproc"
	"agora/internal/notify"
	"agora/internal/policy"
	"agora/internal/scene"
	"agora/internal/store/sqlite"
	"agora/internal/tension"
)

// fixedScorer gives every agent a constant raw score and no smoothing.
type fixedScorer map[string]float64

func (f fixedScorer) Raw(in disposition.Input) float64      { return f[in.Agent.MemberID] }
func (f fixedScorer) Smooth(_ float64, raw float64) float64 { return raw }

type memBuffer struct {
	mu   sync.Mutex
	msgs map[string][]domain.BufferedMessage
}

func (b *memBuffer) Append(_ context.Context, msg domain.BufferedMessage) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = map[string][]domain.BufferedMessage{}
	}
	b.msgs[msg.GroupID] = append(b.msgs[msg.GroupID], msg)
	return len(b.msgs[msg.GroupID]), nil
}

func (b *memBuffer) Drain(_ context.Context, groupID string) ([]domain.BufferedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.msgs[groupID]
	delete(b.msgs, groupID)
	return out, nil
}

type harness struct {
	store    *sqlite.Store
	clock    *clock.FakeClock
	buffer   *memBuffer
	queue    *inproc.Queue
	inflight *inflight.Registry
	director *Director
	group    domain.Group
}

func newHarness(t *testing.T, scores fixedScorer, cfg Config, loopMode loopdetect.Mode) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "director.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	clk := clock.Fake(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	catalog, err := scene.LoadCatalog("")
	require.NoError(t, err)

	h := &harness{
		store:    store,
		clock:    clk,
		buffer:   &memBuffer{},
		queue:    inproc.New(inproc.Config{}, clk),
		inflight: inflight.New(clk, time.Minute),
	}
	h.director = New(store, Components{
		Buffer: h.buffer,
		Queue:  h.queue,
		Scorer: scores,
		Gate: policy.NewAvailability(store, policy.Config{
			MaxActiveSpeakers: 3,
			BaseSpacing:       10 * time.Second,
			ReferenceSize:     3,
		}, clk, 1),
		Loops:    loopdetect.New(store, loopdetect.Config{Mode: loopMode}),
		Tension:  tension.NewManager(store, tension.Config{}, clk, nil),
		Scenes:   scene.NewExecutor(store, catalog, clk, nil),
		Inflight: h.inflight,
		Notifier: &notify.Recorder{},
		Clock:    clk,
	}, cfg, nil)

	h.group, err = h.director.CreateGroup(ctx, "porch")
	require.NoError(t, err)
	_, err = h.director.AddMember(ctx, domain.GroupMember{GroupID: h.group.ID, MemberID: "sam", Kind: domain.AuthorUser})
	require.NoError(t, err)
	for _, id := range []string{"ada", "bo", "cy"} {
		_, err := h.director.AddMember(ctx, domain.GroupMember{GroupID: h.group.ID, MemberID: id, Kind: domain.AuthorAgent})
		require.NoError(t, err)
	}
	return h
}

func (h *harness) say(t *testing.T, content string) {
	t.Helper()
	_, err := h.buffer.Append(context.Background(), domain.BufferedMessage{
		ID:         content,
		GroupID:    h.group.ID,
		AuthorID:   "sam",
		AuthorKind: domain.AuthorUser,
		Content:    content,
		ArrivedAt:  h.clock.Now(),
	})
	require.NoError(t, err)
}

func (h *harness) flush(t *testing.T) FlushResult {
	t.Helper()
	res, err := h.director.Flush(context.Background(), h.group.ID, "tok")
	require.NoError(t, err)
	return res
}

// finish simulates the worker releasing every reservation of res.
func (h *harness) finish(res FlushResult) {
	for _, s := range res.Selected {
		h.inflight.Release(h.group.ID, s.AgentID, s.JobID)
	}
}

func (h *harness) generateJobs() []domain.Job {
	var out []domain.Job
	for _, job := range h.queue.Jobs() {
		if job.Kind == domain.JobGenerateResponse {
			out = append(out, job)
		}
	}
	return out
}

func selectedIDs(res FlushResult) []string {
	ids := make([]string, 0, len(res.Selected))
	for _, s := range res.Selected {
		ids = append(ids, s.AgentID)
	}
	return ids
}

func TestEmptyFlushSchedulesNothing(t *testing.T) {
	h := newHarness(t, fixedScorer{"ada": 0.9}, Config{}, "")

	res := h.flush(t)
	assert.Empty(t, res.Selected)
	assert.Empty(t, h.generateJobs())

	decisions, err := h.store.ListGroupDecisions(context.Background(), h.group.ID, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "flush_empty", decisions[0].Action)
}

func TestPacingSelectsTopAgentAndCooldownHolds(t *testing.T) {
	h := newHarness(t, fixedScorer{"ada": 0.9, "bo": 0.3, "cy": 0.1}, Config{PacingK: 1}, "")

	h.say(t, "what should we cook tonight?")
	first := h.flush(t)
	assert.Equal(t, []string{"ada"}, selectedIDs(first))
	assert.Equal(t, "pacing", first.Excluded["bo"])
	assert.Equal(t, "pacing", first.Excluded["cy"])

	generated := h.generateJobs()
	require.Len(t, generated, 1)
	assert.Equal(t, "ada", generated[0].AgentID)
	req, err := jobs.DecodeGenerate(generated[0])
	require.NoError(t, err)
	assert.Equal(t, 0, req.Rank)
	assert.Equal(t, 1, req.FlushSize)
	assert.Len(t, req.Batch, 1)
	h.finish(first)

	// Scores are unchanged, but ada is still resting.
	h.clock.Advance(2 * time.Second)
	h.say(t, "maybe pasta?")
	second := h.flush(t)
	assert.Equal(t, []string{"bo"}, selectedIDs(second))
	assert.Equal(t, "cooldown", second.Excluded["ada"])
	h.finish(second)

	h.clock.Advance(10 * time.Second)
	h.say(t, "or tacos")
	third := h.flush(t)
	assert.Equal(t, []string{"ada"}, selectedIDs(third))
}

func TestReservedAgentIsNotScheduledTwice(t *testing.T) {
	h := newHarness(t, fixedScorer{"ada": 0.9, "bo": 0.5, "cy": 0.1}, Config{PacingK: 1}, "")
	require.NoError(t, h.inflight.Reserve(h.group.ID, "ada", "earlier-job"))

	h.say(t, "anyone around?")
	res := h.flush(t)
	assert.Equal(t, []string{"bo"}, selectedIDs(res))
	assert.Equal(t, "in_flight", res.Excluded["ada"])
}

func TestSelectionCarriesRankOrder(t *testing.T) {
	h := newHarness(t, fixedScorer{"ada": 0.2, "bo": 0.8, "cy": 0.5}, Config{PacingK: 3}, "")

	h.say(t, "thoughts on the new park?")
	res := h.flush(t)
	require.Equal(t, []string{"bo", "cy", "ada"}, selectedIDs(res))
	for i, s := range res.Selected {
		assert.Equal(t, i, s.Rank)
	}
}

func TestLoopingAgentIsSilencedOrRedirectedNeverBoth(t *testing.T) {
	for _, tc := range []struct {
		mode      loopdetect.Mode
		silenced  bool
		redirects bool
	}{
		{mode: loopdetect.ModeTopicBreak, redirects: true},
		{mode: loopdetect.ModeSilence, silenced: true},
		{mode: loopdetect.ModeEscalate, redirects: true},
	} {
		t.Run(string(tc.mode), func(t *testing.T) {
			h := newHarness(t, fixedScorer{"ada": 0.9, "bo": 0.4, "cy": 0.1}, Config{PacingK: 2}, tc.mode)
			fp := loopdetect.Fingerprint("honestly the best thing about fall is the soup")
			_, err := h.store.UpdateAgentState(context.Background(), h.group.ID, "ada", func(st *domain.AgentGroupState) error {
				st.RecentTurnFingerprints = []string{fp, fp}
				return nil
			})
			require.NoError(t, err)

			h.say(t, "what's good this season?")
			res := h.flush(t)

			var selected *Selection
			for i := range res.Selected {
				if res.Selected[i].AgentID == "ada" {
					selected = &res.Selected[i]
				}
			}
			_, excluded := res.Excluded["ada"]
			assert.False(t, selected != nil && excluded, "ada both selected and excluded")
			if tc.silenced {
				assert.Nil(t, selected)
				assert.Equal(t, "loop_silenced", res.Excluded["ada"])
			}
			if tc.redirects {
				require.NotNil(t, selected)
				assert.True(t, selected.Hints.TopicBreak)
				assert.Equal(t, loopdetect.PatternSelfRepeat, selected.Hints.LoopPattern)
			}

			st, err := h.store.GetAgentState(context.Background(), h.group.ID, "ada")
			require.NoError(t, err)
			assert.Equal(t, 1, st.LoopStrikes)
		})
	}
}

func TestSilencedAgentReturnsOnNextFlush(t *testing.T) {
	h := newHarness(t, fixedScorer{"ada": 0.9, "bo": 0.4, "cy": 0.1}, Config{PacingK: 2}, loopdetect.ModeSilence)
	fp := loopdetect.Fingerprint("honestly the best thing about fall is the soup")
	_, err := h.store.UpdateAgentState(context.Background(), h.group.ID, "ada", func(st *domain.AgentGroupState) error {
		st.RecentTurnFingerprints = []string{fp, fp}
		return nil
	})
	require.NoError(t, err)

	h.say(t, "what's good this season?")
	first := h.flush(t)
	assert.Equal(t, "loop_silenced", first.Excluded["ada"])
	assert.Equal(t, []string{"bo", "cy"}, selectedIDs(first))
	h.finish(first)

	st, err := h.store.GetAgentState(context.Background(), h.group.ID, "ada")
	require.NoError(t, err)
	assert.Empty(t, st.RecentTurnFingerprints)

	h.clock.Advance(10 * time.Minute)
	h.say(t, "anyone planning a hike?")
	second := h.flush(t)
	assert.Contains(t, selectedIDs(second), "ada")
	assert.NotContains(t, second.Excluded, "ada")

	st, err = h.store.GetAgentState(context.Background(), h.group.ID, "ada")
	require.NoError(t, err)
	assert.Equal(t, 0, st.LoopStrikes)
}

func TestEscalateSilencesOnlyWhenRepetitionContinues(t *testing.T) {
	h := newHarness(t, fixedScorer{"ada": 0.9, "bo": 0.4, "cy": 0.1}, Config{PacingK: 1}, loopdetect.ModeEscalate)
	fp := loopdetect.Fingerprint("honestly the best thing about fall is the soup")
	_, err := h.store.UpdateAgentState(context.Background(), h.group.ID, "ada", func(st *domain.AgentGroupState) error {
		st.RecentTurnFingerprints = []string{fp, fp}
		return nil
	})
	require.NoError(t, err)

	h.say(t, "what's good this season?")
	first := h.flush(t)
	require.Equal(t, []string{"ada"}, selectedIDs(first))
	assert.True(t, first.Selected[0].Hints.TopicBreak)
	h.finish(first)

	// ada ignores the topic break and says the same thing again.
	_, err = h.store.UpdateAgentState(context.Background(), h.group.ID, "ada", func(st *domain.AgentGroupState) error {
		st.RecentTurnFingerprints = append(st.RecentTurnFingerprints, fp)
		return nil
	})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	h.say(t, "anything else?")
	second := h.flush(t)
	assert.Equal(t, "loop_silenced", second.Excluded["ada"])

	st, err := h.store.GetAgentState(context.Background(), h.group.ID, "ada")
	require.NoError(t, err)
	assert.Equal(t, 2, st.LoopStrikes)
}

func TestKeywordStartsSceneAndRestrictsToCast(t *testing.T) {
	h := newHarness(t, fixedScorer{"ada": 0.9, "bo": 0.6, "cy": 0.3}, Config{PacingK: 2}, "")

	h.say(t, "hot take: cats are better than dogs")
	res := h.flush(t)
	require.NotEmpty(t, res.SceneID)
	require.Equal(t, []string{"ada"}, selectedIDs(res))
	hints := res.Selected[0].Hints
	assert.Equal(t, "heated_debate", hints.SceneCode)
	assert.Equal(t, "advocate", hints.SceneRole)
	assert.Equal(t, 0, hints.SceneStep)
	assert.NotEmpty(t, hints.SceneObjective)
	assert.Equal(t, "not_in_scene_step", res.Excluded["bo"])

	// A second trigger while the scene runs must not start another.
	h.finish(res)
	h.clock.Advance(time.Minute)
	h.say(t, "I disagree, unpopular opinion incoming")
	again := h.flush(t)
	assert.Equal(t, res.SceneID, again.SceneID)

	scenes, err := h.store.ListSceneExecutions(context.Background(), h.group.ID, 10)
	require.NoError(t, err)
	assert.Len(t, scenes, 1)
}

func TestConflictCuePlantsSeed(t *testing.T) {
	h := newHarness(t, fixedScorer{"ada": 0.9, "bo": 0.4, "cy": 0.1}, Config{PacingK: 1}, "")

	h.say(t, "honestly I feel betrayed by the book club")
	h.flush(t)

	seeds, err := h.store.ListSeeds(context.Background(), h.group.ID)
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, domain.SeedLatent, seeds[0].Status)
	assert.Equal(t, "betrayal", seeds[0].Type)
}

func TestHaltCancelsWorkAndBlocksPosts(t *testing.T) {
	h := newHarness(t, fixedScorer{"ada": 0.9, "bo": 0.4, "cy": 0.1}, Config{PacingK: 2}, "")
	ctx := context.Background()

	h.say(t, "who's around this weekend?")
	res := h.flush(t)
	require.Len(t, res.Selected, 2)
	h.say(t, "still buffered")

	require.NoError(t, h.director.Halt(ctx, h.group.ID))

	for _, job := range h.generateJobs() {
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
	}
	assert.False(t, h.inflight.Busy(h.group.ID, "ada"))
	pending, err := h.buffer.Drain(ctx, h.group.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = h.director.PostMessage(ctx, h.group.ID, "sam", "hello?")
	assert.ErrorIs(t, err, ErrGroupInactive)

	require.NoError(t, h.director.Resume(ctx, h.group.ID))
	msg, err := h.director.PostMessage(ctx, h.group.ID, "sam", "back again")
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
}

// haltBeforeAppend halts the group between PostMessage's status check
// and the transcript write.
type haltBeforeAppend struct {
	*sqlite.Store
}

func (s haltBeforeAppend) AppendTranscript(ctx context.Context, msg domain.TranscriptMessage) (domain.TranscriptMessage, error) {
	if err := s.SetGroupStatus(ctx, msg.GroupID, domain.GroupStatusHalted); err != nil {
		return domain.TranscriptMessage{}, err
	}
	return s.Store.AppendTranscript(ctx, msg)
}

func TestPostRacingHaltIsRejected(t *testing.T) {
	h := newHarness(t, fixedScorer{}, Config{}, "")
	ctx := context.Background()
	d := New(haltBeforeAppend{h.store}, h.director.c, h.director.cfg, nil)

	_, err := d.PostMessage(ctx, h.group.ID, "sam", "anyone?")
	assert.ErrorIs(t, err, ErrGroupInactive)

	transcript, err := h.store.ListTranscript(ctx, h.group.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, transcript)
	pending, err := h.buffer.Drain(ctx, h.group.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeleteAbortsSceneAndExpiresSeeds(t *testing.T) {
	h := newHarness(t, fixedScorer{"ada": 0.9, "bo": 0.6, "cy": 0.3}, Config{PacingK: 1}, "")
	ctx := context.Background()

	h.say(t, "hot take: the landlord lied to all of us")
	res := h.flush(t)
	require.NotEmpty(t, res.SceneID)

	require.NoError(t, h.director.DeleteGroup(ctx, h.group.ID))

	scenes, err := h.store.ListSceneExecutions(ctx, h.group.ID, 10)
	require.NoError(t, err)
	require.Len(t, scenes, 1)
	assert.Equal(t, domain.SceneAborted, scenes[0].Status)
	assert.Equal(t, scene.AbortDeleted, scenes[0].AbortReason)

	seeds, err := h.store.ListSeeds(ctx, h.group.ID)
	require.NoError(t, err)
	require.NotEmpty(t, seeds)
	for _, seed := range seeds {
		assert.Equal(t, domain.SeedExpired, seed.Status)
	}

	group, err := h.director.GetGroup(ctx, h.group.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupStatusDeleted, group.Status)
	_, err = h.director.Flush(ctx, h.group.ID, "late")
	assert.NoError(t, err)
}

func TestPostMessageRejectsStrangersAndAgents(t *testing.T) {
	h := newHarness(t, fixedScorer{}, Config{}, "")
	ctx := context.Background()

	_, err := h.director.PostMessage(ctx, h.group.ID, "mallory", "hi")
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = h.director.PostMessage(ctx, h.group.ID, "ada", "hi")
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = h.director.PostMessage(ctx, h.group.ID, "sam", "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	msg, err := h.director.PostMessage(ctx, h.group.ID, "sam", "evening all")
	require.NoError(t, err)
	pending, err := h.buffer.Drain(ctx, h.group.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msg.ID, pending[0].ID)
}

func TestSetRelationshipValidatesRanges(t *testing.T) {
	h := newHarness(t, fixedScorer{}, Config{}, "")
	ctx := context.Background()

	err := h.director.SetRelationship(ctx, domain.Relationship{AgentID: "ada", UserID: "sam", Affinity: 1.5})
	assert.ErrorIs(t, err, ErrInvalidInput)
	require.NoError(t, h.director.SetRelationship(ctx, domain.Relationship{AgentID: "ada", UserID: "sam", Affinity: -0.4, Familiarity: 0.7}))
}
