package director

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"agora/internal/disposition"
	"agora/internal/domain"
	"agora/internal/inflight"
	"agora/internal/jobs"
	"agora/internal/loopdetect"
	"agora/internal/scene"
	"agora/internal/store/sqlite"
)

// Selection is one responder chosen by a flush.
type Selection struct {
	AgentID     string       `json:"agent_id"`
	Rank        int          `json:"rank"`
	Disposition float64      `json:"disposition"`
	JobID       string       `json:"job_id"`
	Hints       domain.Hints `json:"hints"`
}

// FlushResult summarises one flush for the decision log and tests.
type FlushResult struct {
	FlushID  string            `json:"flush_id,omitempty"`
	Batch    int               `json:"batch"`
	Selected []Selection       `json:"selected"`
	Excluded map[string]string `json:"excluded,omitempty"`
	SceneID  string            `json:"scene_id,omitempty"`
}

type candidate struct {
	member domain.GroupMember
	state  domain.AgentGroupState
	score  float64
	loop   loopdetect.Action
	// pattern is set when the loop detector flagged the agent.
	pattern string
}

// Handle runs a FLUSH_BUFFER job.
func (d *Director) Handle(ctx context.Context, job domain.Job) error {
	req, err := jobs.DecodeFlush(job)
	if err != nil {
		return err
	}
	_, err = d.Flush(ctx, job.GroupID, req.Token)
	return err
}

// Flush drains the group's buffer and schedules this round's replies.
// A flush that drains nothing does nothing.
func (d *Director) Flush(ctx context.Context, groupID string, token string) (FlushResult, error) {
	mu := d.groupLock(groupID)
	mu.Lock()
	defer mu.Unlock()

	group, err := d.store.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return FlushResult{}, jobs.Permanent(err)
		}
		return FlushResult{}, err
	}
	if group.Status != domain.GroupStatusActive {
		dropped, _ := d.c.Buffer.Drain(ctx, groupID)
		d.logDecision(ctx, groupID, "flush_skipped", "group is "+string(group.Status),
			map[string]any{"token": token, "dropped_messages": len(dropped)})
		return FlushResult{}, nil
	}

	batch, err := d.c.Buffer.Drain(ctx, groupID)
	if err != nil {
		return FlushResult{}, fmt.Errorf("drain buffer: %w", err)
	}
	if len(batch) == 0 {
		d.logDecision(ctx, groupID, "flush_empty", "nothing buffered", map[string]string{"token": token})
		return FlushResult{}, nil
	}

	result, err := d.flush(ctx, group, batch)
	if err != nil {
		d.logger.Error("flush failed", "group_id", groupID, "batch", len(batch), "err", err)
		return result, err
	}
	d.logDecision(ctx, groupID, "agents_selected", fmt.Sprintf("%d agents answer %d messages",
		len(result.Selected), len(batch)), result)
	d.logger.Info("flush done", "group_id", groupID, "flush_id", result.FlushID,
		"batch", len(batch), "selected", len(result.Selected), "excluded", len(result.Excluded))
	return result, nil
}

func (d *Director) flush(ctx context.Context, group domain.Group, batch []domain.BufferedMessage) (FlushResult, error) {
	groupID := group.ID
	now := d.c.Clock.Now().UTC()
	result := FlushResult{FlushID: uuid.NewString(), Batch: len(batch), Excluded: map[string]string{}}

	if err := d.updateTension(ctx, groupID, batch); err != nil {
		return result, err
	}

	members, err := d.store.ListMembers(ctx, groupID)
	if err != nil {
		return result, err
	}
	var agents []domain.GroupMember
	for _, m := range members {
		if m.Kind == domain.AuthorAgent {
			agents = append(agents, m)
		}
	}
	if len(agents) == 0 {
		return result, nil
	}

	states, err := d.store.ListAgentStates(ctx, groupID)
	if err != nil {
		return result, err
	}
	stateByAgent := make(map[string]domain.AgentGroupState, len(states))
	for _, st := range states {
		stateByAgent[st.AgentID] = st
	}

	report, err := d.c.Loops.Detect(ctx, groupID)
	if err != nil {
		return result, fmt.Errorf("detect loops: %w", err)
	}

	lastSpeaker := ""
	if last, err := d.store.ListTranscript(ctx, groupID, 1); err != nil {
		return result, err
	} else if len(last) > 0 {
		lastSpeaker = last[len(last)-1].AuthorID
	}

	all := make([]candidate, 0, len(agents))
	for _, agent := range agents {
		c, err := d.score(ctx, agent, stateByAgent[agent.MemberID], batch, report, now)
		if err != nil {
			return result, err
		}
		all = append(all, c)
	}
	rankCandidates(all)

	eligible := make([]candidate, 0, len(all))
	for _, c := range all {
		id := c.member.MemberID
		switch {
		case c.loop == loopdetect.ActionSilence:
			result.Excluded[id] = "loop_silenced"
		case d.c.Inflight.Busy(groupID, id):
			result.Excluded[id] = "in_flight"
		case c.score < d.cfg.MinDisposition:
			result.Excluded[id] = "low_disposition"
		default:
			if ok, reason := d.c.Gate.Check(c.state, lastSpeaker, now); !ok {
				result.Excluded[id] = reason
				continue
			}
			eligible = append(eligible, c)
		}
	}

	exec, entry, running, err := d.sceneFor(ctx, groupID, batch, all, len(agents))
	if err != nil {
		return result, err
	}
	var step domain.SceneStep
	if running {
		result.SceneID = exec.ID
		var ok bool
		step, ok = scene.CurrentStep(exec, entry)
		if ok {
			eligible = restrictToStep(eligible, exec, step, result.Excluded)
		}
	}

	k := d.cfg.PacingK
	if maxSpeakers := d.c.Gate.MaxActiveSpeakers(); maxSpeakers < k {
		k = maxSpeakers
	}

	type pick struct {
		candidate
		jobID string
	}
	var picks []pick
	for _, c := range eligible {
		if len(picks) >= k {
			result.Excluded[c.member.MemberID] = "pacing"
			continue
		}
		jobID := uuid.NewString()
		if err := d.c.Inflight.Reserve(groupID, c.member.MemberID, jobID); err != nil {
			if errors.Is(err, inflight.ErrDoubleScheduled) {
				d.logDecision(ctx, groupID, "double_schedule_rejected", err.Error(),
					map[string]string{"agent_id": c.member.MemberID})
				result.Excluded[c.member.MemberID] = "in_flight"
				continue
			}
			return result, err
		}
		picks = append(picks, pick{candidate: c, jobID: jobID})
	}

	size := len(picks)
	abandonFrom := func(from int) {
		for r := from; r < size; r++ {
			d.abandon(groupID, picks[r].member.MemberID, picks[r].jobID, result.FlushID, r, size)
		}
	}
	for rank, p := range picks {
		agentID := p.member.MemberID
		hints, err := d.hintsFor(ctx, groupID, p.candidate, exec, step, running)
		if err != nil {
			abandonFrom(rank)
			return result, err
		}
		if _, err := d.c.Gate.StartCooldown(ctx, groupID, agentID, len(agents)); err != nil {
			abandonFrom(rank)
			return result, err
		}

		req := domain.GenerateRequest{
			FlushID:   result.FlushID,
			Rank:      rank,
			FlushSize: size,
			Batch:     batch,
			Hints:     hints,
		}
		job, err := jobs.NewGenerateJob(groupID, agentID, req, now)
		if err != nil {
			abandonFrom(rank)
			return result, err
		}
		job.ID = p.jobID
		created, err := d.c.Queue.Enqueue(ctx, job)
		if err != nil || !created {
			d.abandon(groupID, agentID, p.jobID, result.FlushID, rank, size)
			if err != nil {
				d.logDecision(ctx, groupID, "enqueue_failed", err.Error(), map[string]string{"agent_id": agentID})
				d.logger.Error("enqueue reply failed", "group_id", groupID, "agent_id", agentID, "err", err)
			}
			continue
		}
		if p.pattern != "" {
			d.logDecision(ctx, groupID, "loop_flagged", "agent told to change topic",
				map[string]any{"agent_id": agentID, "pattern": p.pattern, "strikes": p.state.LoopStrikes})
		}
		result.Selected = append(result.Selected, Selection{
			AgentID:     agentID,
			Rank:        rank,
			Disposition: p.score,
			JobID:       job.ID,
			Hints:       hints,
		})
	}

	for _, c := range all {
		if c.loop == loopdetect.ActionSilence {
			d.logDecision(ctx, groupID, "loop_flagged", "agent silenced for this flush",
				map[string]any{"agent_id": c.member.MemberID, "pattern": c.pattern, "strikes": c.state.LoopStrikes})
		}
	}

	if err := d.progressTension(ctx, groupID, batch, agents, result.Selected); err != nil {
		return result, err
	}
	return result, nil
}

// score refreshes the agent's smoothed disposition and loop strikes in
// one write.
func (d *Director) score(
	ctx context.Context,
	agent domain.GroupMember,
	st domain.AgentGroupState,
	batch []domain.BufferedMessage,
	report loopdetect.Report,
	now time.Time,
) (candidate, error) {
	rels, err := d.store.ListRelationships(ctx, agent.MemberID)
	if err != nil {
		return candidate{}, err
	}
	raw := d.c.Scorer.Raw(disposition.Input{
		Agent:           agent,
		Relationships:   rels,
		LastRespondedAt: st.LastRespondedAt,
		Batch:           batch,
		Now:             now,
	})
	pattern, flagged := report.Flagged[agent.MemberID]

	var action loopdetect.Action
	updated, err := d.store.UpdateAgentState(ctx, agent.GroupID, agent.MemberID, func(s *domain.AgentGroupState) error {
		s.DispositionScore = d.c.Scorer.Smooth(s.DispositionScore, raw)
		if flagged {
			s.LoopStrikes++
			action = d.c.Loops.ActionFor(s.LoopStrikes)
			// Only turns made after this strike count toward the next one.
			s.RecentTurnFingerprints = d.c.Loops.Settle(s.RecentTurnFingerprints, action)
		} else {
			s.LoopStrikes = 0
		}
		return nil
	})
	if err != nil {
		return candidate{}, fmt.Errorf("update disposition of %s: %w", agent.MemberID, err)
	}
	c := candidate{member: agent, state: updated, score: updated.DispositionScore, loop: action}
	if flagged {
		c.pattern = pattern
	}
	return c, nil
}

// rankCandidates orders by disposition, highest first. Ties go to the
// agent that spoke least recently, then to the member id.
func rankCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].score != cs[j].score {
			return cs[i].score > cs[j].score
		}
		li, lj := cs[i].state.LastRespondedAt, cs[j].state.LastRespondedAt
		switch {
		case li == nil && lj != nil:
			return true
		case li != nil && lj == nil:
			return false
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.Before(*lj)
		}
		return cs[i].member.MemberID < cs[j].member.MemberID
	})
}

// sceneFor returns the running scene, starting one when the batch
// matches the catalog and none runs.
func (d *Director) sceneFor(
	ctx context.Context,
	groupID string,
	batch []domain.BufferedMessage,
	ranked []candidate,
	agentCount int,
) (domain.SceneExecution, domain.SceneCatalogEntry, bool, error) {
	if aborted, err := d.c.Scenes.CheckBudget(ctx, groupID); err != nil {
		return domain.SceneExecution{}, domain.SceneCatalogEntry{}, false, err
	} else if aborted {
		d.logDecision(ctx, groupID, "scene_aborted", scene.AbortBudget, nil)
	}
	exec, entry, running, err := d.c.Scenes.Running(ctx, groupID)
	if err != nil || running {
		return exec, entry, running, err
	}

	seeds, err := d.store.ListSeeds(ctx, groupID, domain.SeedActive, domain.SeedEscalating)
	if err != nil {
		return domain.SceneExecution{}, domain.SceneCatalogEntry{}, false, err
	}
	entry, ok := d.c.Scenes.Catalog().Match(batch, seeds, agentCount)
	if !ok {
		return domain.SceneExecution{}, domain.SceneCatalogEntry{}, false, nil
	}

	var cast []string
	for _, c := range ranked {
		if c.loop != loopdetect.ActionSilence {
			cast = append(cast, c.member.MemberID)
		}
	}
	exec, err = d.c.Scenes.Start(ctx, groupID, entry, cast)
	switch {
	case errors.Is(err, scene.ErrSceneRunning), errors.Is(err, scene.ErrCastTooSmall):
		d.logDecision(ctx, groupID, "scene_rejected", err.Error(), map[string]string{"scene": entry.Code})
		return domain.SceneExecution{}, domain.SceneCatalogEntry{}, false, nil
	case err != nil:
		return domain.SceneExecution{}, domain.SceneCatalogEntry{}, false, err
	}
	d.logDecision(ctx, groupID, "scene_started", "batch matched "+entry.Code, exec)
	return exec, entry, true, nil
}

// restrictToStep keeps only agents cast in the step's roles, ordered
// as they were.
func restrictToStep(cs []candidate, exec domain.SceneExecution, step domain.SceneStep, excluded map[string]string) []candidate {
	cast := map[string]bool{}
	for _, id := range scene.StepAgents(exec, step) {
		cast[id] = true
	}
	out := cs[:0:0]
	for _, c := range cs {
		if cast[c.member.MemberID] {
			out = append(out, c)
			continue
		}
		excluded[c.member.MemberID] = "not_in_scene_step"
	}
	return out
}

func (d *Director) hintsFor(
	ctx context.Context,
	groupID string,
	c candidate,
	exec domain.SceneExecution,
	step domain.SceneStep,
	running bool,
) (domain.Hints, error) {
	var hints domain.Hints
	seed, ok, err := d.c.Tension.Focus(ctx, groupID, c.member.MemberID)
	if err != nil {
		return hints, err
	}
	if ok {
		hints.SeedID = seed.ID
		hints.SeedTitle = seed.Title
		hints.EscalationLevel = seed.EscalationLevel
		hints.ToneHint = d.c.Tension.Machine().ToneHint(seed.EscalationLevel)
	}
	if running {
		if role, cast := scene.RoleIn(exec, step, c.member.MemberID); cast {
			hints.SceneID = exec.ID
			hints.SceneCode = exec.SceneCode
			hints.SceneStep = exec.CurrentStep
			hints.SceneRole = role
			hints.SceneObjective = step.Objective
			hints.SceneDirective = step.Directive
		}
	}
	if c.loop == loopdetect.ActionTopicBreak {
		hints.TopicBreak = true
		hints.LoopPattern = c.pattern
	}
	return hints, nil
}

// abandon undoes a reservation that never became a job and unblocks
// later ranks of the flush.
func (d *Director) abandon(groupID, agentID, jobID, flushID string, rank, size int) {
	d.c.Inflight.Release(groupID, agentID, jobID)
	if d.c.Barrier != nil {
		d.c.Barrier.Done(flushID, rank, size)
	}
}

func (d *Director) updateTension(ctx context.Context, groupID string, batch []domain.BufferedMessage) error {
	if n, err := d.c.Tension.Sweep(ctx, groupID); err != nil {
		return err
	} else if n > 0 {
		d.logDecision(ctx, groupID, "seed_expired", "latent seeds never surfaced", map[string]int{"count": n})
	}
	surfaced, err := d.c.Tension.Surface(ctx, groupID, batch)
	if err != nil {
		return err
	}
	for _, seed := range surfaced {
		d.logDecision(ctx, groupID, "seed_surfaced", seed.Title, seed)
	}
	resolving, err := d.c.Tension.ResolveMentioned(ctx, groupID, batch)
	if err != nil {
		return err
	}
	for _, seed := range resolving {
		d.logDecision(ctx, groupID, "seed_resolving", seed.Title, seed)
	}
	return nil
}

// progressTension plants new seeds from conflict cues in the batch.
// Seeds only advance on agent replies, which the worker records.
func (d *Director) progressTension(
	ctx context.Context,
	groupID string,
	batch []domain.BufferedMessage,
	agents []domain.GroupMember,
	selected []Selection,
) error {
	fallback := make([]string, 0, len(selected))
	for _, s := range selected {
		fallback = append(fallback, s.AgentID)
	}
	planted, err := d.c.Tension.Plant(ctx, groupID, batch, agents, fallback)
	if err != nil {
		return err
	}
	for _, seed := range planted {
		d.logDecision(ctx, groupID, "seed_planted", seed.Title, seed)
	}
	return nil
}
