// Package worker runs GENERATE_RESPONSE jobs: it paces a reply like a
// person reading and typing, calls the generator and publishes the
// result in the order the director chose.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"agora/internal/clock"
	"agora/internal/domain"
	"agora/internal/generation"
	"agora/internal/jobs"
	"agora/internal/loopdetect"
	"agora/internal/notify"
	"agora/internal/ordering"
	"agora/internal/scene"
	"agora/internal/store/sqlite"
	"agora/internal/tension"
)

type Store interface {
	GetGroup(ctx context.Context, groupID string) (domain.Group, error)
	ListMembers(ctx context.Context, groupID string) ([]domain.GroupMember, error)
	ListTranscript(ctx context.Context, groupID string, limit int) ([]domain.TranscriptMessage, error)
	AppendTranscript(ctx context.Context, msg domain.TranscriptMessage) (domain.TranscriptMessage, error)
	UpdateAgentState(ctx context.Context, groupID string, agentID string, fn func(*domain.AgentGroupState) error) (domain.AgentGroupState, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Claims interface {
	Claim(ctx context.Context, groupID, agentID, jobID string) (context.Context, func(), error)
}

type Barrier interface {
	Wait(ctx context.Context, flushID string, rank int, size int) error
	Done(flushID string, rank int, size int)
}

type Timing interface {
	ReadingDelay(batch []domain.BufferedMessage) time.Duration
	TypingDuration(text string) time.Duration
}

type Smoother interface {
	Smooth(old float64, raw float64) float64
}

type Fingerprints interface {
	Remember(window []string, fp string) []string
}

// Components are the worker's collaborators. Tension and Scenes may be
// nil when narrative tracking is off.
type Components struct {
	Generator generation.Generator
	Claims    Claims
	Barrier   Barrier
	Timing    Timing
	Scorer    Smoother
	Loops     Fingerprints
	Tension   *tension.Manager
	Scenes    *scene.Executor
	Notifier  notify.Notifier
	Clock     clock.Clock
}

type Config struct {
	// GenerationTimeout bounds one generator call.
	GenerationTimeout time.Duration
	// ContextMessages is how many transcript turns the generator sees.
	ContextMessages int
	// SatiationRaw is the raw disposition folded in after the agent
	// speaks, so it cools down instead of dominating the next flush.
	SatiationRaw float64
	// TypingRefresh re-emits the typing indicator while a reply is
	// being produced.
	TypingRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = 30 * time.Second
	}
	if c.ContextMessages <= 0 {
		c.ContextMessages = 20
	}
	if c.SatiationRaw < 0 || c.SatiationRaw > 1 {
		c.SatiationRaw = 0.1
	}
	if c.TypingRefresh <= 0 {
		c.TypingRefresh = 4 * time.Second
	}
	return c
}

type Worker struct {
	store  Store
	c      Components
	cfg    Config
	logger *slog.Logger
}

func New(store Store, c Components, cfg Config, logger *slog.Logger) *Worker {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Notifier == nil {
		c.Notifier = notify.Multi(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, c: c, cfg: cfg.withDefaults(), logger: logger}
}

// errDiscarded marks work that became stale: the group was halted or
// deleted, or the agent left.
var errDiscarded = errors.New("reply discarded")

// Handle runs one GENERATE_RESPONSE job. Generation failures are logged
// and swallowed; only store errors before any effect are retried.
func (w *Worker) Handle(ctx context.Context, job domain.Job) error {
	req, err := jobs.DecodeGenerate(job)
	if err != nil {
		return err
	}
	groupID, agentID := job.GroupID, job.AgentID
	defer w.c.Barrier.Done(req.FlushID, req.Rank, req.FlushSize)

	jobCtx, release, err := w.c.Claims.Claim(ctx, groupID, agentID, job.ID)
	if err != nil {
		w.logAction(ctx, groupID, agentID, "double_schedule_rejected", err.Error(), map[string]any{"job_id": job.ID})
		w.logger.Error("reply job rejected", "group_id", groupID, "agent_id", agentID, "job_id", job.ID, "err", err)
		return jobs.Permanent(err)
	}
	defer release()

	err = w.respond(jobCtx, job, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errDiscarded), errors.Is(err, context.Canceled) && ctx.Err() == nil:
		w.logAction(context.WithoutCancel(ctx), groupID, agentID, "reply_discarded", err.Error(),
			map[string]any{"job_id": job.ID, "flush_id": req.FlushID})
		w.logger.Info("reply discarded", "group_id", groupID, "agent_id", agentID, "reason", err)
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		w.logAction(context.WithoutCancel(ctx), groupID, agentID, "generation_failed", "job deadline exceeded",
			map[string]any{"job_id": job.ID, "flush_id": req.FlushID})
		return jobs.Permanent(err)
	default:
		return err
	}
}

func (w *Worker) respond(ctx context.Context, job domain.Job, req domain.GenerateRequest) error {
	groupID, agentID := job.GroupID, job.AgentID
	agent, err := w.liveAgent(ctx, groupID, agentID)
	if err != nil {
		return err
	}

	w.c.Notifier.EmitTyping(ctx, groupID, agentID)
	stopTyping := w.startTypingHeartbeat(ctx, groupID, agentID)
	defer stopTyping()

	if err := w.pause(ctx, w.c.Timing.ReadingDelay(req.Batch)); err != nil {
		w.c.Notifier.EmitTypingStopped(context.WithoutCancel(ctx), groupID, agentID)
		return err
	}
	typingStarted := w.c.Clock.Now()

	history, err := w.store.ListTranscript(ctx, groupID, w.cfg.ContextMessages)
	if err != nil {
		w.c.Notifier.EmitTypingStopped(context.WithoutCancel(ctx), groupID, agentID)
		return err
	}
	members, err := w.store.ListMembers(ctx, groupID)
	if err != nil {
		w.c.Notifier.EmitTypingStopped(context.WithoutCancel(ctx), groupID, agentID)
		return err
	}

	genCtx, cancel := context.WithTimeout(ctx, w.cfg.GenerationTimeout)
	text, genErr := w.c.Generator.Generate(genCtx, generation.Request{
		GroupID: groupID,
		Agent:   agent,
		Context: contextWindow(history, members),
		Hints:   req.Hints,
	})
	cancel()
	if genErr != nil {
		stopTyping()
		w.c.Notifier.EmitTypingStopped(context.WithoutCancel(ctx), groupID, agentID)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errDiscarded, ctx.Err())
		}
		w.logAction(ctx, groupID, agentID, "generation_failed", genErr.Error(), map[string]any{
			"job_id":   job.ID,
			"flush_id": req.FlushID,
			"rank":     req.Rank,
		})
		w.logger.Warn("generation failed", "group_id", groupID, "agent_id", agentID, "err", genErr)
		return nil
	}

	reply := domain.GeneratedReply{GroupID: groupID, AgentID: agentID, Text: text}
	reply.ComputedReadingDelayMs = w.c.Timing.ReadingDelay(req.Batch).Milliseconds()
	reply.ComputedTypingMs = w.c.Timing.TypingDuration(text).Milliseconds()
	typing := time.Duration(reply.ComputedTypingMs) * time.Millisecond
	if err := w.pause(ctx, typing-w.c.Clock.Now().Sub(typingStarted)); err != nil {
		w.c.Notifier.EmitTypingStopped(context.WithoutCancel(ctx), groupID, agentID)
		return err
	}

	if err := w.c.Barrier.Wait(ctx, req.FlushID, req.Rank, req.FlushSize); err != nil {
		if !errors.Is(err, ordering.ErrTimeout) {
			w.c.Notifier.EmitTypingStopped(context.WithoutCancel(ctx), groupID, agentID)
			return err
		}
		w.logAction(ctx, groupID, agentID, "order_barrier_timeout", "earlier ranks did not finish in time",
			map[string]any{"flush_id": req.FlushID, "rank": req.Rank})
	}
	stopTyping()

	// Last chance to notice a halt before anything becomes visible.
	if _, err := w.liveAgent(ctx, groupID, agentID); err != nil {
		w.c.Notifier.EmitTypingStopped(context.WithoutCancel(ctx), groupID, agentID)
		return err
	}
	return w.publish(context.WithoutCancel(ctx), job, req, reply)
}

// publish makes a generated reply visible and records its effects. It
// runs detached from cancellation: once the transcript row exists the
// bookkeeping must follow. The store refuses the row if the group was
// halted after the last liveness check.
func (w *Worker) publish(ctx context.Context, job domain.Job, req domain.GenerateRequest, reply domain.GeneratedReply) error {
	groupID, agentID := reply.GroupID, reply.AgentID
	msg, err := w.store.AppendTranscript(ctx, domain.TranscriptMessage{
		ID:         uuid.NewString(),
		GroupID:    groupID,
		AuthorID:   agentID,
		AuthorKind: domain.AuthorAgent,
		Content:    reply.Text,
		Metadata: mustJSON(map[string]any{
			"flush_id":         req.FlushID,
			"rank":             req.Rank,
			"job_id":           job.ID,
			"hints":            req.Hints,
			"typing_ms":        reply.ComputedTypingMs,
			"reading_delay_ms": reply.ComputedReadingDelayMs,
		}),
		CreatedAt: w.c.Clock.Now().UTC(),
	})
	if err != nil {
		w.c.Notifier.EmitTypingStopped(ctx, groupID, agentID)
		if errors.Is(err, sqlite.ErrGroupInactive) || errors.Is(err, sqlite.ErrNotFound) {
			return fmt.Errorf("%w: %v", errDiscarded, err)
		}
		return fmt.Errorf("append reply: %w", err)
	}

	now := msg.CreatedAt
	fp := loopdetect.Fingerprint(reply.Text)
	if _, err := w.store.UpdateAgentState(ctx, groupID, agentID, func(st *domain.AgentGroupState) error {
		st.LastRespondedAt = &now
		st.RecentTurnFingerprints = w.c.Loops.Remember(st.RecentTurnFingerprints, fp)
		st.DispositionScore = w.c.Scorer.Smooth(st.DispositionScore, w.cfg.SatiationRaw)
		return nil
	}); err != nil {
		w.logger.Error("update agent state after reply failed", "group_id", groupID, "agent_id", agentID, "err", err)
	}

	w.progressNarrative(ctx, groupID, agentID, reply.Text, req.Hints)

	w.c.Notifier.EmitNewMessage(ctx, groupID, msg)
	w.c.Notifier.EmitTypingStopped(ctx, groupID, agentID)
	w.logAction(ctx, groupID, agentID, "reply_sent", trim(reply.Text, 120), map[string]any{
		"message_id": msg.ID,
		"seq":        msg.Seq,
		"flush_id":   req.FlushID,
		"rank":       req.Rank,
	})
	w.logger.Info("reply sent", "group_id", groupID, "agent_id", agentID, "seq", msg.Seq, "rank", req.Rank)
	return nil
}

// progressNarrative counts the reply against the seeds it mentions and
// the running scene step. Failures here never undo the reply.
func (w *Worker) progressNarrative(ctx context.Context, groupID string, agentID string, text string, hints domain.Hints) {
	if w.c.Tension != nil {
		turns, err := w.c.Tension.RecordReply(ctx, groupID, text)
		if err != nil {
			w.logger.Warn("advance seeds failed", "group_id", groupID, "agent_id", agentID, "err", err)
		}
		for _, turn := range turns {
			if turn.After.EscalationLevel != turn.Before.EscalationLevel || turn.After.Status != turn.Before.Status {
				w.logAction(ctx, groupID, agentID, "seed_escalated", turn.After.Title, turn.After)
			}
		}
	}
	if w.c.Scenes == nil || hints.SceneID == "" {
		return
	}
	exec, completed, err := w.c.Scenes.RecordTurn(ctx, hints.SceneID, hints.SceneStep, agentID)
	if err != nil {
		w.logger.Warn("record scene turn failed", "group_id", groupID, "scene_id", hints.SceneID, "err", err)
		return
	}
	if completed == nil {
		return
	}
	if exec.Status == domain.SceneCompleted {
		w.logAction(ctx, groupID, agentID, "scene_completed", exec.SceneCode, exec)
	}
	if !completed.ResolvesTension || w.c.Tension == nil {
		return
	}
	seedID := hints.SeedID
	if seedID == "" {
		seed, ok, err := w.c.Tension.Focus(ctx, groupID, agentID)
		if err != nil || !ok {
			return
		}
		seedID = seed.ID
	}
	if seed, err := w.c.Tension.BeginResolution(ctx, seedID); err == nil {
		w.logAction(ctx, groupID, agentID, "seed_resolving", "scene step resolves tension", seed)
	}
}

// liveAgent returns the agent's membership while the group is active.
func (w *Worker) liveAgent(ctx context.Context, groupID string, agentID string) (domain.GroupMember, error) {
	group, err := w.store.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return domain.GroupMember{}, fmt.Errorf("%w: group %s is gone", errDiscarded, groupID)
		}
		return domain.GroupMember{}, err
	}
	if group.Status != domain.GroupStatusActive {
		return domain.GroupMember{}, fmt.Errorf("%w: group is %s", errDiscarded, group.Status)
	}
	members, err := w.store.ListMembers(ctx, groupID)
	if err != nil {
		return domain.GroupMember{}, err
	}
	for _, m := range members {
		if m.MemberID == agentID && m.Kind == domain.AuthorAgent {
			return m, nil
		}
	}
	return domain.GroupMember{}, fmt.Errorf("%w: agent %s left the group", errDiscarded, agentID)
}

func (w *Worker) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.c.Clock.After(d):
		return nil
	}
}

// startTypingHeartbeat keeps the typing indicator alive for clients
// that expire it. The returned stop func is idempotent.
func (w *Worker) startTypingHeartbeat(ctx context.Context, groupID string, agentID string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := w.c.Clock.NewTicker(w.cfg.TypingRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				w.c.Notifier.EmitTyping(ctx, groupID, agentID)
			}
		}
	}()
	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(stop)
		<-done
	}
}

func contextWindow(history []domain.TranscriptMessage, members []domain.GroupMember) []generation.Turn {
	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.MemberID] = m.DisplayName
	}
	turns := make([]generation.Turn, 0, len(history))
	for _, msg := range history {
		turns = append(turns, generation.Turn{
			AuthorID:   msg.AuthorID,
			AuthorName: names[msg.AuthorID],
			Kind:       msg.AuthorKind,
			Content:    msg.Content,
		})
	}
	return turns
}

func (w *Worker) logAction(ctx context.Context, groupID string, agentID string, action string, reason string, payload any) {
	if groupID == "" || action == "" {
		return
	}
	_ = w.store.LogDecision(ctx, domain.DecisionLog{
		GroupID: groupID,
		Actor:   agentID,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	})
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return payload
}

// trim shortens s to at most n runes.
func trim(s string, n int) string {
	if n <= 3 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}
