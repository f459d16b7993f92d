// Package director runs the per-group orchestration: it owns the group
// registry, turns buffer flush signals into FLUSH_BUFFER jobs and, on
// each flush, decides which agents reply and with what hints.
package director

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agora/internal/clock"
	"agora/internal/disposition"
	"agora/internal/domain"
	"agora/internal/jobs"
	"agora/internal/loopdetect"
	"agora/internal/notify"
	"agora/internal/scene"
	"agora/internal/store/sqlite"
	"agora/internal/tension"
)

const directorActorID = "director"

var (
	ErrGroupInactive = errors.New("group is not active")
	ErrNotMember     = errors.New("author is not a member of the group")
	ErrInvalidInput  = errors.New("invalid input")
)

type Store interface {
	CreateGroup(ctx context.Context, group domain.Group) error
	GetGroup(ctx context.Context, groupID string) (domain.Group, error)
	ListGroups(ctx context.Context) ([]domain.Group, error)
	SetGroupStatus(ctx context.Context, groupID string, status domain.GroupStatus) error

	AddMember(ctx context.Context, member domain.GroupMember, initialDisposition float64) error
	RemoveMember(ctx context.Context, groupID string, memberID string) error
	ListMembers(ctx context.Context, groupID string) ([]domain.GroupMember, error)
	SetRelationship(ctx context.Context, rel domain.Relationship) error
	ListRelationships(ctx context.Context, agentID string) ([]domain.Relationship, error)

	ListAgentStates(ctx context.Context, groupID string) ([]domain.AgentGroupState, error)
	UpdateAgentState(ctx context.Context, groupID string, agentID string, fn func(*domain.AgentGroupState) error) (domain.AgentGroupState, error)

	AppendTranscript(ctx context.Context, msg domain.TranscriptMessage) (domain.TranscriptMessage, error)
	ListTranscript(ctx context.Context, groupID string, limit int) ([]domain.TranscriptMessage, error)

	ListSeeds(ctx context.Context, groupID string, statuses ...domain.SeedStatus) ([]domain.TensionSeed, error)
	ListSceneExecutions(ctx context.Context, groupID string, limit int) ([]domain.SceneExecution, error)

	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListGroupDecisions(ctx context.Context, groupID string, limit int) ([]domain.DecisionLog, error)
}

type Buffer interface {
	Append(ctx context.Context, msg domain.BufferedMessage) (int, error)
	Drain(ctx context.Context, groupID string) ([]domain.BufferedMessage, error)
}

type Queue interface {
	Enqueue(ctx context.Context, job domain.Job) (bool, error)
	CancelGroup(ctx context.Context, groupID string) (int, error)
}

type Scorer interface {
	Raw(in disposition.Input) float64
	Smooth(old float64, raw float64) float64
}

type Gate interface {
	Check(st domain.AgentGroupState, lastSpeakerID string, now time.Time) (bool, string)
	StartCooldown(ctx context.Context, groupID string, agentID string, groupSize int) (time.Time, error)
	MaxActiveSpeakers() int
}

type LoopDetector interface {
	Detect(ctx context.Context, groupID string) (loopdetect.Report, error)
	ActionFor(strikes int) loopdetect.Action
	Settle(window []string, action loopdetect.Action) []string
}

type Reservations interface {
	Reserve(groupID, agentID, jobID string) error
	Release(groupID, agentID, jobID string)
	Busy(groupID, agentID string) bool
	CancelGroup(groupID string) int
}

// Barrier is told about ranks that will never run so later ranks of
// the same flush do not wait for them.
type Barrier interface {
	Done(flushID string, rank int, size int)
}

// Components are the collaborators the Director drives. Barrier and
// Notifier may be nil.
type Components struct {
	Buffer   Buffer
	Queue    Queue
	Scorer   Scorer
	Gate     Gate
	Loops    LoopDetector
	Tension  *tension.Manager
	Scenes   *scene.Executor
	Inflight Reservations
	Barrier  Barrier
	Notifier notify.Notifier
	Clock    clock.Clock
}

type Config struct {
	// PacingK is the number of responders per flush before the
	// availability gate's MaxActiveSpeakers cap.
	PacingK            int
	InitialDisposition float64
	// MinDisposition drops agents whose smoothed score is below it.
	MinDisposition float64
}

func (c Config) withDefaults() Config {
	if c.PacingK <= 0 {
		c.PacingK = 2
	}
	if c.InitialDisposition <= 0 || c.InitialDisposition > 1 {
		c.InitialDisposition = 0.5
	}
	if c.MinDisposition < 0 || c.MinDisposition >= 1 {
		c.MinDisposition = 0
	}
	return c
}

type Director struct {
	store  Store
	c      Components
	cfg    Config
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(store Store, c Components, cfg Config, logger *slog.Logger) *Director {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Notifier == nil {
		c.Notifier = notify.Multi(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Director{
		store:  store,
		c:      c,
		cfg:    cfg.withDefaults(),
		logger: logger,
		locks:  map[string]*sync.Mutex{},
	}
}

// groupLock serializes flushes and lifecycle changes of one group.
func (d *Director) groupLock(groupID string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	mu, ok := d.locks[groupID]
	if !ok {
		mu = &sync.Mutex{}
		d.locks[groupID] = mu
	}
	return mu
}

func (d *Director) CreateGroup(ctx context.Context, name string) (domain.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Group{}, fmt.Errorf("%w: group name is empty", ErrInvalidInput)
	}
	now := d.c.Clock.Now().UTC()
	group := domain.Group{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    domain.GroupStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateGroup(ctx, group); err != nil {
		return domain.Group{}, err
	}
	d.logDecision(ctx, group.ID, "group_created", "group created", group)
	return group, nil
}

func (d *Director) GetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	return d.store.GetGroup(ctx, groupID)
}

func (d *Director) ListGroups(ctx context.Context) ([]domain.Group, error) {
	return d.store.ListGroups(ctx)
}

// AddMember registers a user or agent. Agents start with the configured
// initial disposition.
func (d *Director) AddMember(ctx context.Context, member domain.GroupMember) (domain.GroupMember, error) {
	member.MemberID = strings.TrimSpace(member.MemberID)
	if member.GroupID == "" || member.MemberID == "" {
		return domain.GroupMember{}, fmt.Errorf("%w: group id and member id are required", ErrInvalidInput)
	}
	if member.Kind != domain.AuthorUser && member.Kind != domain.AuthorAgent {
		return domain.GroupMember{}, fmt.Errorf("%w: member kind %q", ErrInvalidInput, member.Kind)
	}
	if err := validTraits(member.Traits); err != nil {
		return domain.GroupMember{}, err
	}
	if member.DisplayName == "" {
		member.DisplayName = member.MemberID
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = d.c.Clock.Now().UTC()
	}
	group, err := d.store.GetGroup(ctx, member.GroupID)
	if err != nil {
		return domain.GroupMember{}, err
	}
	if group.Status == domain.GroupStatusDeleted {
		return domain.GroupMember{}, fmt.Errorf("add member to %s: %w", group.ID, ErrGroupInactive)
	}
	if err := d.store.AddMember(ctx, member, d.cfg.InitialDisposition); err != nil {
		return domain.GroupMember{}, err
	}
	d.logDecision(ctx, member.GroupID, "member_added", "member joined the group", member)
	return member, nil
}

func (d *Director) RemoveMember(ctx context.Context, groupID string, memberID string) error {
	if err := d.store.RemoveMember(ctx, groupID, memberID); err != nil {
		return err
	}
	d.logDecision(ctx, groupID, "member_removed", "member left the group", map[string]string{"member_id": memberID})
	return nil
}

func (d *Director) ListMembers(ctx context.Context, groupID string) ([]domain.GroupMember, error) {
	return d.store.ListMembers(ctx, groupID)
}

func (d *Director) SetRelationship(ctx context.Context, rel domain.Relationship) error {
	if rel.AgentID == "" || rel.UserID == "" {
		return fmt.Errorf("%w: agent id and user id are required", ErrInvalidInput)
	}
	if rel.Affinity < -1 || rel.Affinity > 1 {
		return fmt.Errorf("%w: affinity %.2f outside [-1,1]", ErrInvalidInput, rel.Affinity)
	}
	if rel.Familiarity < 0 || rel.Familiarity > 1 {
		return fmt.Errorf("%w: familiarity %.2f outside [0,1]", ErrInvalidInput, rel.Familiarity)
	}
	return d.store.SetRelationship(ctx, rel)
}

// PostMessage appends a human message to the transcript and buffers it
// for the next flush.
func (d *Director) PostMessage(ctx context.Context, groupID string, authorID string, content string) (domain.TranscriptMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.TranscriptMessage{}, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	group, err := d.store.GetGroup(ctx, groupID)
	if err != nil {
		return domain.TranscriptMessage{}, err
	}
	if group.Status != domain.GroupStatusActive {
		return domain.TranscriptMessage{}, fmt.Errorf("post to %s (%s): %w", groupID, group.Status, ErrGroupInactive)
	}
	members, err := d.store.ListMembers(ctx, groupID)
	if err != nil {
		return domain.TranscriptMessage{}, err
	}
	author, ok := findMember(members, authorID)
	if !ok || author.Kind != domain.AuthorUser {
		return domain.TranscriptMessage{}, fmt.Errorf("post as %s: %w", authorID, ErrNotMember)
	}

	now := d.c.Clock.Now().UTC()
	msg, err := d.store.AppendTranscript(ctx, domain.TranscriptMessage{
		ID:         uuid.NewString(),
		GroupID:    groupID,
		AuthorID:   authorID,
		AuthorKind: domain.AuthorUser,
		Content:    content,
		CreatedAt:  now,
	})
	if errors.Is(err, sqlite.ErrGroupInactive) {
		return domain.TranscriptMessage{}, fmt.Errorf("post to %s: %w", groupID, ErrGroupInactive)
	}
	if err != nil {
		return domain.TranscriptMessage{}, err
	}
	d.c.Notifier.EmitNewMessage(ctx, groupID, msg)

	if _, err := d.c.Buffer.Append(ctx, domain.BufferedMessage{
		ID:         msg.ID,
		GroupID:    groupID,
		AuthorID:   authorID,
		AuthorKind: domain.AuthorUser,
		Content:    content,
		ArrivedAt:  now,
	}); err != nil {
		return msg, fmt.Errorf("buffer message: %w", err)
	}
	return msg, nil
}

// SignalFlush is the buffer's flush callback: it enqueues one
// FLUSH_BUFFER job per signal token.
func (d *Director) SignalFlush(groupID string, token string) {
	ctx := context.Background()
	job := jobs.NewFlushJob(groupID, token, d.c.Clock.Now().UTC())
	created, err := d.c.Queue.Enqueue(ctx, job)
	if err != nil {
		d.logger.Error("enqueue flush failed", "group_id", groupID, "token", token, "err", err)
		return
	}
	if created {
		d.logger.Debug("flush enqueued", "group_id", groupID, "job_id", job.ID)
	}
}

// Halt stops the conversation: queued work is cancelled, running
// generations are interrupted and buffered messages are dropped.
func (d *Director) Halt(ctx context.Context, groupID string) error {
	mu := d.groupLock(groupID)
	mu.Lock()
	defer mu.Unlock()

	group, err := d.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.Status != domain.GroupStatusActive {
		return fmt.Errorf("halt %s (%s): %w", groupID, group.Status, ErrGroupInactive)
	}
	if err := d.store.SetGroupStatus(ctx, groupID, domain.GroupStatusHalted); err != nil {
		return err
	}
	summary := d.cancelGroupWork(ctx, groupID)
	d.logDecision(ctx, groupID, "group_halted", "conversation halted", summary)
	return nil
}

func (d *Director) Resume(ctx context.Context, groupID string) error {
	mu := d.groupLock(groupID)
	mu.Lock()
	defer mu.Unlock()

	group, err := d.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.Status != domain.GroupStatusHalted {
		return fmt.Errorf("resume %s (%s): %w", groupID, group.Status, ErrGroupInactive)
	}
	if err := d.store.SetGroupStatus(ctx, groupID, domain.GroupStatusActive); err != nil {
		return err
	}
	d.logDecision(ctx, groupID, "group_resumed", "conversation resumed", nil)
	return nil
}

// DeleteGroup soft-deletes the group, cancels its work, aborts its
// running scene and expires its open seeds.
func (d *Director) DeleteGroup(ctx context.Context, groupID string) error {
	mu := d.groupLock(groupID)
	mu.Lock()
	defer mu.Unlock()

	group, err := d.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.Status == domain.GroupStatusDeleted {
		return nil
	}
	if err := d.store.SetGroupStatus(ctx, groupID, domain.GroupStatusDeleted); err != nil {
		return err
	}
	summary := d.cancelGroupWork(ctx, groupID)
	if _, err := d.c.Scenes.Abort(ctx, groupID, scene.AbortDeleted); err != nil {
		d.logger.Error("abort scene on delete failed", "group_id", groupID, "err", err)
	}
	expired, err := d.c.Tension.ExpireAll(ctx, groupID)
	if err != nil {
		d.logger.Error("expire seeds on delete failed", "group_id", groupID, "err", err)
	}
	summary["seeds_expired"] = expired
	d.logDecision(ctx, groupID, "group_deleted", "group deleted", summary)
	return nil
}

func (d *Director) cancelGroupWork(ctx context.Context, groupID string) map[string]any {
	queued, err := d.c.Queue.CancelGroup(ctx, groupID)
	if err != nil {
		d.logger.Error("cancel queued jobs failed", "group_id", groupID, "err", err)
	}
	running := d.c.Inflight.CancelGroup(groupID)
	dropped, err := d.c.Buffer.Drain(ctx, groupID)
	if err != nil {
		d.logger.Error("drop buffered messages failed", "group_id", groupID, "err", err)
	}
	members, err := d.store.ListMembers(ctx, groupID)
	if err == nil {
		for _, m := range members {
			if m.Kind == domain.AuthorAgent {
				d.c.Notifier.EmitTypingStopped(ctx, groupID, m.MemberID)
			}
		}
	}
	d.logger.Info("group work cancelled", "group_id", groupID,
		"queued_jobs", queued, "running_jobs", running, "dropped_messages", len(dropped))
	return map[string]any{
		"queued_jobs":      queued,
		"running_jobs":     running,
		"dropped_messages": len(dropped),
	}
}

func (d *Director) Transcript(ctx context.Context, groupID string, limit int) ([]domain.TranscriptMessage, error) {
	return d.store.ListTranscript(ctx, groupID, limit)
}

func (d *Director) AgentStates(ctx context.Context, groupID string) ([]domain.AgentGroupState, error) {
	return d.store.ListAgentStates(ctx, groupID)
}

func (d *Director) Seeds(ctx context.Context, groupID string) ([]domain.TensionSeed, error) {
	return d.store.ListSeeds(ctx, groupID)
}

func (d *Director) Scenes(ctx context.Context, groupID string, limit int) ([]domain.SceneExecution, error) {
	return d.store.ListSceneExecutions(ctx, groupID, limit)
}

func (d *Director) Decisions(ctx context.Context, groupID string, limit int) ([]domain.DecisionLog, error) {
	return d.store.ListGroupDecisions(ctx, groupID, limit)
}

func (d *Director) logDecision(ctx context.Context, groupID string, action string, reason string, payload any) {
	_ = d.store.LogDecision(ctx, domain.DecisionLog{
		GroupID: groupID,
		Actor:   directorActorID,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	})
}

func findMember(members []domain.GroupMember, memberID string) (domain.GroupMember, bool) {
	for _, m := range members {
		if m.MemberID == memberID {
			return m, true
		}
	}
	return domain.GroupMember{}, false
}

func validTraits(t domain.Traits) error {
	for name, v := range map[string]float64{
		"sociability":   t.Sociability,
		"assertiveness": t.Assertiveness,
		"curiosity":     t.Curiosity,
		"volatility":    t.Volatility,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: trait %s=%.2f outside [0,1]", ErrInvalidInput, name, v)
		}
	}
	return nil
}

// IsNotFound reports whether err means the group or member does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sqlite.ErrNotFound)
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
