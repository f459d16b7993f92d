package domain

import (
	"encoding/json"
	"time"
)

type GroupStatus string

const (
	GroupStatusActive  GroupStatus = "active"
	GroupStatusHalted  GroupStatus = "halted"
	GroupStatusDeleted GroupStatus = "deleted"
)

type AuthorKind string

const (
	AuthorUser  AuthorKind = "user"
	AuthorAgent AuthorKind = "agent"
)

type Group struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Status    GroupStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Traits are personality weights in [0,1].
type Traits struct {
	Sociability   float64 `json:"sociability" yaml:"sociability"`
	Assertiveness float64 `json:"assertiveness" yaml:"assertiveness"`
	Curiosity     float64 `json:"curiosity" yaml:"curiosity"`
	Volatility    float64 `json:"volatility" yaml:"volatility"`
}

type GroupMember struct {
	GroupID     string     `json:"group_id"`
	MemberID    string     `json:"member_id"`
	Kind        AuthorKind `json:"kind"`
	DisplayName string     `json:"display_name"`
	Persona     string     `json:"persona,omitempty"`
	Traits      Traits     `json:"traits"`
	JoinedAt    time.Time  `json:"joined_at"`
}

// Relationship is an agent's standing with one human participant.
// Affinity is in [-1,1], Familiarity in [0,1].
type Relationship struct {
	AgentID     string    `json:"agent_id"`
	UserID      string    `json:"user_id"`
	Affinity    float64   `json:"affinity"`
	Familiarity float64   `json:"familiarity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type BufferedMessage struct {
	ID         string     `json:"id"`
	GroupID    string     `json:"group_id"`
	AuthorID   string     `json:"author_id"`
	AuthorKind AuthorKind `json:"author_kind"`
	Content    string     `json:"content"`
	ArrivedAt  time.Time  `json:"arrived_at"`
}

type AgentGroupState struct {
	AgentID                string     `json:"agent_id"`
	GroupID                string     `json:"group_id"`
	LastRespondedAt        *time.Time `json:"last_responded_at,omitempty"`
	DispositionScore       float64    `json:"disposition_score"`
	CooldownUntil          *time.Time `json:"cooldown_until,omitempty"`
	RecentTurnFingerprints []string   `json:"recent_turn_fingerprints"`
	LoopStrikes            int        `json:"loop_strikes"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

type SeedStatus string

const (
	SeedLatent     SeedStatus = "LATENT"
	SeedActive     SeedStatus = "ACTIVE"
	SeedEscalating SeedStatus = "ESCALATING"
	SeedResolving  SeedStatus = "RESOLVING"
	SeedResolved   SeedStatus = "RESOLVED"
	SeedExpired    SeedStatus = "EXPIRED"
)

func (s SeedStatus) Terminal() bool {
	return s == SeedResolved || s == SeedExpired
}

// Live reports whether turns referencing the seed count toward its budget.
func (s SeedStatus) Live() bool {
	return s == SeedActive || s == SeedEscalating || s == SeedResolving
}

type TensionSeed struct {
	ID               string     `json:"id"`
	GroupID          string     `json:"group_id"`
	Type             string     `json:"type"`
	Title            string     `json:"title"`
	Content          string     `json:"content"`
	Keywords         []string   `json:"keywords"`
	InvolvedAgentIDs []string   `json:"involved_agent_ids"`
	Status           SeedStatus `json:"status"`
	CurrentTurn      int        `json:"current_turn"`
	MaxTurns         int        `json:"max_turns"`
	EscalationLevel  int        `json:"escalation_level"`
	ResolvingAtTurn  int        `json:"resolving_at_turn"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type SceneStatus string

const (
	SceneRunning   SceneStatus = "RUNNING"
	SceneCompleted SceneStatus = "COMPLETED"
	SceneAborted   SceneStatus = "ABORTED"
)

type SceneStep struct {
	Roles           []string `json:"roles" yaml:"roles"`
	Objective       string   `json:"objective" yaml:"objective"`
	Directive       string   `json:"directive,omitempty" yaml:"directive"`
	ResolvesTension bool     `json:"resolves_tension,omitempty" yaml:"resolves_tension"`
}

type SceneTrigger string

const (
	TriggerKeyword SceneTrigger = "keyword"
	TriggerTension SceneTrigger = "tension"
)

type SceneCatalogEntry struct {
	Code                 string        `json:"code" yaml:"code"`
	Category             string        `json:"category" yaml:"category"`
	TriggerType          SceneTrigger  `json:"trigger_type" yaml:"trigger_type"`
	TriggerKeywords      []string      `json:"trigger_keywords,omitempty" yaml:"trigger_keywords"`
	TriggerEscalation    int           `json:"trigger_escalation,omitempty" yaml:"trigger_escalation"`
	Objectives           []string      `json:"objectives" yaml:"objectives"`
	ParticipantRoles     []string      `json:"participant_roles" yaml:"participant_roles"`
	InterventionSequence []SceneStep   `json:"intervention_sequence" yaml:"intervention_sequence"`
	MinAIs               int           `json:"min_ais" yaml:"min_ais"`
	MaxAIs               int           `json:"max_ais" yaml:"max_ais"`
	Duration             time.Duration `json:"duration" yaml:"duration"`
}

type SceneExecution struct {
	ID                  string            `json:"id"`
	GroupID             string            `json:"group_id"`
	SceneCode           string            `json:"scene_code"`
	StartedAt           time.Time         `json:"started_at"`
	CurrentStep         int               `json:"current_step"`
	ParticipantAgentIDs []string          `json:"participant_agent_ids"`
	RoleAssignments     map[string]string `json:"role_assignments"`
	Status              SceneStatus       `json:"status"`
	EndedAt             *time.Time        `json:"ended_at,omitempty"`
	AbortReason         string            `json:"abort_reason,omitempty"`
}

type TranscriptMessage struct {
	ID         string          `json:"id"`
	GroupID    string          `json:"group_id"`
	Seq        int64           `json:"seq"`
	AuthorID   string          `json:"author_id"`
	AuthorKind AuthorKind      `json:"author_kind"`
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type GeneratedReply struct {
	GroupID                string `json:"group_id"`
	AgentID                string `json:"agent_id"`
	Text                   string `json:"text"`
	ComputedTypingMs       int64  `json:"computed_typing_ms"`
	ComputedReadingDelayMs int64  `json:"computed_reading_delay_ms"`
}

type JobKind string

const (
	JobFlushBuffer      JobKind = "FLUSH_BUFFER"
	JobGenerateResponse JobKind = "GENERATE_RESPONSE"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

type Job struct {
	ID             string          `json:"id"`
	Kind           JobKind         `json:"kind"`
	GroupID        string          `json:"group_id"`
	AgentID        string          `json:"agent_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Hints carry the Director's narrative steering into generation.
type Hints struct {
	SeedID          string `json:"seed_id,omitempty"`
	SeedTitle       string `json:"seed_title,omitempty"`
	EscalationLevel int    `json:"escalation_level,omitempty"`
	ToneHint        string `json:"tone_hint,omitempty"`
	SceneID         string `json:"scene_id,omitempty"`
	SceneCode       string `json:"scene_code,omitempty"`
	SceneStep       int    `json:"scene_step,omitempty"`
	SceneRole       string `json:"scene_role,omitempty"`
	SceneObjective  string `json:"scene_objective,omitempty"`
	SceneDirective  string `json:"scene_directive,omitempty"`
	TopicBreak      bool   `json:"topic_break,omitempty"`
	LoopPattern     string `json:"loop_pattern,omitempty"`
}

type GenerateRequest struct {
	FlushID   string            `json:"flush_id"`
	Rank      int               `json:"rank"`
	FlushSize int               `json:"flush_size"`
	Batch     []BufferedMessage `json:"batch"`
	Hints     Hints             `json:"hints"`
}

type FlushRequest struct {
	Token string `json:"token"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	GroupID   string          `json:"group_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
