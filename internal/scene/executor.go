package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"agora/internal/clock"
	"agora/internal/domain"
	"agora/internal/store/sqlite"
)

var (
	ErrSceneRunning = errors.New("scene already running")
	ErrCastTooSmall = errors.New("not enough agents for scene")
)

const (
	AbortBudget  = "duration_exceeded"
	AbortDeleted = "group_deleted"
	AbortHalted  = "group_halted"
)

type Store interface {
	CreateSceneExecution(ctx context.Context, exec domain.SceneExecution) error
	GetRunningScene(ctx context.Context, groupID string) (domain.SceneExecution, bool, error)
	UpdateSceneExecution(ctx context.Context, sceneID string, fn func(*domain.SceneExecution) error) (domain.SceneExecution, error)
}

// Executor drives RUNNING -> COMPLETED | ABORTED. At most one scene runs
// per group; the store's unique index backs that up across processes.
type Executor struct {
	store   Store
	catalog *Catalog
	clock   clock.Clock
	logger  *slog.Logger
}

func NewExecutor(store Store, catalog *Catalog, clk clock.Clock, logger *slog.Logger) *Executor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, catalog: catalog, clock: clk, logger: logger}
}

func (e *Executor) Catalog() *Catalog {
	return e.catalog
}

// Start casts entry's roles over rankedAgentIDs (best first) and stores
// a RUNNING execution.
func (e *Executor) Start(ctx context.Context, groupID string, entry domain.SceneCatalogEntry, rankedAgentIDs []string) (domain.SceneExecution, error) {
	if _, running, err := e.store.GetRunningScene(ctx, groupID); err != nil {
		return domain.SceneExecution{}, err
	} else if running {
		return domain.SceneExecution{}, fmt.Errorf("start %s in group %s: %w", entry.Code, groupID, ErrSceneRunning)
	}
	if len(rankedAgentIDs) < entry.MinAIs {
		return domain.SceneExecution{}, fmt.Errorf("start %s with %d agents: %w", entry.Code, len(rankedAgentIDs), ErrCastTooSmall)
	}

	cast := rankedAgentIDs
	if entry.MaxAIs > 0 && len(cast) > entry.MaxAIs {
		cast = cast[:entry.MaxAIs]
	}
	exec := domain.SceneExecution{
		ID:                  uuid.NewString(),
		GroupID:             groupID,
		SceneCode:           entry.Code,
		StartedAt:           e.clock.Now().UTC(),
		ParticipantAgentIDs: append([]string(nil), cast...),
		RoleAssignments:     AssignRoles(entry.ParticipantRoles, cast),
		Status:              domain.SceneRunning,
	}
	if err := e.store.CreateSceneExecution(ctx, exec); err != nil {
		if errors.Is(err, sqlite.ErrConflict) {
			return domain.SceneExecution{}, fmt.Errorf("start %s in group %s: %w", entry.Code, groupID, ErrSceneRunning)
		}
		return domain.SceneExecution{}, err
	}
	e.logger.Info("scene started", "group_id", groupID, "scene_id", exec.ID, "scene", entry.Code, "roles", exec.RoleAssignments)
	return exec, nil
}

// AssignRoles maps each role to an agent in rank order, wrapping around
// when there are fewer agents than roles.
func AssignRoles(roles []string, rankedAgentIDs []string) map[string]string {
	out := make(map[string]string, len(roles))
	if len(rankedAgentIDs) == 0 {
		return out
	}
	for i, role := range roles {
		out[role] = rankedAgentIDs[i%len(rankedAgentIDs)]
	}
	return out
}

// Running returns the group's RUNNING scene with its catalog entry. A
// scene whose code left the catalog is aborted.
func (e *Executor) Running(ctx context.Context, groupID string) (domain.SceneExecution, domain.SceneCatalogEntry, bool, error) {
	exec, ok, err := e.store.GetRunningScene(ctx, groupID)
	if err != nil || !ok {
		return domain.SceneExecution{}, domain.SceneCatalogEntry{}, false, err
	}
	entry, known := e.catalog.Get(exec.SceneCode)
	if !known {
		if _, err := e.abort(ctx, exec.ID, "unknown_scene"); err != nil {
			return domain.SceneExecution{}, domain.SceneCatalogEntry{}, false, err
		}
		return domain.SceneExecution{}, domain.SceneCatalogEntry{}, false, nil
	}
	return exec, entry, true, nil
}

// CheckBudget aborts the running scene once it outlives its duration.
func (e *Executor) CheckBudget(ctx context.Context, groupID string) (bool, error) {
	exec, entry, ok, err := e.Running(ctx, groupID)
	if err != nil || !ok {
		return false, err
	}
	if e.clock.Now().Sub(exec.StartedAt) <= entry.Duration {
		return false, nil
	}
	return e.abort(ctx, exec.ID, AbortBudget)
}

func (e *Executor) Abort(ctx context.Context, groupID string, reason string) (bool, error) {
	exec, ok, err := e.store.GetRunningScene(ctx, groupID)
	if err != nil || !ok {
		return false, err
	}
	return e.abort(ctx, exec.ID, reason)
}

func (e *Executor) abort(ctx context.Context, sceneID string, reason string) (bool, error) {
	aborted := false
	exec, err := e.store.UpdateSceneExecution(ctx, sceneID, func(s *domain.SceneExecution) error {
		if s.Status != domain.SceneRunning {
			return nil
		}
		now := e.clock.Now().UTC()
		s.Status = domain.SceneAborted
		s.EndedAt = &now
		s.AbortReason = reason
		aborted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("abort scene %s: %w", sceneID, err)
	}
	if aborted {
		e.logger.Info("scene aborted", "group_id", exec.GroupID, "scene_id", sceneID, "reason", reason)
	}
	return aborted, nil
}

// CurrentStep returns the step the scene is waiting on.
func CurrentStep(exec domain.SceneExecution, entry domain.SceneCatalogEntry) (domain.SceneStep, bool) {
	if exec.Status != domain.SceneRunning || exec.CurrentStep < 0 || exec.CurrentStep >= len(entry.InterventionSequence) {
		return domain.SceneStep{}, false
	}
	return entry.InterventionSequence[exec.CurrentStep], true
}

// StepAgents lists the agents cast in the step's roles, in role order.
func StepAgents(exec domain.SceneExecution, step domain.SceneStep) []string {
	seen := map[string]bool{}
	var ids []string
	for _, role := range step.Roles {
		id, ok := exec.RoleAssignments[role]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// RoleIn returns the first role of step that agentID plays.
func RoleIn(exec domain.SceneExecution, step domain.SceneStep, agentID string) (string, bool) {
	for _, role := range step.Roles {
		if exec.RoleAssignments[role] == agentID {
			return role, true
		}
	}
	return "", false
}

// RecordTurn advances the scene when agentID has just spoken for the
// step it was cast in. The completed step is returned so callers can
// act on resolves_tension.
func (e *Executor) RecordTurn(ctx context.Context, sceneID string, step int, agentID string) (domain.SceneExecution, *domain.SceneStep, error) {
	var completed *domain.SceneStep
	exec, err := e.store.UpdateSceneExecution(ctx, sceneID, func(s *domain.SceneExecution) error {
		if s.Status != domain.SceneRunning || s.CurrentStep != step {
			return nil
		}
		entry, ok := e.catalog.Get(s.SceneCode)
		if !ok {
			return nil
		}
		current, ok := CurrentStep(*s, entry)
		if !ok {
			return nil
		}
		if _, cast := RoleIn(*s, current, agentID); !cast {
			return nil
		}
		s.CurrentStep++
		if s.CurrentStep >= len(entry.InterventionSequence) {
			now := e.clock.Now().UTC()
			s.Status = domain.SceneCompleted
			s.EndedAt = &now
		}
		completed = &current
		return nil
	})
	if err != nil {
		return domain.SceneExecution{}, nil, fmt.Errorf("record scene turn: %w", err)
	}
	if completed != nil {
		e.logger.Info("scene step done", "group_id", exec.GroupID, "scene_id", sceneID,
			"step", step, "agent_id", agentID, "status", exec.Status)
	}
	return exec, completed, nil
}
