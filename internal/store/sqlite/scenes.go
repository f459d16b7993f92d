package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agora/internal/domain"
)

const sceneColumns = `id, group_id, scene_code, started_at, current_step, participant_agent_ids,
	role_assignments, status, ended_at, abort_reason`

// CreateSceneExecution fails with ErrConflict when the group already
// has a RUNNING scene.
func (s *Store) CreateSceneExecution(ctx context.Context, exec domain.SceneExecution) error {
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	participants, err := encodeJSON(nonNil(exec.ParticipantAgentIDs))
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	roles, err := encodeRoles(exec.RoleAssignments)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO scene_executions(`+sceneColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.GroupID, exec.SceneCode, exec.StartedAt.UnixMilli(), exec.CurrentStep,
		participants, roles, string(exec.Status), nullableMilli(exec.EndedAt), exec.AbortReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create scene execution for group %s: %w", exec.GroupID, ErrConflict)
		}
		return fmt.Errorf("create scene execution: %w", err)
	}
	return nil
}

func (s *Store) GetRunningScene(ctx context.Context, groupID string) (domain.SceneExecution, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+sceneColumns+` FROM scene_executions WHERE group_id = ? AND status = ?`,
		groupID, string(domain.SceneRunning),
	)
	exec, err := scanScene(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SceneExecution{}, false, nil
		}
		return domain.SceneExecution{}, false, fmt.Errorf("get running scene: %w", err)
	}
	return exec, true, nil
}

func (s *Store) ListSceneExecutions(ctx context.Context, groupID string, limit int) ([]domain.SceneExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+sceneColumns+` FROM scene_executions WHERE group_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`,
		groupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list scene executions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SceneExecution, 0)
	for rows.Next() {
		exec, err := scanScene(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scene execution: %w", err)
		}
		result = append(result, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scene executions: %w", err)
	}
	return result, nil
}

// UpdateSceneExecution applies fn to the current row inside one transaction.
func (s *Store) UpdateSceneExecution(
	ctx context.Context,
	sceneID string,
	fn func(*domain.SceneExecution) error,
) (domain.SceneExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.SceneExecution{}, fmt.Errorf("begin tx update scene: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	exec, err := scanScene(tx.QueryRowContext(ctx, `SELECT `+sceneColumns+` FROM scene_executions WHERE id = ?`, sceneID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SceneExecution{}, fmt.Errorf("update scene %s: %w", sceneID, ErrNotFound)
		}
		return domain.SceneExecution{}, fmt.Errorf("read scene: %w", err)
	}
	if err := fn(&exec); err != nil {
		return domain.SceneExecution{}, err
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE scene_executions SET current_step = ?, status = ?, ended_at = ?, abort_reason = ? WHERE id = ?`,
		exec.CurrentStep, string(exec.Status), nullableMilli(exec.EndedAt), exec.AbortReason, sceneID,
	)
	if err != nil {
		return domain.SceneExecution{}, fmt.Errorf("write scene: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.SceneExecution{}, fmt.Errorf("commit scene: %w", err)
	}
	return exec, nil
}

func scanScene(row scanner) (domain.SceneExecution, error) {
	var exec domain.SceneExecution
	var participants, roles, status string
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(
		&exec.ID, &exec.GroupID, &exec.SceneCode, &started, &exec.CurrentStep, &participants,
		&roles, &status, &ended, &exec.AbortReason,
	); err != nil {
		return domain.SceneExecution{}, err
	}
	var err error
	if exec.ParticipantAgentIDs, err = decodeStrings(participants); err != nil {
		return domain.SceneExecution{}, fmt.Errorf("decode participants: %w", err)
	}
	exec.RoleAssignments = map[string]string{}
	if err := json.Unmarshal([]byte(roles), &exec.RoleAssignments); err != nil {
		return domain.SceneExecution{}, fmt.Errorf("decode role assignments: %w", err)
	}
	exec.Status = domain.SceneStatus(status)
	exec.StartedAt = milliToTime(started)
	exec.EndedAt = milliToTimePtr(ended)
	return exec, nil
}

func encodeRoles(roles map[string]string) (string, error) {
	if roles == nil {
		roles = map[string]string{}
	}
	raw, err := encodeJSON(roles)
	if err != nil {
		return "", fmt.Errorf("encode role assignments: %w", err)
	}
	return raw, nil
}
