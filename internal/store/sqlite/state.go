package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agora/internal/domain"
)

const agentStateColumns = `group_id, agent_id, last_responded_at, disposition_score, cooldown_until,
	recent_fingerprints, loop_strikes, updated_at`

func (s *Store) GetAgentState(ctx context.Context, groupID string, agentID string) (domain.AgentGroupState, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+agentStateColumns+` FROM agent_group_state WHERE group_id = ? AND agent_id = ?`,
		groupID, agentID,
	)
	st, err := scanAgentState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentGroupState{}, fmt.Errorf("get agent state %s/%s: %w", groupID, agentID, ErrNotFound)
		}
		return domain.AgentGroupState{}, fmt.Errorf("get agent state: %w", err)
	}
	return st, nil
}

func (s *Store) ListAgentStates(ctx context.Context, groupID string) ([]domain.AgentGroupState, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+agentStateColumns+` FROM agent_group_state WHERE group_id = ? ORDER BY agent_id ASC`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list agent states: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AgentGroupState, 0)
	for rows.Next() {
		st, err := scanAgentState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent state: %w", err)
		}
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent states: %w", err)
	}
	return result, nil
}

// UpdateAgentState applies fn to the current row inside one transaction.
// fn must not call back into the store.
func (s *Store) UpdateAgentState(
	ctx context.Context,
	groupID string,
	agentID string,
	fn func(*domain.AgentGroupState) error,
) (domain.AgentGroupState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentGroupState{}, fmt.Errorf("begin tx update agent state: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(
		ctx,
		`SELECT `+agentStateColumns+` FROM agent_group_state WHERE group_id = ? AND agent_id = ?`,
		groupID, agentID,
	)
	st, err := scanAgentState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentGroupState{}, fmt.Errorf("update agent state %s/%s: %w", groupID, agentID, ErrNotFound)
		}
		return domain.AgentGroupState{}, fmt.Errorf("read agent state: %w", err)
	}
	if err := fn(&st); err != nil {
		return domain.AgentGroupState{}, err
	}

	fingerprints, err := encodeJSON(st.RecentTurnFingerprints)
	if err != nil {
		return domain.AgentGroupState{}, fmt.Errorf("encode fingerprints: %w", err)
	}
	now := nowMilli()
	_, err = tx.ExecContext(
		ctx,
		`UPDATE agent_group_state
		SET last_responded_at = ?, disposition_score = ?, cooldown_until = ?,
			recent_fingerprints = ?, loop_strikes = ?, updated_at = ?
		WHERE group_id = ? AND agent_id = ?`,
		nullableMilli(st.LastRespondedAt), st.DispositionScore, nullableMilli(st.CooldownUntil),
		fingerprints, st.LoopStrikes, now, groupID, agentID,
	)
	if err != nil {
		return domain.AgentGroupState{}, fmt.Errorf("write agent state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentGroupState{}, fmt.Errorf("commit agent state: %w", err)
	}
	st.UpdatedAt = milliToTime(now)
	return st, nil
}

func scanAgentState(row scanner) (domain.AgentGroupState, error) {
	var st domain.AgentGroupState
	var lastResponded, cooldown sql.NullInt64
	var fingerprints string
	var updated int64
	if err := row.Scan(
		&st.GroupID, &st.AgentID, &lastResponded, &st.DispositionScore, &cooldown,
		&fingerprints, &st.LoopStrikes, &updated,
	); err != nil {
		return domain.AgentGroupState{}, err
	}
	values, err := decodeStrings(fingerprints)
	if err != nil {
		return domain.AgentGroupState{}, fmt.Errorf("decode fingerprints: %w", err)
	}
	st.RecentTurnFingerprints = values
	st.LastRespondedAt = milliToTimePtr(lastResponded)
	st.CooldownUntil = milliToTimePtr(cooldown)
	st.UpdatedAt = milliToTime(updated)
	return st, nil
}
