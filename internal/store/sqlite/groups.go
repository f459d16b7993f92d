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

func (s *Store) CreateGroup(ctx context.Context, group domain.Group) error {
	now := time.Now().UTC()
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	if group.UpdatedAt.IsZero() {
		group.UpdatedAt = now
	}
	if group.Status == "" {
		group.Status = domain.GroupStatusActive
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO groups(id, name, status, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		group.ID, group.Name, string(group.Status), group.CreatedAt.UnixMilli(), group.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, status, created_at, updated_at FROM groups WHERE id = ?`,
		groupID,
	)
	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Group{}, fmt.Errorf("get group %s: %w", groupID, ErrNotFound)
		}
		return domain.Group{}, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]domain.Group, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, status, created_at, updated_at
		FROM groups WHERE status != ? ORDER BY created_at DESC`,
		string(domain.GroupStatusDeleted),
	)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Group, 0)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		result = append(result, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return result, nil
}

func (s *Store) SetGroupStatus(ctx context.Context, groupID string, status domain.GroupStatus) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE groups SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowMilli(), groupID,
	)
	if err != nil {
		return fmt.Errorf("set group status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set group status %s: %w", groupID, ErrNotFound)
	}
	return nil
}

func scanGroup(row scanner) (domain.Group, error) {
	var g domain.Group
	var status string
	var created, updated int64
	if err := row.Scan(&g.ID, &g.Name, &status, &created, &updated); err != nil {
		return domain.Group{}, err
	}
	g.Status = domain.GroupStatus(status)
	g.CreatedAt = milliToTime(created)
	g.UpdatedAt = milliToTime(updated)
	return g, nil
}

// AddMember registers a member and, for agents, seeds its per-group
// state with initialDisposition.
func (s *Store) AddMember(ctx context.Context, member domain.GroupMember, initialDisposition float64) error {
	if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now().UTC()
	}
	traits, err := json.Marshal(member.Traits)
	if err != nil {
		return fmt.Errorf("encode traits: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx add member: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO group_members(group_id, member_id, kind, display_name, persona, traits, joined_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, member_id) DO UPDATE SET
			kind = excluded.kind,
			display_name = excluded.display_name,
			persona = excluded.persona,
			traits = excluded.traits`,
		member.GroupID, member.MemberID, string(member.Kind), member.DisplayName, member.Persona,
		string(traits), member.JoinedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}

	if member.Kind == domain.AuthorAgent {
		_, err = tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO agent_group_state(group_id, agent_id, disposition_score, updated_at)
			VALUES(?, ?, ?, ?)`,
			member.GroupID, member.MemberID, initialDisposition, nowMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert agent state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add member: %w", err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, groupID string, memberID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx remove member: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_group_state WHERE group_id = ? AND agent_id = ?`, groupID, memberID); err != nil {
		return fmt.Errorf("delete agent state: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ? AND member_id = ?`, groupID, memberID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove member %s: %w", memberID, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove member: %w", err)
	}
	return nil
}

func (s *Store) ListMembers(ctx context.Context, groupID string) ([]domain.GroupMember, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT group_id, member_id, kind, display_name, persona, traits, joined_at
		FROM group_members WHERE group_id = ? ORDER BY joined_at ASC, member_id ASC`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	result := make([]domain.GroupMember, 0)
	for rows.Next() {
		var m domain.GroupMember
		var kind, traits string
		var joined int64
		if err := rows.Scan(&m.GroupID, &m.MemberID, &kind, &m.DisplayName, &m.Persona, &traits, &joined); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if err := json.Unmarshal([]byte(traits), &m.Traits); err != nil {
			return nil, fmt.Errorf("decode traits for %s: %w", m.MemberID, err)
		}
		m.Kind = domain.AuthorKind(kind)
		m.JoinedAt = milliToTime(joined)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return result, nil
}

func (s *Store) SetRelationship(ctx context.Context, rel domain.Relationship) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO relationships(agent_id, user_id, affinity, familiarity, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, user_id) DO UPDATE SET
			affinity = excluded.affinity,
			familiarity = excluded.familiarity,
			updated_at = excluded.updated_at`,
		rel.AgentID, rel.UserID, rel.Affinity, rel.Familiarity, nowMilli(),
	)
	if err != nil {
		return fmt.Errorf("set relationship: %w", err)
	}
	return nil
}

func (s *Store) ListRelationships(ctx context.Context, agentID string) ([]domain.Relationship, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT agent_id, user_id, affinity, familiarity, updated_at
		FROM relationships WHERE agent_id = ? ORDER BY user_id ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Relationship, 0)
	for rows.Next() {
		var r domain.Relationship
		var updated int64
		if err := rows.Scan(&r.AgentID, &r.UserID, &r.Affinity, &r.Familiarity, &updated); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		r.UpdatedAt = milliToTime(updated)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationships: %w", err)
	}
	return result, nil
}
