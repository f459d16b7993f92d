package sqlite

import (
	"context"
	"fmt"

	"agora/internal/domain"
)

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(group_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.GroupID, entry.Actor, entry.Action, entry.Reason, payload, nowMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListGroupDecisions(ctx context.Context, groupID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, group_id, actor, action, reason, payload, created_at
		FROM decision_log WHERE group_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		groupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list group decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var d domain.DecisionLog
		var payload string
		var created int64
		if err := rows.Scan(&d.ID, &d.GroupID, &d.Actor, &d.Action, &d.Reason, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Payload = []byte(payload)
		d.CreatedAt = milliToTime(created)
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}
