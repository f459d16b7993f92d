package sqlite

import (
	"context"
	"fmt"

	"agora/internal/domain"
)

func (s *Store) AppendBuffered(ctx context.Context, msg domain.BufferedMessage) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO buffered_messages(id, group_id, author_id, author_kind, content, arrived_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.GroupID, msg.AuthorID, string(msg.AuthorKind), msg.Content, msg.ArrivedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append buffered message: %w", err)
	}
	return nil
}

func (s *Store) DeleteBuffered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx delete buffered: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM buffered_messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete buffered message %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete buffered: %w", err)
	}
	return nil
}

// ListBuffered returns every journalled message in arrival order.
func (s *Store) ListBuffered(ctx context.Context) ([]domain.BufferedMessage, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, group_id, author_id, author_kind, content, arrived_at
		FROM buffered_messages ORDER BY arrived_at ASC, rowid ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list buffered messages: %w", err)
	}
	defer rows.Close()

	result := make([]domain.BufferedMessage, 0)
	for rows.Next() {
		var m domain.BufferedMessage
		var kind string
		var arrived int64
		if err := rows.Scan(&m.ID, &m.GroupID, &m.AuthorID, &kind, &m.Content, &arrived); err != nil {
			return nil, fmt.Errorf("scan buffered message: %w", err)
		}
		m.AuthorKind = domain.AuthorKind(kind)
		m.ArrivedAt = milliToTime(arrived)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buffered messages: %w", err)
	}
	return result, nil
}
