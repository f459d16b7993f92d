package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agora/internal/domain"
)

// AppendTranscript stores msg with the next sequence number for its
// group and returns the stored row. The group must be active when the
// row is written.
func (s *Store) AppendTranscript(ctx context.Context, msg domain.TranscriptMessage) (domain.TranscriptMessage, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if len(msg.Metadata) == 0 {
		msg.Metadata = []byte("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TranscriptMessage{}, fmt.Errorf("begin tx append transcript: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM groups WHERE id = ?`, msg.GroupID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TranscriptMessage{}, fmt.Errorf("append transcript to %s: %w", msg.GroupID, ErrNotFound)
		}
		return domain.TranscriptMessage{}, fmt.Errorf("read group status: %w", err)
	}
	if domain.GroupStatus(status) != domain.GroupStatusActive {
		return domain.TranscriptMessage{}, fmt.Errorf("append transcript to %s (%s): %w", msg.GroupID, status, ErrGroupInactive)
	}

	var seq int64
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM transcript_messages WHERE group_id = ?`,
		msg.GroupID,
	).Scan(&seq); err != nil {
		return domain.TranscriptMessage{}, fmt.Errorf("next transcript seq: %w", err)
	}
	msg.Seq = seq

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO transcript_messages(id, group_id, seq, author_id, author_kind, content, metadata, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.GroupID, msg.Seq, msg.AuthorID, string(msg.AuthorKind), msg.Content,
		string(msg.Metadata), msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.TranscriptMessage{}, fmt.Errorf("insert transcript message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE groups SET updated_at = ? WHERE id = ?`, nowMilli(), msg.GroupID); err != nil {
		return domain.TranscriptMessage{}, fmt.Errorf("touch group after transcript append: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TranscriptMessage{}, fmt.Errorf("commit append transcript: %w", err)
	}
	return msg, nil
}

// ListTranscript returns the latest limit messages in ascending order.
func (s *Store) ListTranscript(ctx context.Context, groupID string, limit int) ([]domain.TranscriptMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, group_id, seq, author_id, author_kind, content, metadata, created_at
		FROM (
			SELECT * FROM transcript_messages WHERE group_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		groupID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TranscriptMessage, 0, limit)
	for rows.Next() {
		var m domain.TranscriptMessage
		var kind, metadata string
		var created int64
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Seq, &m.AuthorID, &kind, &m.Content, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan transcript message: %w", err)
		}
		m.AuthorKind = domain.AuthorKind(kind)
		m.Metadata = []byte(metadata)
		m.CreatedAt = milliToTime(created)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return result, nil
}
