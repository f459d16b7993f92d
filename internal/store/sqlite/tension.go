package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agora/internal/domain"
)

const seedColumns = `id, group_id, type, title, content, keywords, involved_agent_ids, status,
	current_turn, max_turns, escalation_level, resolving_at_turn, created_at, updated_at`

func (s *Store) CreateSeed(ctx context.Context, seed domain.TensionSeed) error {
	now := time.Now().UTC()
	if seed.CreatedAt.IsZero() {
		seed.CreatedAt = now
	}
	if seed.UpdatedAt.IsZero() {
		seed.UpdatedAt = now
	}
	keywords, err := encodeJSON(nonNil(seed.Keywords))
	if err != nil {
		return fmt.Errorf("encode seed keywords: %w", err)
	}
	involved, err := encodeJSON(nonNil(seed.InvolvedAgentIDs))
	if err != nil {
		return fmt.Errorf("encode involved agents: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO tension_seeds(`+seedColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seed.ID, seed.GroupID, seed.Type, seed.Title, seed.Content, keywords, involved, string(seed.Status),
		seed.CurrentTurn, seed.MaxTurns, seed.EscalationLevel, seed.ResolvingAtTurn,
		seed.CreatedAt.UnixMilli(), seed.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create seed: %w", err)
	}
	return nil
}

func (s *Store) GetSeed(ctx context.Context, seedID string) (domain.TensionSeed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+seedColumns+` FROM tension_seeds WHERE id = ?`, seedID)
	seed, err := scanSeed(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TensionSeed{}, fmt.Errorf("get seed %s: %w", seedID, ErrNotFound)
		}
		return domain.TensionSeed{}, fmt.Errorf("get seed: %w", err)
	}
	return seed, nil
}

// ListSeeds returns the group's seeds, oldest first, optionally
// restricted to the given statuses.
func (s *Store) ListSeeds(ctx context.Context, groupID string, statuses ...domain.SeedStatus) ([]domain.TensionSeed, error) {
	query := `SELECT ` + seedColumns + ` FROM tension_seeds WHERE group_id = ?`
	args := []any{groupID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list seeds: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TensionSeed, 0)
	for rows.Next() {
		seed, err := scanSeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan seed: %w", err)
		}
		result = append(result, seed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seeds: %w", err)
	}
	return result, nil
}

// UpdateSeed applies fn to the current row inside one transaction.
func (s *Store) UpdateSeed(ctx context.Context, seedID string, fn func(*domain.TensionSeed) error) (domain.TensionSeed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TensionSeed{}, fmt.Errorf("begin tx update seed: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	seed, err := scanSeed(tx.QueryRowContext(ctx, `SELECT `+seedColumns+` FROM tension_seeds WHERE id = ?`, seedID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TensionSeed{}, fmt.Errorf("update seed %s: %w", seedID, ErrNotFound)
		}
		return domain.TensionSeed{}, fmt.Errorf("read seed: %w", err)
	}
	if err := fn(&seed); err != nil {
		return domain.TensionSeed{}, err
	}

	keywords, err := encodeJSON(nonNil(seed.Keywords))
	if err != nil {
		return domain.TensionSeed{}, fmt.Errorf("encode seed keywords: %w", err)
	}
	involved, err := encodeJSON(nonNil(seed.InvolvedAgentIDs))
	if err != nil {
		return domain.TensionSeed{}, fmt.Errorf("encode involved agents: %w", err)
	}
	seed.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(
		ctx,
		`UPDATE tension_seeds
		SET keywords = ?, involved_agent_ids = ?, status = ?, current_turn = ?, max_turns = ?,
			escalation_level = ?, resolving_at_turn = ?, updated_at = ?
		WHERE id = ?`,
		keywords, involved, string(seed.Status), seed.CurrentTurn, seed.MaxTurns,
		seed.EscalationLevel, seed.ResolvingAtTurn, seed.UpdatedAt.UnixMilli(), seedID,
	)
	if err != nil {
		return domain.TensionSeed{}, fmt.Errorf("write seed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TensionSeed{}, fmt.Errorf("commit seed: %w", err)
	}
	return seed, nil
}

func scanSeed(row scanner) (domain.TensionSeed, error) {
	var seed domain.TensionSeed
	var keywords, involved, status string
	var created, updated int64
	if err := row.Scan(
		&seed.ID, &seed.GroupID, &seed.Type, &seed.Title, &seed.Content, &keywords, &involved, &status,
		&seed.CurrentTurn, &seed.MaxTurns, &seed.EscalationLevel, &seed.ResolvingAtTurn, &created, &updated,
	); err != nil {
		return domain.TensionSeed{}, err
	}
	var err error
	if seed.Keywords, err = decodeStrings(keywords); err != nil {
		return domain.TensionSeed{}, fmt.Errorf("decode seed keywords: %w", err)
	}
	if seed.InvolvedAgentIDs, err = decodeStrings(involved); err != nil {
		return domain.TensionSeed{}, fmt.Errorf("decode involved agents: %w", err)
	}
	seed.Status = domain.SeedStatus(status)
	seed.CreatedAt = milliToTime(created)
	seed.UpdatedAt = milliToTime(updated)
	return seed, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
