package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrGroupInactive rejects transcript writes to halted or deleted groups.
	ErrGroupInactive = errors.New("group is not active")
)

const schema = `
CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id TEXT NOT NULL,
	member_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	display_name TEXT NOT NULL,
	persona TEXT NOT NULL DEFAULT '',
	traits TEXT NOT NULL DEFAULT '{}',
	joined_at INTEGER NOT NULL,
	PRIMARY KEY(group_id, member_id),
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS relationships (
	agent_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	affinity REAL NOT NULL DEFAULT 0,
	familiarity REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(agent_id, user_id)
);

CREATE TABLE IF NOT EXISTS agent_group_state (
	group_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	last_responded_at INTEGER NULL,
	disposition_score REAL NOT NULL DEFAULT 0,
	cooldown_until INTEGER NULL,
	recent_fingerprints TEXT NOT NULL DEFAULT '[]',
	loop_strikes INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(group_id, agent_id),
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tension_seeds (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	type TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	keywords TEXT NOT NULL DEFAULT '[]',
	involved_agent_ids TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	current_turn INTEGER NOT NULL DEFAULT 0,
	max_turns INTEGER NOT NULL,
	escalation_level INTEGER NOT NULL DEFAULT 0,
	resolving_at_turn INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	CHECK(current_turn <= max_turns),
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tension_seeds_group ON tension_seeds(group_id, status);

CREATE TABLE IF NOT EXISTS scene_executions (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	scene_code TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	current_step INTEGER NOT NULL DEFAULT 0,
	participant_agent_ids TEXT NOT NULL DEFAULT '[]',
	role_assignments TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	ended_at INTEGER NULL,
	abort_reason TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_scene_executions_running ON scene_executions(group_id) WHERE status = 'RUNNING';

CREATE TABLE IF NOT EXISTS transcript_messages (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	author_id TEXT NOT NULL,
	author_kind TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	UNIQUE(group_id, seq),
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS buffered_messages (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	author_id TEXT NOT NULL,
	author_kind TEXT NOT NULL,
	content TEXT NOT NULL,
	arrived_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_buffered_messages_group ON buffered_messages(group_id, arrived_at);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	group_id TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	idempotency_key TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	lease_until INTEGER NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs(kind, status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_jobs_group ON jobs(group_id, status);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_group ON decision_log(group_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps read-modify-write transactions serialized.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func nowMilli() int64 {
	return time.Now().UTC().UnixMilli()
}

func milliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func milliToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeStrings(raw string) ([]string, error) {
	values := make([]string, 0)
	if raw == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

type scanner interface {
	Scan(dest ...any) error
}
