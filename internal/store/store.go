// Package store is the durable persistence layer: registered groups, the
// per-group message log, and each group's exhaustion cursor (the
// commit-offset/retry-count/pending-flag triple the queue needs to survive
// a restart without replaying or dropping messages).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema version ledger. Every migration bumps the version and carries a
// human-readable checksum label so a mismatched on-disk schema fails loudly
// at startup instead of silently missing columns.
const (
	schemaVersion1  = 1
	schemaChecksum1 = "nc-v1-2026-03-01-groups-messages"

	schemaVersion2  = 2
	schemaChecksum2 = "nc-v2-2026-03-04-exhaustion-cursor"

	schemaVersion3  = 3
	schemaChecksum3 = "nc-v3-2026-03-10-schedules"

	schemaVersionLatest  = schemaVersion3
	schemaChecksumLatest = schemaChecksum3
)

// Store wraps the sqlite connection backing the orchestrator's state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database under dataDir and
// applies any pending migrations.
func Open(ctx context.Context, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "nanoclaw.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("store: create schema_meta: %w", err)
	}

	var version int
	var checksum string
	err := s.db.QueryRowContext(ctx, `SELECT version, checksum FROM schema_meta WHERE id = 1;`).Scan(&version, &checksum)
	switch {
	case err == sql.ErrNoRows:
		if err := s.applyAll(ctx); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("store: read schema_meta: %w", err)
	case version < schemaVersionLatest:
		if err := s.applyFrom(ctx, version); err != nil {
			return err
		}
	case version > schemaVersionLatest:
		return fmt.Errorf("store: on-disk schema v%d (%s) is newer than this binary supports (v%d)", version, checksum, schemaVersionLatest)
	}
	return nil
}

func (s *Store) applyAll(ctx context.Context) error {
	return s.applyFrom(ctx, 0)
}

func (s *Store) applyFrom(ctx context.Context, from int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if from < schemaVersion1 {
		if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
			return fmt.Errorf("store: apply schema v1: %w", err)
		}
	}
	if from < schemaVersion2 {
		if _, err := tx.ExecContext(ctx, schemaV2); err != nil {
			return fmt.Errorf("store: apply schema v2: %w", err)
		}
	}
	if from < schemaVersion3 {
		if _, err := tx.ExecContext(ctx, schemaV3); err != nil {
			return fmt.Errorf("store: apply schema v3: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_meta (id, version, checksum) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, checksum = excluded.checksum;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("store: record schema version: %w", err)
	}
	return tx.Commit()
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS groups (
	jid              TEXT PRIMARY KEY,
	display_name     TEXT NOT NULL DEFAULT '',
	folder           TEXT NOT NULL UNIQUE,
	server_folder    TEXT NOT NULL DEFAULT '',
	trigger_pattern  TEXT NOT NULL DEFAULT '',
	requires_trigger INTEGER NOT NULL DEFAULT 0,
	backend          TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	group_jid   TEXT NOT NULL REFERENCES groups(jid) ON DELETE CASCADE,
	message_id  TEXT NOT NULL,
	sender      TEXT NOT NULL DEFAULT '',
	direction   TEXT NOT NULL DEFAULT 'inbound',
	content     TEXT NOT NULL DEFAULT '',
	timestamp   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_messages_group_ts ON messages(group_jid, timestamp);
`

const schemaV2 = `
CREATE TABLE IF NOT EXISTS exhaustion_cursor (
	group_jid        TEXT PRIMARY KEY REFERENCES groups(jid) ON DELETE CASCADE,
	commit_offset    INTEGER NOT NULL DEFAULT 0,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	pending_messages INTEGER NOT NULL DEFAULT 0,
	backoff_until    TEXT
);
`

const schemaV3 = `
CREATE TABLE IF NOT EXISTS schedules (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	group_jid  TEXT NOT NULL REFERENCES groups(jid) ON DELETE CASCADE,
	cron_expr  TEXT NOT NULL,
	prompt     TEXT NOT NULL,
	next_run   TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(next_run);
`

// Group is a row of the groups table.
type Group struct {
	JID             string
	DisplayName     string
	Folder          string
	ServerFolder    string
	TriggerPattern  string
	RequiresTrigger bool
	Backend         string
	CreatedAt       time.Time
}

// Message is a row of the messages table.
type Message struct {
	ID        int64
	GroupJID  string
	MessageID string
	Sender    string
	Direction string
	Content   string
	Timestamp time.Time
}

// Schedule is a row of the schedules table: a recurring prompt registered
// for a group via an IPC schedule task, driven by a cron expression.
type Schedule struct {
	ID        int64
	GroupJID  string
	CronExpr  string
	Prompt    string
	NextRun   time.Time
	CreatedAt time.Time
}

// Cursor is a group's exhaustion-cursor state: how far processing has
// committed, how many consecutive retries have been attempted, whether more
// messages arrived since the last commit, and the earliest time a retry may
// run next.
type Cursor struct {
	GroupJID        string
	CommitOffset    int64
	RetryCount      int
	PendingMessages bool
	BackoffUntil    *time.Time
}
