package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrFolderTaken is returned by UpsertGroup when another group already owns
// the requested folder — folder assignment must stay injective so two chats
// never share one agent workspace.
var ErrFolderTaken = errors.New("store: folder already assigned to another group")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// GetGroup looks up a registered group by JID.
func (s *Store) GetGroup(ctx context.Context, jid string) (Group, error) {
	var g Group
	var createdAt string
	var requiresTrigger int
	err := s.db.QueryRowContext(ctx, `
		SELECT jid, display_name, folder, server_folder, trigger_pattern, requires_trigger, backend, created_at
		FROM groups WHERE jid = ?;
	`, jid).Scan(&g.JID, &g.DisplayName, &g.Folder, &g.ServerFolder, &g.TriggerPattern, &requiresTrigger, &g.Backend, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("store: get group: %w", err)
	}
	g.RequiresTrigger = requiresTrigger != 0
	g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return g, nil
}

// GetGroupByFolder looks up a registered group by its workspace folder —
// the identifier IPC task envelopes carry, since an agent process only
// ever knows its own and others' folder names, never raw JIDs.
func (s *Store) GetGroupByFolder(ctx context.Context, folder string) (Group, error) {
	var g Group
	var createdAt string
	var requiresTrigger int
	err := s.db.QueryRowContext(ctx, `
		SELECT jid, display_name, folder, server_folder, trigger_pattern, requires_trigger, backend, created_at
		FROM groups WHERE folder = ?;
	`, folder).Scan(&g.JID, &g.DisplayName, &g.Folder, &g.ServerFolder, &g.TriggerPattern, &requiresTrigger, &g.Backend, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, ErrNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("store: get group by folder: %w", err)
	}
	g.RequiresTrigger = requiresTrigger != 0
	g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return g, nil
}

// ListGroups returns every registered group.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, display_name, folder, server_folder, trigger_pattern, requires_trigger, backend, created_at
		FROM groups ORDER BY created_at;
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		var createdAt string
		var requiresTrigger int
		if err := rows.Scan(&g.JID, &g.DisplayName, &g.Folder, &g.ServerFolder, &g.TriggerPattern, &requiresTrigger, &g.Backend, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan group: %w", err)
		}
		g.RequiresTrigger = requiresTrigger != 0
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpsertGroup inserts or updates a registered group. It fails with
// ErrFolderTaken if g.Folder is already owned by a different JID.
func (s *Store) UpsertGroup(ctx context.Context, g Group) error {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT jid FROM groups WHERE folder = ?;`, g.Folder).Scan(&owner)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: check folder uniqueness: %w", err)
	}
	if err == nil && owner != g.JID {
		return ErrFolderTaken
	}

	requiresTrigger := 0
	if g.RequiresTrigger {
		requiresTrigger = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (jid, display_name, folder, server_folder, trigger_pattern, requires_trigger, backend)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			display_name = excluded.display_name,
			folder = excluded.folder,
			server_folder = excluded.server_folder,
			trigger_pattern = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger,
			backend = excluded.backend;
	`, g.JID, g.DisplayName, g.Folder, g.ServerFolder, g.TriggerPattern, requiresTrigger, g.Backend)
	if err != nil {
		return fmt.Errorf("store: upsert group: %w", err)
	}
	return nil
}

// DeleteGroup removes a registered group and its message log / cursor
// (cascade).
func (s *Store) DeleteGroup(ctx context.Context, jid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE jid = ?;`, jid)
	if err != nil {
		return fmt.Errorf("store: delete group: %w", err)
	}
	return nil
}

// AppendMessage records one inbound or outbound message for a group's log.
func (s *Store) AppendMessage(ctx context.Context, m Message) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (group_jid, message_id, sender, direction, content)
		VALUES (?, ?, ?, ?, ?);
	`, m.GroupJID, m.MessageID, m.Sender, m.Direction, m.Content)
	if err != nil {
		return 0, fmt.Errorf("store: append message: %w", err)
	}
	return res.LastInsertId()
}

// MessagesSince returns every message for a group with an id greater than
// offset, oldest first — the set the queue's exhaustion cursor has not yet
// committed as processed.
func (s *Store) MessagesSince(ctx context.Context, groupJID string, offset int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_jid, message_id, sender, direction, content, timestamp
		FROM messages WHERE group_jid = ? AND id > ?
		ORDER BY id ASC;
	`, groupJID, offset)
	if err != nil {
		return nil, fmt.Errorf("store: messages since: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.GroupJID, &m.MessageID, &m.Sender, &m.Direction, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentMessages returns the most recent n messages for a group, oldest
// first, for snapshot/IPC consumption.
func (s *Store) RecentMessages(ctx context.Context, groupJID string, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_jid, message_id, sender, direction, content, timestamp
		FROM messages WHERE group_jid = ?
		ORDER BY id DESC LIMIT ?;
	`, groupJID, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.GroupJID, &m.MessageID, &m.Sender, &m.Direction, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, m)
	}
	// rows came back newest-first; reverse in place for chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
