package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCursor returns a group's exhaustion cursor, or the zero cursor if none
// has been recorded yet (a group that has never failed never needed one).
func (s *Store) GetCursor(ctx context.Context, groupJID string) (Cursor, error) {
	var c Cursor
	c.GroupJID = groupJID
	var pending int
	var backoffUntil sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT commit_offset, retry_count, pending_messages, backoff_until
		FROM exhaustion_cursor WHERE group_jid = ?;
	`, groupJID).Scan(&c.CommitOffset, &c.RetryCount, &pending, &backoffUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("store: get cursor: %w", err)
	}
	c.PendingMessages = pending != 0
	if backoffUntil.Valid {
		if t, err := time.Parse(time.RFC3339Nano, backoffUntil.String); err == nil {
			c.BackoffUntil = &t
		}
	}
	return c, nil
}

// SaveCursor persists a group's exhaustion cursor in full.
func (s *Store) SaveCursor(ctx context.Context, c Cursor) error {
	pending := 0
	if c.PendingMessages {
		pending = 1
	}
	var backoffUntil any
	if c.BackoffUntil != nil {
		backoffUntil = c.BackoffUntil.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exhaustion_cursor (group_jid, commit_offset, retry_count, pending_messages, backoff_until)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_jid) DO UPDATE SET
			commit_offset = excluded.commit_offset,
			retry_count = excluded.retry_count,
			pending_messages = excluded.pending_messages,
			backoff_until = excluded.backoff_until;
	`, c.GroupJID, c.CommitOffset, c.RetryCount, pending, backoffUntil)
	if err != nil {
		return fmt.Errorf("store: save cursor: %w", err)
	}
	return nil
}

// CommitProcessed advances the commit offset past a successfully processed
// message and clears the retry counter — a clean pass resets backoff state
// entirely.
func (s *Store) CommitProcessed(ctx context.Context, groupJID string, offset int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exhaustion_cursor (group_jid, commit_offset, retry_count, pending_messages, backoff_until)
		VALUES (?, ?, 0, 0, NULL)
		ON CONFLICT(group_jid) DO UPDATE SET
			commit_offset = excluded.commit_offset,
			retry_count = 0,
			pending_messages = 0,
			backoff_until = NULL;
	`, groupJID, offset)
	if err != nil {
		return fmt.Errorf("store: commit processed: %w", err)
	}
	return nil
}

// CommitExhausted advances the exhaustion cursor to offset and clears the
// retry counter and pending flag, the same shape as CommitProcessed but
// invoked from the queue's exhaustion path rather than a successful run —
// offset is computed by the caller per the configured recovery gate, not
// necessarily the tail of the failed batch.
func (s *Store) CommitExhausted(ctx context.Context, groupJID string, offset int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exhaustion_cursor (group_jid, commit_offset, retry_count, pending_messages, backoff_until)
		VALUES (?, ?, 0, 0, NULL)
		ON CONFLICT(group_jid) DO UPDATE SET
			commit_offset = excluded.commit_offset,
			retry_count = 0,
			pending_messages = 0,
			backoff_until = NULL;
	`, groupJID, offset)
	if err != nil {
		return fmt.Errorf("store: commit exhausted: %w", err)
	}
	return nil
}

// MarkPending flags that new messages arrived for a group while it was
// mid-backoff, so the scheduler knows to re-run once the backoff clears
// instead of going idle.
func (s *Store) MarkPending(ctx context.Context, groupJID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exhaustion_cursor (group_jid, commit_offset, retry_count, pending_messages, backoff_until)
		VALUES (?, 0, 0, 1, NULL)
		ON CONFLICT(group_jid) DO UPDATE SET pending_messages = 1;
	`, groupJID)
	if err != nil {
		return fmt.Errorf("store: mark pending: %w", err)
	}
	return nil
}
