package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/daviddao/smail/internal/types"
)

// QueueQuarantine records a failed move to trash so a later pass can retry
// it. The first failure counts as attempt one. Queuing an already-queued
// message is a no-op.
func (d *DB) QueueQuarantine(ctx context.Context, account, messageID, lastErr string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO quarantine_retries (account, message_id, attempts, last_error, status, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(account, message_id) DO NOTHING`,
		account, messageID, nullStr(lastErr), types.QuarantinePending, toMicros(time.Now()))
	if err != nil {
		return unavailable("queue quarantine", err)
	}
	return nil
}

// PendingQuarantines returns the retries still waiting for account, oldest first.
func (d *DB) PendingQuarantines(ctx context.Context, account string) ([]types.QuarantineRetry, error) {
	return d.quarantines(ctx, account, types.QuarantinePending)
}

// Quarantines returns retries for account in the given status, or all when
// status is empty.
func (d *DB) Quarantines(ctx context.Context, account, status string) ([]types.QuarantineRetry, error) {
	return d.quarantines(ctx, account, status)
}

func (d *DB) quarantines(ctx context.Context, account, status string) ([]types.QuarantineRetry, error) {
	query := `SELECT account, message_id, attempts, last_error, status, updated_at
		FROM quarantine_retries WHERE account = ?`
	args := []any{account}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at ASC"

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list quarantines", err)
	}
	defer rows.Close()

	var out []types.QuarantineRetry
	for rows.Next() {
		var q types.QuarantineRetry
		var lastErr sql.NullString
		var updated int64
		if err := rows.Scan(&q.Account, &q.MessageID, &q.Attempts, &lastErr, &q.Status, &updated); err != nil {
			return nil, unavailable("list quarantines", err)
		}
		q.LastError = lastErr.String
		q.UpdatedAt = fromMicros(updated)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list quarantines", err)
	}
	return out, nil
}

// MarkQuarantine updates a retry entry after another attempt.
func (d *DB) MarkQuarantine(ctx context.Context, q types.QuarantineRetry) error {
	switch q.Status {
	case types.QuarantinePending, types.QuarantineMoved, types.QuarantineAbandoned:
	default:
		return fmt.Errorf("mark quarantine: invalid status %q", q.Status)
	}

	_, err := d.conn.ExecContext(ctx, `
		UPDATE quarantine_retries
		SET attempts = ?, last_error = ?, status = ?, updated_at = ?
		WHERE account = ? AND message_id = ?`,
		q.Attempts, nullStr(q.LastError), q.Status, toMicros(time.Now()), q.Account, q.MessageID)
	if err != nil {
		return unavailable("mark quarantine", err)
	}
	return nil
}
