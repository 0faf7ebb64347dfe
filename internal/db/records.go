package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/smail/internal/types"
)

const recordColumns = `seq, account, message_id, sender, subject, snippet, verdict, confidence, reason, scanned_at`

// HasRecord reports whether a message has already been scanned for account.
func (d *DB) HasRecord(ctx context.Context, account, messageID string) (bool, error) {
	var n int
	err := d.conn.QueryRowContext(ctx,
		"SELECT 1 FROM scan_records WHERE account = ? AND message_id = ?", account, messageID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("has record", err)
	}
	return true, nil
}

// RecordScan inserts a scan record and returns it with its sequence number
// assigned. A second insert for the same (account, message id) fails with
// ErrDuplicateRecord and leaves the first record untouched.
func (d *DB) RecordScan(ctx context.Context, rec *types.ScanRecord) (*types.ScanRecord, error) {
	if !rec.Verdict.IsValid() {
		return nil, fmt.Errorf("record scan: invalid verdict %q", rec.Verdict)
	}
	if rec.Confidence < 0 || rec.Confidence > 100 {
		return nil, fmt.Errorf("record scan: confidence %d out of range", rec.Confidence)
	}

	out := *rec
	if out.ScannedAt.IsZero() {
		out.ScannedAt = time.Now().UTC()
	}

	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO scan_records
			(account, message_id, sender, subject, snippet, verdict, confidence, reason, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.Account, out.MessageID, out.Sender, out.Subject, nullStr(out.Snippet),
		string(out.Verdict), out.Confidence, nullStr(out.Reason), toMicros(out.ScannedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateRecord, out.Account, out.MessageID)
		}
		return nil, unavailable("record scan", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, unavailable("record scan", err)
	}
	out.Seq = seq
	return &out, nil
}

// GetRecord returns the scan record for a message.
func (d *DB) GetRecord(ctx context.Context, account, messageID string) (*types.ScanRecord, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM scan_records WHERE account = ? AND message_id = ?",
		account, messageID)
	if err != nil {
		return nil, unavailable("get record", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

// RecordsFor returns the records that exist for the given message ids, keyed
// by message id. Used to annotate mailbox listings.
func (d *DB) RecordsFor(ctx context.Context, account string, messageIDs []string) (map[string]types.ScanRecord, error) {
	out := make(map[string]types.ScanRecord, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	args := make([]any, 0, len(messageIDs)+1)
	args = append(args, account)
	for _, id := range messageIDs {
		args = append(args, id)
	}

	rows, err := d.conn.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM scan_records WHERE account = ? AND message_id IN ("+placeholders+")",
		args...)
	if err != nil {
		return nil, unavailable("records for", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		out[r.MessageID] = r
	}
	return out, nil
}

// ListSince returns the account's records scanned at or after since, ordered
// by scan time and then sequence. An empty verdict matches both verdicts.
func (d *DB) ListSince(ctx context.Context, account string, since time.Time, verdict types.Verdict) ([]types.ScanRecord, error) {
	query := "SELECT " + recordColumns + " FROM scan_records WHERE account = ? AND scanned_at >= ?"
	args := []any{account, toMicros(since)}
	if verdict != "" {
		query += " AND verdict = ?"
		args = append(args, string(verdict))
	}
	query += " ORDER BY scanned_at ASC, seq ASC"

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list since", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListAfterSeq returns up to limit records with seq greater than after, in
// sequence order.
func (d *DB) ListAfterSeq(ctx context.Context, account string, after int64, verdict types.Verdict, limit int) ([]types.ScanRecord, error) {
	query := "SELECT " + recordColumns + " FROM scan_records WHERE account = ? AND seq > ?"
	args := []any{account, after}
	if verdict != "" {
		query += " AND verdict = ?"
		args = append(args, string(verdict))
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list after seq", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListRecent returns the newest records first.
func (d *DB) ListRecent(ctx context.Context, account string, verdict types.Verdict, limit int) ([]types.ScanRecord, error) {
	query := "SELECT " + recordColumns + " FROM scan_records WHERE account = ?"
	args := []any{account}
	if verdict != "" {
		query += " AND verdict = ?"
		args = append(args, string(verdict))
	}
	query += " ORDER BY seq DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list recent", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MaxSeq returns the highest committed sequence number for account, or 0.
func (d *DB) MaxSeq(ctx context.Context, account string) (int64, error) {
	var seq int64
	err := d.conn.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM scan_records WHERE account = ?", account).Scan(&seq)
	if err != nil {
		return 0, unavailable("max seq", err)
	}
	return seq, nil
}

// SeqBefore returns the highest sequence number of records scanned strictly
// before t, or 0.
func (d *DB) SeqBefore(ctx context.Context, account string, t time.Time) (int64, error) {
	var seq int64
	err := d.conn.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM scan_records WHERE account = ? AND scanned_at < ?",
		account, toMicros(t)).Scan(&seq)
	if err != nil {
		return 0, unavailable("seq before", err)
	}
	return seq, nil
}

// Stats returns verdict counts for account.
func (d *DB) Stats(ctx context.Context, account string) (types.Stats, error) {
	var s types.Stats
	err := d.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN verdict = 'safe' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN verdict = 'phishing' THEN 1 ELSE 0 END), 0)
		FROM scan_records WHERE account = ?`, account).Scan(&s.Total, &s.Safe, &s.Phishing)
	if err != nil {
		return s, unavailable("stats", err)
	}
	return s, nil
}

// Accounts returns every account that has scan records.
func (d *DB) Accounts(ctx context.Context) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx, "SELECT DISTINCT account FROM scan_records ORDER BY account")
	if err != nil {
		return nil, unavailable("accounts", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, unavailable("accounts", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("accounts", err)
	}
	return accounts, nil
}

// LatestScanAt returns when the account was last scanned, or the zero time.
func (d *DB) LatestScanAt(ctx context.Context, account string) (time.Time, error) {
	var us int64
	err := d.conn.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(scanned_at), 0) FROM scan_records WHERE account = ?", account).Scan(&us)
	if err != nil {
		return time.Time{}, unavailable("latest scan", err)
	}
	return fromMicros(us), nil
}

// Cleanup keeps the newest keep records and deletes the rest. Messages whose
// records are pruned are scanned again if they are still in the mailbox.
func (d *DB) Cleanup(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("cleanup: keep must not be negative")
	}
	res, err := d.conn.ExecContext(ctx, `
		DELETE FROM scan_records
		WHERE seq NOT IN (SELECT seq FROM scan_records ORDER BY seq DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, unavailable("cleanup", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Reset deletes all scan records and pending quarantine retries. Sequence
// numbers keep growing so that outstanding cursors stay valid.
func (d *DB) Reset(ctx context.Context) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("reset", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM scan_records", "DELETE FROM quarantine_retries"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return unavailable("reset", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("reset", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]types.ScanRecord, error) {
	var result []types.ScanRecord
	for rows.Next() {
		var r types.ScanRecord
		var snippet, reason sql.NullString
		var verdict string
		var scannedAt int64
		if err := rows.Scan(
			&r.Seq, &r.Account, &r.MessageID, &r.Sender, &r.Subject, &snippet,
			&verdict, &r.Confidence, &reason, &scannedAt,
		); err != nil {
			return nil, unavailable("scan row", err)
		}
		r.Snippet = snippet.String
		r.Reason = reason.String
		r.Verdict = types.Verdict(verdict)
		r.ScannedAt = fromMicros(scannedAt)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan rows", err)
	}
	return result, nil
}
