package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/daviddao/smail/internal/types"
)

const sessionColumns = `id, account, access_token, refresh_token, token_type, expiry, created_at, last_seen`

// CreateSession stores a new dashboard session.
func (d *DB) CreateSession(ctx context.Context, s *types.Session) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Account, s.AccessToken, nullStr(s.RefreshToken), nullStr(s.TokenType),
		toMicros(s.Expiry), toMicros(s.CreatedAt), toMicros(s.LastSeen))
	if err != nil {
		return unavailable("create session", err)
	}
	return nil
}

// GetSession loads a session by id.
func (d *DB) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := d.conn.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	return s, nil
}

// UpdateSessionToken persists a refreshed OAuth token.
func (d *DB) UpdateSessionToken(ctx context.Context, id, accessToken, refreshToken, tokenType string, expiry time.Time) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE sessions
		SET access_token = ?, refresh_token = COALESCE(?, refresh_token), token_type = ?, expiry = ?
		WHERE id = ?`,
		accessToken, nullStr(refreshToken), nullStr(tokenType), toMicros(expiry), id)
	if err != nil {
		return unavailable("update session token", err)
	}
	return nil
}

// TouchSession records activity on a session.
func (d *DB) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := d.conn.ExecContext(ctx, "UPDATE sessions SET last_seen = ? WHERE id = ?", toMicros(at), id)
	if err != nil {
		return unavailable("touch session", err)
	}
	return nil
}

// DeleteSession removes a session.
func (d *DB) DeleteSession(ctx context.Context, id string) error {
	if _, err := d.conn.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

// ActiveSessions returns sessions seen at or after since, newest first. Only
// the most recent session per account is returned.
func (d *DB) ActiveSessions(ctx context.Context, since time.Time) ([]types.Session, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions s
		WHERE last_seen >= ?
		  AND last_seen = (SELECT MAX(last_seen) FROM sessions WHERE account = s.account)
		ORDER BY last_seen DESC`, toMicros(since))
	if err != nil {
		return nil, unavailable("active sessions", err)
	}
	defer rows.Close()

	var out []types.Session
	seen := make(map[string]bool)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, unavailable("active sessions", err)
		}
		if seen[s.Account] {
			continue
		}
		seen[s.Account] = true
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("active sessions", err)
	}
	return out, nil
}

// PurgeSessions deletes sessions idle since before.
func (d *DB) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.conn.ExecContext(ctx, "DELETE FROM sessions WHERE last_seen < ?", toMicros(before))
	if err != nil {
		return 0, unavailable("purge sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var s types.Session
	var refresh, tokenType sql.NullString
	var expiry, created, lastSeen sql.NullInt64
	if err := row.Scan(&s.ID, &s.Account, &s.AccessToken, &refresh, &tokenType, &expiry, &created, &lastSeen); err != nil {
		return nil, err
	}
	s.RefreshToken = refresh.String
	s.TokenType = tokenType.String
	s.Expiry = fromMicros(expiry.Int64)
	s.CreatedAt = fromMicros(created.Int64)
	s.LastSeen = fromMicros(lastSeen.Int64)
	return &s, nil
}
