package db

// Schema is the DDL for the smail database.
//
// scan_records.seq is assigned by SQLite in commit order (writers are
// serialized), which is what notification cursors rely on.
const Schema = `
CREATE TABLE IF NOT EXISTS scan_records (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    account     TEXT NOT NULL,
    message_id  TEXT NOT NULL,
    sender      TEXT NOT NULL DEFAULT '',
    subject     TEXT NOT NULL DEFAULT '',
    snippet     TEXT,
    verdict     TEXT NOT NULL CHECK (verdict IN ('safe', 'phishing')),
    confidence  INTEGER NOT NULL CHECK (confidence BETWEEN 0 AND 100),
    reason      TEXT,
    scanned_at  INTEGER NOT NULL,
    UNIQUE(account, message_id)
);

CREATE TABLE IF NOT EXISTS quarantine_retries (
    account     TEXT NOT NULL,
    message_id  TEXT NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 1,
    last_error  TEXT,
    status      TEXT NOT NULL DEFAULT 'pending',
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (account, message_id)
);

CREATE TABLE IF NOT EXISTS sessions (
    id             TEXT PRIMARY KEY,
    account        TEXT NOT NULL,
    access_token   TEXT NOT NULL,
    refresh_token  TEXT,
    token_type     TEXT,
    expiry         INTEGER,
    created_at     INTEGER NOT NULL,
    last_seen      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scan_records_account_time ON scan_records(account, scanned_at);
CREATE INDEX IF NOT EXISTS idx_scan_records_account_verdict ON scan_records(account, verdict, seq);
CREATE INDEX IF NOT EXISTS idx_quarantine_status ON quarantine_retries(account, status);
CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen);
`
