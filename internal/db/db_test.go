package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/daviddao/smail/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "nested", "smail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func record(account, id string, verdict types.Verdict, confidence int) *types.ScanRecord {
	return &types.ScanRecord{
		Account:    account,
		MessageID:  id,
		Sender:     "sender@example.com",
		Subject:    "subject " + id,
		Verdict:    verdict,
		Confidence: confidence,
		Reason:     "reason",
	}
}

func TestRecordScan_AssignsIncreasingSeq(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	first, err := d.RecordScan(ctx, record("a@example.com", "m1", types.VerdictPhishing, 92))
	require.NoError(t, err)
	second, err := d.RecordScan(ctx, record("a@example.com", "m2", types.VerdictSafe, 88))
	require.NoError(t, err)

	assert.Greater(t, first.Seq, int64(0))
	assert.Greater(t, second.Seq, first.Seq)
	assert.False(t, first.ScannedAt.IsZero())

	ok, err := d.HasRecord(ctx, "a@example.com", "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.HasRecord(ctx, "b@example.com", "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordScan_DuplicateRejected(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	_, err := d.RecordScan(ctx, record("a@example.com", "m1", types.VerdictPhishing, 92))
	require.NoError(t, err)

	_, err = d.RecordScan(ctx, record("a@example.com", "m1", types.VerdictSafe, 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateRecord))
	assert.False(t, errors.Is(err, ErrStoreUnavailable))

	got, err := d.GetRecord(ctx, "a@example.com", "m1")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPhishing, got.Verdict)
	assert.Equal(t, 92, got.Confidence)

	// Same message id under another account is a different record.
	_, err = d.RecordScan(ctx, record("b@example.com", "m1", types.VerdictSafe, 10))
	assert.NoError(t, err)
}

func TestRecordScan_RejectsInvalidInput(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	_, err := d.RecordScan(ctx, record("a@example.com", "m1", "spam", 50))
	assert.Error(t, err)

	_, err = d.RecordScan(ctx, record("a@example.com", "m1", types.VerdictSafe, 101))
	assert.Error(t, err)
}

func TestListSince_OrderedByScanTimeThenSeq(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	insert := func(id string, at time.Time, v types.Verdict) {
		r := record("a@example.com", id, v, 70)
		r.ScannedAt = at
		_, err := d.RecordScan(ctx, r)
		require.NoError(t, err)
	}
	insert("late", base.Add(2*time.Minute), types.VerdictPhishing)
	insert("early", base, types.VerdictSafe)
	insert("tie-1", base.Add(time.Minute), types.VerdictPhishing)
	insert("tie-2", base.Add(time.Minute), types.VerdictSafe)
	insert("old", base.Add(-time.Hour), types.VerdictPhishing)

	recs, err := d.ListSince(ctx, "a@example.com", base, "")
	require.NoError(t, err)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.MessageID)
	}
	assert.Equal(t, []string{"early", "tie-1", "tie-2", "late"}, ids)

	recs, err = d.ListSince(ctx, "a@example.com", base, types.VerdictPhishing)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "tie-1", recs[0].MessageID)
	assert.Equal(t, "late", recs[1].MessageID)
	assert.True(t, recs[1].ScannedAt.Equal(base.Add(2*time.Minute)))
}

func TestListAfterSeqAndWatermarks(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	seq, err := d.MaxSeq(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	cutoff := time.Now().UTC()
	old := record("a@example.com", "old", types.VerdictPhishing, 90)
	old.ScannedAt = cutoff.Add(-time.Minute)
	oldRec, err := d.RecordScan(ctx, old)
	require.NoError(t, err)

	var phishing []int64
	for _, id := range []string{"p1", "s1", "p2", "p3"} {
		v := types.VerdictSafe
		if id[0] == 'p' {
			v = types.VerdictPhishing
		}
		r, err := d.RecordScan(ctx, record("a@example.com", id, v, 80))
		require.NoError(t, err)
		if v == types.VerdictPhishing {
			phishing = append(phishing, r.Seq)
		}
	}

	before, err := d.SeqBefore(ctx, "a@example.com", cutoff)
	require.NoError(t, err)
	assert.Equal(t, oldRec.Seq, before)

	recs, err := d.ListAfterSeq(ctx, "a@example.com", before, types.VerdictPhishing, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, phishing[i], r.Seq)
	}

	recs, err = d.ListAfterSeq(ctx, "a@example.com", before, types.VerdictPhishing, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	high, err := d.MaxSeq(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, phishing[2], high)
}

func TestStatsAndRecordsFor(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	for i, v := range []types.Verdict{types.VerdictSafe, types.VerdictSafe, types.VerdictPhishing} {
		_, err := d.RecordScan(ctx, record("a@example.com", string(rune('a'+i)), v, 75))
		require.NoError(t, err)
	}
	_, err := d.RecordScan(ctx, record("b@example.com", "x", types.VerdictPhishing, 75))
	require.NoError(t, err)

	s, err := d.Stats(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, types.Stats{Total: 3, Safe: 2, Phishing: 1}, s)

	got, err := d.RecordsFor(ctx, "a@example.com", []string{"a", "c", "zzz"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, types.VerdictPhishing, got["c"].Verdict)

	accounts, err := d.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, accounts)

	recent, err := d.ListRecent(ctx, "a@example.com", types.VerdictSafe, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "b", recent[0].MessageID)
}

func TestCleanupAndReset(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	var last int64
	for _, id := range []string{"1", "2", "3", "4"} {
		r, err := d.RecordScan(ctx, record("a@example.com", id, types.VerdictSafe, 60))
		require.NoError(t, err)
		last = r.Seq
	}

	n, err := d.Cleanup(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, _ := d.HasRecord(ctx, "a@example.com", "1")
	assert.False(t, ok)
	ok, _ = d.HasRecord(ctx, "a@example.com", "4")
	assert.True(t, ok)

	require.NoError(t, d.QueueQuarantine(ctx, "a@example.com", "4", "boom"))
	require.NoError(t, d.Reset(ctx))

	s, err := d.Stats(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Total)
	pending, err := d.PendingQuarantines(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Empty(t, pending)

	r, err := d.RecordScan(ctx, record("a@example.com", "5", types.VerdictSafe, 60))
	require.NoError(t, err)
	assert.Greater(t, r.Seq, last)
}

func TestQuarantineQueue(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.QueueQuarantine(ctx, "a@example.com", "m1", "503 backend error"))
	require.NoError(t, d.QueueQuarantine(ctx, "a@example.com", "m1", "again"))

	pending, err := d.PendingQuarantines(ctx, "a@example.com")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "503 backend error", pending[0].LastError)

	q := pending[0]
	q.Attempts = 2
	q.Status = types.QuarantineMoved
	q.LastError = ""
	require.NoError(t, d.MarkQuarantine(ctx, q))

	pending, err = d.PendingQuarantines(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Empty(t, pending)

	moved, err := d.Quarantines(ctx, "a@example.com", types.QuarantineMoved)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, 2, moved[0].Attempts)

	q.Status = "lost"
	assert.Error(t, d.MarkQuarantine(ctx, q))
}

func TestSessions(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	s := &types.Session{
		ID:           "sess-1",
		Account:      "a@example.com",
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       now.Add(time.Hour),
		CreatedAt:    now,
		LastSeen:     now,
	}
	require.NoError(t, d.CreateSession(ctx, s))

	got, err := d.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Account)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.True(t, got.CreatedAt.Equal(now))

	require.NoError(t, d.UpdateSessionToken(ctx, "sess-1", "access-2", "", "Bearer", now.Add(2*time.Hour)))
	got, err = d.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken, "empty refresh token keeps the stored one")

	older := *s
	older.ID = "sess-0"
	older.LastSeen = now.Add(-10 * time.Minute)
	require.NoError(t, d.CreateSession(ctx, &older))

	active, err := d.ActiveSessions(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sess-1", active[0].ID)

	n, err := d.PurgeSessions(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, d.DeleteSession(ctx, "sess-1"))
	_, err = d.GetSession(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreUnavailable(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	d := New(conn)
	ctx := context.Background()

	mock.ExpectQuery("SELECT 1 FROM scan_records").WillReturnError(errors.New("disk I/O error"))
	_, err = d.HasRecord(ctx, "a@example.com", "m1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	mock.ExpectExec("INSERT INTO scan_records").WillReturnError(errors.New("database is locked"))
	_, err = d.RecordScan(ctx, record("a@example.com", "m1", types.VerdictSafe, 50))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrDuplicateRecord)

	mock.ExpectExec("INSERT INTO scan_records").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: scan_records.account, scan_records.message_id"))
	_, err = d.RecordScan(ctx, record("a@example.com", "m1", types.VerdictSafe, 50))
	assert.ErrorIs(t, err, ErrDuplicateRecord)

	mock.ExpectExec("INSERT INTO scan_records").WillReturnResult(sqlmock.NewResult(42, 1))
	rec, err := d.RecordScan(ctx, record("a@example.com", "m2", types.VerdictSafe, 50))
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.Seq)

	assert.NoError(t, mock.ExpectationsWereMet())
}
