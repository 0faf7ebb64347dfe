package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/smail/internal/db"
	"github.com/daviddao/smail/internal/gmail"
	"github.com/daviddao/smail/internal/scan"
	"github.com/daviddao/smail/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const account = "alice@example.com"

// fakeScanner records a phishing message per pass when armed.
type fakeScanner struct {
	store  *db.DB
	last   time.Time
	passes int
	next   []*types.ScanRecord
	err    error
}

func (s *fakeScanner) LastPass(string) time.Time { return s.last }

func (s *fakeScanner) TryRunPass(ctx context.Context, acct string, src scan.MailSource) (*types.PassResult, error) {
	s.passes++
	s.last = time.Now()
	if s.err != nil {
		return nil, s.err
	}
	res := &types.PassResult{Account: acct}
	for _, r := range s.next {
		rec, err := s.store.RecordScan(ctx, r)
		if err != nil {
			return res, err
		}
		res.Records = append(res.Records, *rec)
	}
	s.next = nil
	return res, nil
}

type nopSource struct{}

func (nopSource) ListCandidates(context.Context) ([]string, error)       { return nil, nil }
func (nopSource) Fetch(context.Context, string) (*types.Message, error) { return nil, nil }
func (nopSource) Quarantine(context.Context, string) error               { return nil }

func setup(t *testing.T) (*db.DB, *types.Session) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "smail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, &types.Session{ID: "s1", Account: account, CreatedAt: time.Now().UTC()}
}

func rec(id string, v types.Verdict, conf int) *types.ScanRecord {
	return &types.ScanRecord{Account: account, MessageID: id, Sender: "x@example.com", Subject: "s " + id, Verdict: v, Confidence: conf}
}

func TestCursorRoundTrip(t *testing.T) {
	c := ParseCursor(At(42).String())
	assert.False(t, c.IsZero())
	assert.Equal(t, int64(42), c.Seq)
	assert.True(t, ParseCursor(At(0).String()) == At(0))

	for _, bad := range []string{"", "!!!", "djE6", "bm9wZTox", "djE6LTE", "djE6YWJj"} {
		assert.True(t, ParseCursor(bad).IsZero(), bad)
	}
	assert.Equal(t, "", Cursor{}.String())
}

func TestPoll_FirstPollStartsAtSession(t *testing.T) {
	store, sess := setup(t)
	ctx := context.Background()

	// History older than the session is not replayed.
	old := rec("old", types.VerdictPhishing, 99)
	old.ScannedAt = sess.CreatedAt.Add(-time.Minute)
	_, err := store.RecordScan(ctx, old)
	require.NoError(t, err)

	p := NewPoller(store, nil, time.Minute, 50, zap.NewNop())
	resp, err := p.Poll(ctx, sess, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Count)
	assert.NotEmpty(t, resp.Cursor)
	assert.NotNil(t, resp.NewEmails)
}

func TestPoll_DeliversOnceAndAdvances(t *testing.T) {
	store, sess := setup(t)
	ctx := context.Background()
	sc := &fakeScanner{store: store}
	sc.next = []*types.ScanRecord{
		rec("m1", types.VerdictPhishing, 92),
		rec("m2", types.VerdictSafe, 88),
	}

	p := NewPoller(store, sc, time.Minute, 50, zap.NewNop())
	resp, err := p.Poll(ctx, sess, "", nopSource{})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	got := resp.NewEmails[0]
	assert.Equal(t, "m1", got.ID)
	assert.Equal(t, 92, got.Confidence)
	assert.True(t, got.IsPhishing)
	assert.Equal(t, 1, sc.passes)

	// Last pass is fresh, so no new pass and nothing new.
	again, err := p.Poll(ctx, sess, resp.Cursor, nopSource{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Count)
	assert.Equal(t, 1, sc.passes)
	assert.GreaterOrEqual(t, ParseCursor(again.Cursor).Seq, ParseCursor(resp.Cursor).Seq)

	// A later record shows up exactly once.
	_, err = store.RecordScan(ctx, rec("m3", types.VerdictPhishing, 75))
	require.NoError(t, err)
	third, err := p.Poll(ctx, sess, again.Cursor, nopSource{})
	require.NoError(t, err)
	require.Equal(t, 1, third.Count)
	assert.Equal(t, "m3", third.NewEmails[0].ID)

	fourth, err := p.Poll(ctx, sess, third.Cursor, nopSource{})
	require.NoError(t, err)
	assert.Equal(t, 0, fourth.Count)
}

func TestPoll_CursorSkipsQuietRecords(t *testing.T) {
	store, sess := setup(t)
	ctx := context.Background()
	p := NewPoller(store, nil, time.Minute, 50, zap.NewNop())

	first, err := p.Poll(ctx, sess, "", nil)
	require.NoError(t, err)

	var high int64
	for i := range 3 {
		r, err := store.RecordScan(ctx, rec(fmt.Sprintf("safe%d", i), types.VerdictSafe, 90))
		require.NoError(t, err)
		high = r.Seq
	}
	resp, err := p.Poll(ctx, sess, first.Cursor, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Count)
	assert.Equal(t, high, ParseCursor(resp.Cursor).Seq)
}

func TestPoll_BatchTruncation(t *testing.T) {
	store, sess := setup(t)
	ctx := context.Background()
	p := NewPoller(store, nil, time.Minute, 2, zap.NewNop())

	first, err := p.Poll(ctx, sess, "", nil)
	require.NoError(t, err)
	for i := range 5 {
		_, err := store.RecordScan(ctx, rec(fmt.Sprintf("p%d", i), types.VerdictPhishing, 90))
		require.NoError(t, err)
	}

	var ids []string
	cursor := first.Cursor
	for range 4 {
		resp, err := p.Poll(ctx, sess, cursor, nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, resp.Count, 2)
		for _, e := range resp.NewEmails {
			ids = append(ids, e.ID)
		}
		cursor = resp.Cursor
	}
	assert.Equal(t, []string{"p0", "p1", "p2", "p3", "p4"}, ids)
}

func TestPoll_MalformedCursorTreatedAsFirstPoll(t *testing.T) {
	store, sess := setup(t)
	ctx := context.Background()
	_, err := store.RecordScan(ctx, rec("m1", types.VerdictPhishing, 92))
	require.NoError(t, err)

	p := NewPoller(store, nil, time.Minute, 50, zap.NewNop())
	resp, err := p.Poll(ctx, sess, "not-a-cursor", nil)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "m1", resp.NewEmails[0].ID)
}

func TestPoll_PassErrors(t *testing.T) {
	store, sess := setup(t)
	ctx := context.Background()

	sc := &fakeScanner{store: store, err: errors.New("classifier down")}
	p := NewPoller(store, sc, 0, 50, zap.NewNop())
	_, err := p.Poll(ctx, sess, "", nopSource{})
	assert.NoError(t, err)

	sc.err = scan.ErrPassInProgress
	_, err = p.Poll(ctx, sess, "", nopSource{})
	assert.NoError(t, err)

	sc.err = fmt.Errorf("list: %w", gmail.ErrAuthExpired)
	_, err = p.Poll(ctx, sess, "", nopSource{})
	assert.ErrorIs(t, err, gmail.ErrAuthExpired)
}
