// Package notify delivers newly flagged phishing records to dashboard clients
// exactly once per cursor.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/daviddao/smail/internal/gmail"
	"github.com/daviddao/smail/internal/metrics"
	"github.com/daviddao/smail/internal/scan"
	"github.com/daviddao/smail/internal/types"
	"go.uber.org/zap"
)

// Store is the part of the scan store the poller reads.
type Store interface {
	MaxSeq(ctx context.Context, account string) (int64, error)
	SeqBefore(ctx context.Context, account string, t time.Time) (int64, error)
	ListAfterSeq(ctx context.Context, account string, after int64, verdict types.Verdict, limit int) ([]types.ScanRecord, error)
}

// Scanner runs scan passes on demand.
type Scanner interface {
	LastPass(account string) time.Time
	TryRunPass(ctx context.Context, account string, src scan.MailSource) (*types.PassResult, error)
}

// Poller answers "what is new since my cursor".
type Poller struct {
	store    Store
	scanner  Scanner
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewPoller creates a Poller. A pass is triggered by a poll only when the
// account's last pass is older than interval. At most batch threats are
// returned per poll.
func NewPoller(store Store, scanner Scanner, interval time.Duration, batch int, logger *zap.Logger) *Poller {
	if batch <= 0 {
		batch = 50
	}
	return &Poller{store: store, scanner: scanner, interval: interval, batch: batch, logger: logger}
}

// Poll runs a pass if the account is stale and returns the phishing records
// committed after cursor. src may be nil to skip the pass. Pass failures
// other than an expired session are logged and the stored delta is returned.
func (p *Poller) Poll(ctx context.Context, sess *types.Session, cursor string, src scan.MailSource) (*types.PollResponse, error) {
	if src != nil && p.scanner != nil && time.Since(p.scanner.LastPass(sess.Account)) >= p.interval {
		_, err := p.scanner.TryRunPass(ctx, sess.Account, src)
		switch {
		case err == nil, errors.Is(err, scan.ErrPassInProgress):
		case gmail.IsAuthExpired(err):
			return nil, err
		default:
			p.logger.Warn("scan pass during poll failed",
				zap.String("account", sess.Account),
				zap.Error(err))
		}
	}

	resp, err := p.Delta(ctx, sess, ParseCursor(cursor))
	if err != nil {
		return nil, err
	}
	metrics.AddNotifications("poll", resp.Count)
	return resp, nil
}

// Delta returns the phishing records after c without scanning. A zero cursor
// starts from the last record committed before the session began.
func (p *Poller) Delta(ctx context.Context, sess *types.Session, c Cursor) (*types.PollResponse, error) {
	if c.IsZero() {
		seq, err := p.store.SeqBefore(ctx, sess.Account, sess.CreatedAt)
		if err != nil {
			return nil, err
		}
		c = At(seq)
	}

	// Read the high-water mark first: anything committed after this read
	// gets a larger seq and is picked up by the next poll.
	high, err := p.store.MaxSeq(ctx, sess.Account)
	if err != nil {
		return nil, err
	}
	recs, err := p.store.ListAfterSeq(ctx, sess.Account, c.Seq, types.VerdictPhishing, p.batch)
	if err != nil {
		return nil, err
	}

	next := c.Seq
	if len(recs) > 0 {
		next = recs[len(recs)-1].Seq
	}
	if len(recs) < p.batch && high > next {
		next = high
	}

	resp := &types.PollResponse{
		NewEmails: make([]types.ThreatSummary, 0, len(recs)),
		Count:     len(recs),
		Cursor:    At(next).String(),
	}
	for _, r := range recs {
		resp.NewEmails = append(resp.NewEmails, types.NewThreatSummary(r))
	}
	return resp, nil
}
