// Package scan runs scan passes: it lists a mailbox, classifies every message
// that has no record yet, stores one record per message, and moves phishing
// to trash.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/daviddao/smail/internal/classifier"
	"github.com/daviddao/smail/internal/db"
	"github.com/daviddao/smail/internal/gmail"
	"github.com/daviddao/smail/internal/metrics"
	"github.com/daviddao/smail/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPassInProgress is returned by TryRunPass when another pass holds
	// the account's lock.
	ErrPassInProgress = errors.New("scan pass already in progress")

	// ErrQuarantineMoveFailed wraps a failed move to trash. The record stays
	// stored and the move is queued for retry.
	ErrQuarantineMoveFailed = errors.New("quarantine move failed")
)

// MailSource is the mailbox a pass reads from.
type MailSource interface {
	ListCandidates(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, id string) (*types.Message, error)
	Quarantine(ctx context.Context, id string) error
}

// Classifier scores message text.
type Classifier interface {
	Classify(ctx context.Context, text string) (*types.Classification, error)
}

// Store is the part of the scan store a pass needs.
type Store interface {
	HasRecord(ctx context.Context, account, messageID string) (bool, error)
	RecordScan(ctx context.Context, rec *types.ScanRecord) (*types.ScanRecord, error)
	QueueQuarantine(ctx context.Context, account, messageID, lastErr string) error
	PendingQuarantines(ctx context.Context, account string) ([]types.QuarantineRetry, error)
	MarkQuarantine(ctx context.Context, q types.QuarantineRetry) error
}

// Options tune a Pipeline. Zero values fall back to defaults.
type Options struct {
	Concurrency           int
	ClassifyTimeout       time.Duration
	ListTimeout           time.Duration
	QuarantineMaxAttempts int
	// DisableQuarantine records verdicts without moving phishing to trash.
	DisableQuarantine bool
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.ClassifyTimeout <= 0 {
		o.ClassifyTimeout = 15 * time.Second
	}
	if o.ListTimeout <= 0 {
		o.ListTimeout = 30 * time.Second
	}
	if o.QuarantineMaxAttempts <= 0 {
		o.QuarantineMaxAttempts = 3
	}
	return o
}

// Pipeline runs scan passes. It is safe for concurrent use; passes for the
// same account are serialized by the Locker.
type Pipeline struct {
	store      Store
	classifier Classifier
	locker     Locker
	opts       Options
	logger     *zap.Logger

	mu       sync.Mutex
	lastPass map[string]time.Time
	subs     map[string]map[int]chan struct{}
	nextSub  int
}

// NewPipeline creates a Pipeline. A nil locker means an in-process LocalLocker.
func NewPipeline(store Store, c Classifier, locker Locker, opts Options, logger *zap.Logger) *Pipeline {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Pipeline{
		store:      store,
		classifier: c,
		locker:     locker,
		opts:       opts.withDefaults(),
		logger:     logger,
		lastPass:   make(map[string]time.Time),
		subs:       make(map[string]map[int]chan struct{}),
	}
}

// RunPass runs one pass over account, waiting for a running pass to finish
// first.
func (p *Pipeline) RunPass(ctx context.Context, account string, src MailSource) (*types.PassResult, error) {
	unlock, err := p.locker.Lock(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("wait for scan lock: %w", err)
	}
	defer unlock()
	return p.run(ctx, account, src)
}

// TryRunPass runs one pass over account, or returns ErrPassInProgress when
// a pass is already running.
func (p *Pipeline) TryRunPass(ctx context.Context, account string, src MailSource) (*types.PassResult, error) {
	unlock, ok, err := p.locker.TryLock(ctx, account)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.RecordScanPass("skipped", 0)
		return nil, ErrPassInProgress
	}
	defer unlock()
	return p.run(ctx, account, src)
}

// LastPass returns when the last pass over account finished, successful or not.
func (p *Pipeline) LastPass(account string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPass[account]
}

// Subscribe returns a channel that receives a signal after every successful
// pass over account. Signals coalesce. Call cancel to unsubscribe.
func (p *Pipeline) Subscribe(account string) (<-chan struct{}, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{}, 1)
	id := p.nextSub
	p.nextSub++
	if p.subs[account] == nil {
		p.subs[account] = make(map[int]chan struct{})
	}
	p.subs[account][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs[account], id)
			if len(p.subs[account]) == 0 {
				delete(p.subs, account)
			}
		})
	}
	return ch, cancel
}

func (p *Pipeline) finish(account string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPass[account] = time.Now()
	if !ok {
		return
	}
	for _, ch := range p.subs[account] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *Pipeline) run(ctx context.Context, account string, src MailSource) (*types.PassResult, error) {
	res := &types.PassResult{Account: account, StartedAt: time.Now().UTC()}
	log := p.logger.With(zap.String("account", account))

	err := p.pass(ctx, log, res, src)
	res.Duration = time.Since(res.StartedAt)
	sort.Slice(res.Records, func(i, j int) bool { return res.Records[i].Seq < res.Records[j].Seq })
	p.finish(account, err == nil)

	if err != nil {
		metrics.RecordScanPass("error", res.Duration)
		log.Error("scan pass failed", zap.Error(err), zap.Int("recorded", len(res.Records)))
		return res, err
	}
	metrics.RecordScanPass("ok", res.Duration)
	log.Info("scan pass complete",
		zap.Int("candidates", res.Candidates),
		zap.Int("scanned", res.Scanned),
		zap.Int("phishing", res.Phishing),
		zap.Int("failed", res.Failed),
		zap.Int("quarantined", res.Quarantined),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (p *Pipeline) pass(ctx context.Context, log *zap.Logger, res *types.PassResult, src MailSource) error {
	if !p.opts.DisableQuarantine {
		if err := p.retryQuarantines(ctx, log, res, src); err != nil {
			return err
		}
	}

	listCtx, cancel := context.WithTimeout(ctx, p.opts.ListTimeout)
	ids, err := src.ListCandidates(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("list candidates: %w", err)
	}
	res.Candidates = len(ids)

	var fresh []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		done, err := p.store.HasRecord(ctx, res.Account, id)
		if err != nil {
			return err
		}
		if done {
			res.AlreadyScanned++
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, id := range fresh {
		g.Go(func() error {
			return p.scanOne(gctx, log, res, &mu, src, id)
		})
	}
	return g.Wait()
}

// scanOne handles one unseen message. It returns an error only for failures
// that must abort the whole pass.
func (p *Pipeline) scanOne(ctx context.Context, log *zap.Logger, res *types.PassResult, mu *sync.Mutex, src MailSource, id string) error {
	log = log.With(zap.String("message_id", id))
	skip := func() {
		mu.Lock()
		res.Failed++
		mu.Unlock()
	}

	msg, err := src.Fetch(ctx, id)
	if err != nil {
		if gmail.IsAuthExpired(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("fetch failed, will retry next pass", zap.Error(err))
		metrics.IncrementSkipped("fetch")
		skip()
		return nil
	}

	var c *types.Classification
	if text := msg.Text(); text == "" {
		c = &types.Classification{Verdict: types.VerdictSafe, Confidence: 0, Reason: "empty message"}
	} else {
		cctx, cancel := context.WithTimeout(ctx, p.opts.ClassifyTimeout)
		start := time.Now()
		c, err = p.classifier.Classify(cctx, text)
		cancel()
		if err == nil {
			err = classifier.Validate(c)
		}
		if err != nil {
			metrics.RecordClassifyLatency(classifyStatus(err), time.Since(start))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("classification failed, will retry next pass", zap.Error(err))
			metrics.IncrementSkipped("classify")
			skip()
			return nil
		}
		metrics.RecordClassifyLatency("ok", time.Since(start))
	}

	rec, err := p.store.RecordScan(ctx, &types.ScanRecord{
		Account:    res.Account,
		MessageID:  msg.ID,
		Sender:     msg.Sender,
		Subject:    msg.Subject,
		Snippet:    msg.Snippet,
		Verdict:    c.Verdict,
		Confidence: c.Confidence,
		Reason:     c.Reason,
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicateRecord) {
			// Another writer recorded it first; that record stands.
			log.Debug("message already recorded")
			mu.Lock()
			res.AlreadyScanned++
			mu.Unlock()
			return nil
		}
		return err
	}
	metrics.IncrementScanned(string(rec.Verdict))

	mu.Lock()
	res.Scanned++
	res.Records = append(res.Records, *rec)
	if rec.IsPhishing() {
		res.Phishing++
	}
	mu.Unlock()

	if !rec.IsPhishing() || p.opts.DisableQuarantine {
		return nil
	}

	log.Info("phishing detected",
		zap.String("sender", rec.Sender),
		zap.Int("confidence", rec.Confidence))

	if err := src.Quarantine(ctx, msg.ID); err != nil {
		moveErr := fmt.Errorf("%w: %w", ErrQuarantineMoveFailed, err)
		metrics.IncrementQuarantine("failed")
		if qerr := p.store.QueueQuarantine(ctx, res.Account, msg.ID, err.Error()); qerr != nil {
			return qerr
		}
		mu.Lock()
		res.QuarantineFailures = append(res.QuarantineFailures, types.QuarantineFailure{MessageID: msg.ID, Error: moveErr.Error()})
		mu.Unlock()
		if gmail.IsAuthExpired(err) {
			return err
		}
		log.Warn("quarantine failed, queued for retry", zap.Error(moveErr))
		return nil
	}

	metrics.IncrementQuarantine("moved")
	mu.Lock()
	res.Quarantined++
	mu.Unlock()
	return nil
}

// retryQuarantines retries moves that failed in earlier passes. An entry is
// abandoned once it has used up its attempts.
func (p *Pipeline) retryQuarantines(ctx context.Context, log *zap.Logger, res *types.PassResult, src MailSource) error {
	pending, err := p.store.PendingQuarantines(ctx, res.Account)
	if err != nil {
		return err
	}
	for _, q := range pending {
		qlog := log.With(zap.String("message_id", q.MessageID))

		if q.Attempts >= p.opts.QuarantineMaxAttempts {
			q.Status = types.QuarantineAbandoned
			if err := p.store.MarkQuarantine(ctx, q); err != nil {
				return err
			}
			res.AbandonedMoves++
			metrics.IncrementQuarantine("abandoned")
			qlog.Error("quarantine abandoned", zap.Int("attempts", q.Attempts), zap.String("last_error", q.LastError))
			continue
		}

		moveErr := src.Quarantine(ctx, q.MessageID)
		if moveErr != nil && gmail.IsAuthExpired(moveErr) {
			return moveErr
		}
		q.Attempts++
		switch {
		case moveErr == nil:
			q.Status = types.QuarantineMoved
			q.LastError = ""
			res.RetriedMoves++
			res.Quarantined++
			metrics.IncrementQuarantine("moved")
			qlog.Info("quarantine retry succeeded", zap.Int("attempts", q.Attempts))
		case errors.Is(moveErr, gmail.ErrNotFound):
			// Deleted or moved by the user in the meantime.
			q.Status = types.QuarantineAbandoned
			q.LastError = moveErr.Error()
			res.AbandonedMoves++
			metrics.IncrementQuarantine("abandoned")
			qlog.Warn("quarantine target gone", zap.Error(moveErr))
		default:
			q.LastError = moveErr.Error()
			metrics.IncrementQuarantine("failed")
			if q.Attempts >= p.opts.QuarantineMaxAttempts {
				q.Status = types.QuarantineAbandoned
				res.AbandonedMoves++
				metrics.IncrementQuarantine("abandoned")
				qlog.Error("quarantine abandoned", zap.Int("attempts", q.Attempts), zap.Error(moveErr))
			} else {
				qlog.Warn("quarantine retry failed", zap.Int("attempts", q.Attempts), zap.Error(moveErr))
			}
		}
		if err := p.store.MarkQuarantine(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func classifyStatus(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, classifier.ErrServiceUnavailable):
		return "unavailable"
	case errors.Is(err, classifier.ErrInvalidResponse):
		return "invalid"
	default:
		return "error"
	}
}
