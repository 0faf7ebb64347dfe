package scan

import (
	"context"
	"errors"
	"time"

	"github.com/daviddao/smail/internal/gmail"
	"github.com/daviddao/smail/internal/types"
	"go.uber.org/zap"
)

// SessionStore lists signed-in accounts for background scanning.
type SessionStore interface {
	ActiveSessions(ctx context.Context, since time.Time) ([]types.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// SourceFactory opens the mailbox of a session.
type SourceFactory func(ctx context.Context, sess types.Session) (MailSource, error)

// Scheduler runs a pass for every active session on a fixed interval.
type Scheduler struct {
	pipeline *Pipeline
	sessions SessionStore
	open     SourceFactory
	interval time.Duration
	lifetime time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a Scheduler. Sessions not seen for longer than
// lifetime are ignored.
func NewScheduler(p *Pipeline, sessions SessionStore, open SourceFactory, interval, lifetime time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &Scheduler{
		pipeline: p,
		sessions: sessions,
		open:     open,
		interval: interval,
		lifetime: lifetime,
		logger:   logger,
	}
}

// Start runs the ticker until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("background scanning started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("background scanning stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans every active account once. Accounts whose pass is already
// running are skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	sessions, err := s.sessions.ActiveSessions(ctx, time.Now().Add(-s.lifetime))
	if err != nil {
		s.logger.Error("list active sessions", zap.Error(err))
		return
	}
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return
		}
		if time.Since(s.pipeline.LastPass(sess.Account)) < s.interval {
			continue
		}
		s.scan(ctx, sess)
	}
}

func (s *Scheduler) scan(ctx context.Context, sess types.Session) {
	log := s.logger.With(zap.String("account", sess.Account))
	src, err := s.open(ctx, sess)
	if err == nil {
		_, err = s.pipeline.TryRunPass(ctx, sess.Account, src)
	}
	switch {
	case err == nil, errors.Is(err, ErrPassInProgress):
	case gmail.IsAuthExpired(err):
		log.Warn("session expired, dropping it", zap.String("session", sess.ID))
		if derr := s.sessions.DeleteSession(ctx, sess.ID); derr != nil {
			log.Error("delete expired session", zap.Error(derr))
		}
	default:
		log.Warn("background scan failed", zap.Error(err))
	}
}
