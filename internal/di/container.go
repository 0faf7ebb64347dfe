// Package di wires smail's components with dig.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/daviddao/smail/internal/auth"
	"github.com/daviddao/smail/internal/classifier"
	"github.com/daviddao/smail/internal/config"
	"github.com/daviddao/smail/internal/db"
	"github.com/daviddao/smail/internal/gmail"
	"github.com/daviddao/smail/internal/notify"
	"github.com/daviddao/smail/internal/scan"
	"github.com/daviddao/smail/internal/types"
	"github.com/daviddao/smail/internal/web"
)

// MailboxOpener opens the Gmail mailbox of a dashboard session. Refreshed
// tokens are written back to the session.
type MailboxOpener func(ctx context.Context, sess *types.Session) (*gmail.Mailbox, error)

// BuildContainer creates the dependency injection container for the
// dashboard. The caller owns cfg and logger.
func BuildContainer(cfg *config.Config, logger *zap.Logger) (*dig.Container, error) {
	container := dig.New()

	if err := container.Provide(func() *config.Config { return cfg }); err != nil {
		return nil, err
	}
	if err := container.Provide(func() *zap.Logger { return logger }); err != nil {
		return nil, err
	}

	// Register store
	if err := container.Provide(func(cfg *config.Config) (*db.DB, error) {
		return db.Open(cfg.DatabasePath())
	}); err != nil {
		return nil, err
	}

	// Register classifier
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (classifier.Client, error) {
		return classifier.New(context.Background(), cfg.Classifier(), logger)
	}); err != nil {
		return nil, err
	}

	// Register pass lock
	if err := container.Provide(provideLocker); err != nil {
		return nil, err
	}

	// Register scan pipeline
	if err := container.Provide(func(cfg *config.Config, store *db.DB, c classifier.Client, locker scan.Locker, logger *zap.Logger) *scan.Pipeline {
		sc := cfg.Scan()
		return scan.NewPipeline(store, c, locker, scan.Options{
			Concurrency:           sc.Concurrency,
			ClassifyTimeout:       sc.ClassifyTimeout,
			ListTimeout:           sc.ListTimeout,
			QuarantineMaxAttempts: sc.QuarantineMaxAttempts,
			DisableQuarantine:     !sc.Quarantine,
		}, logger)
	}); err != nil {
		return nil, err
	}

	// Register notification poller
	if err := container.Provide(func(cfg *config.Config, store *db.DB, p *scan.Pipeline, logger *zap.Logger) *notify.Poller {
		sc := cfg.Scan()
		return notify.NewPoller(store, p, sc.Interval, sc.PollBatch, logger)
	}); err != nil {
		return nil, err
	}

	// Register OAuth provider
	if err := container.Provide(func(cfg *config.Config) (*auth.Provider, error) {
		oc := cfg.OAuth()
		return auth.NewProvider(oc.ClientSecretFile, oc.RedirectURL, oc.Scopes)
	}); err != nil {
		return nil, err
	}

	// Register mailbox opener
	if err := container.Provide(provideOpener); err != nil {
		return nil, err
	}

	// Register background scheduler
	if err := container.Provide(func(cfg *config.Config, p *scan.Pipeline, store *db.DB, open MailboxOpener, logger *zap.Logger) *scan.Scheduler {
		source := func(ctx context.Context, sess types.Session) (scan.MailSource, error) {
			mb, err := open(ctx, &sess)
			if err != nil {
				return nil, err
			}
			return mb, nil
		}
		return scan.NewScheduler(p, store, source, cfg.Scan().Interval, cfg.Session().Lifetime, logger)
	}); err != nil {
		return nil, err
	}

	// Register dashboard server
	if err := container.Provide(func(
		cfg *config.Config,
		store *db.DB,
		provider *auth.Provider,
		open MailboxOpener,
		p *scan.Pipeline,
		poller *notify.Poller,
		logger *zap.Logger,
	) (*web.Server, error) {
		webOpen := func(ctx context.Context, sess *types.Session) (web.Mailbox, error) {
			mb, err := open(ctx, sess)
			if err != nil {
				return nil, err
			}
			return mb, nil
		}
		return web.NewServer(cfg.Server(), cfg.Session(), store, provider, webOpen, p, poller, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

func provideLocker(cfg *config.Config, logger *zap.Logger) (scan.Locker, error) {
	rc := cfg.Redis()
	if !rc.Enabled {
		return scan.NewLocalLocker(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", rc.Addr, err)
	}
	logger.Info("using redis pass lock", zap.String("addr", rc.Addr))
	return scan.NewRedisLocker(rdb, rc.LockTTL, logger), nil
}

func provideOpener(cfg *config.Config, provider *auth.Provider, store *db.DB, logger *zap.Logger) MailboxOpener {
	sc := cfg.Scan()
	return func(ctx context.Context, sess *types.Session) (*gmail.Mailbox, error) {
		// Refreshes may happen from background passes after the request
		// that opened the mailbox has finished.
		creds := provider.Credentials(context.Background(), sess, store, logger)
		svc, err := auth.Service(ctx, creds)
		if err != nil {
			return nil, fmt.Errorf("open mailbox for %s: %w", sess.Account, err)
		}
		return gmail.NewMailbox(svc, sc.MaxResults, sc.PageSize), nil
	}
}
