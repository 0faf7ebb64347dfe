// Package web serves the smail dashboard: OAuth sign-in, mailbox fragments,
// the threat poll endpoint and the threat websocket.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/daviddao/smail/internal/config"
	"github.com/daviddao/smail/internal/db"
	"github.com/daviddao/smail/internal/notify"
	"github.com/daviddao/smail/internal/scan"
	"github.com/daviddao/smail/internal/types"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// Mailbox is the Gmail account of a signed-in user.
type Mailbox interface {
	scan.MailSource
	Profile(ctx context.Context) (string, error)
	List(ctx context.Context, label string, maxResults int64, pageToken string) (*types.MessagePage, error)
	Restore(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	SetStarred(ctx context.Context, id string, on bool) error
	SetFlagged(ctx context.Context, id string, on bool) error
	Send(ctx context.Context, from, to, subject, body string) (string, error)
}

// MailboxOpener opens the mailbox of a session.
type MailboxOpener func(ctx context.Context, sess *types.Session) (Mailbox, error)

// OAuth is the sign-in flow.
type OAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Server is the dashboard HTTP server.
type Server struct {
	echo     *echo.Echo
	cfg      config.ServerConfig
	sessCfg  config.SessionConfig
	store    *db.DB
	oauth    OAuth
	open     MailboxOpener
	pipeline *scan.Pipeline
	poller   *notify.Poller
	tmpl     *template.Template
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// Background passes started by /scan-emails outlive the request.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewServer builds the router.
func NewServer(cfg config.ServerConfig, sessCfg config.SessionConfig, store *db.DB, oauth OAuth, open MailboxOpener,
	pipeline *scan.Pipeline, poller *notify.Poller, logger *zap.Logger) (*Server, error) {
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if sessCfg.CookieName == "" {
		sessCfg.CookieName = "smail_session"
	}
	if sessCfg.Lifetime <= 0 {
		sessCfg.Lifetime = time.Hour
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		echo:     echo.New(),
		cfg:      cfg,
		sessCfg:  sessCfg,
		store:    store,
		oauth:    oauth,
		open:     open,
		pipeline: pipeline,
		poller:   poller,
		tmpl:     tmpl,
		upgrader: newUpgrader(cfg.AllowedOrigins, logger),
		logger:   logger,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	e := s.echo
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(RequestLogger(s.logger))
	e.Use(SecureHeaders())
	if len(s.cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     s.cfg.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost},
			AllowCredentials: true,
		}))
	}
	if s.cfg.RateLimit > 0 {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = int(s.cfg.RateLimit)
		}
		e.Use(RateLimiter(NewIPRateLimiter(rate.Limit(s.cfg.RateLimit), burst), s.logger))
	}

	static, _ := fs.Sub(staticFS, "static")
	e.GET("/static/*", echo.WrapHandler(http.StripPrefix("/static/", http.FileServer(http.FS(static)))))

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/", s.handleLogin)
	e.GET("/start-oauth", s.handleStartOAuth)
	e.GET("/callback", s.handleCallback)
	e.GET("/logout", s.handleLogout)

	auth := e.Group("", s.requireSession)
	auth.GET("/main", s.handleMain)
	auth.GET("/inbox", s.handleInbox)
	auth.GET("/trash", s.handleTrash)
	auth.GET("/phishing-logs", s.handlePhishingLogs)
	auth.GET("/compose", s.handleCompose)
	auth.POST("/send-mail", s.handleSendMail)
	auth.GET("/scan-emails", s.handleScanEmails)
	auth.GET("/ws/threats", s.handleThreatsWS)

	api := auth.Group("/api")
	api.GET("/allmail", s.handleAllMail)
	api.GET("/view-email", s.handleViewEmail)
	api.GET("/check-new-emails", s.handleCheckNewEmails)
	api.GET("/stats", s.handleStats)
	api.POST("/toggle-star", s.handleToggleStar)
	api.POST("/toggle-flag", s.handleToggleFlag)
	api.POST("/restore", s.handleRestore)
	api.POST("/delete", s.handleDelete)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", zap.String("addr", s.cfg.Addr))
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(sctx)
}

// Shutdown stops the HTTP server and waits for background passes.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.bgCancel()

	done := make(chan struct{})
	go func() {
		s.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("background scans still running at shutdown")
	}
	return err
}

var templateFuncs = template.FuncMap{
	"shortTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Local().Format("2006-01-02 15:04")
	},
	"orDefault": func(s, fallback string) string {
		if strings.TrimSpace(s) == "" {
			return fallback
		}
		return s
	},
}
