package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/daviddao/smail/internal/auth"
	"github.com/daviddao/smail/internal/gmail"
	"github.com/daviddao/smail/internal/scan"
	"github.com/daviddao/smail/internal/types"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	inboxPageSize   = 25
	allMailPageSize = 50
	trashPageSize   = 50
	phishingLogSize = 50
)

// mailRow is one message line in a mailbox fragment.
type mailRow struct {
	ID         string
	Sender     string
	Subject    string
	Snippet    string
	ReceivedAt time.Time
	Starred    bool
	Flagged    bool
	Scanned    bool
	IsPhishing bool
	Confidence int
	Reason     string
}

func (s *Server) rows(ctx context.Context, account string, msgs []types.Message) ([]mailRow, error) {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	recs, err := s.store.RecordsFor(ctx, account, ids)
	if err != nil {
		return nil, err
	}

	out := make([]mailRow, 0, len(msgs))
	for _, m := range msgs {
		row := mailRow{
			ID:         m.ID,
			Sender:     m.Sender,
			Subject:    m.Subject,
			Snippet:    m.Snippet,
			ReceivedAt: m.ReceivedAt,
			Starred:    m.HasLabel(gmail.LabelStarred),
			Flagged:    m.HasLabel(gmail.LabelImportant),
		}
		if r, ok := recs[m.ID]; ok {
			row.Scanned = true
			row.IsPhishing = r.IsPhishing()
			row.Confidence = r.Confidence
			row.Reason = r.Reason
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Server) handleLogin(c echo.Context) error {
	return s.render(c, "login.html", nil)
}

func (s *Server) handleStartOAuth(c echo.Context) error {
	state := auth.NewState()
	s.setCookie(c, stateCookieName, state, 10*time.Minute)
	return c.Redirect(http.StatusFound, s.oauth.AuthCodeURL(state))
}

func (s *Server) handleCallback(c echo.Context) error {
	if e := c.QueryParam("error"); e != "" {
		s.logger.Info("oauth consent declined", zap.String("error", e))
		return c.Redirect(http.StatusFound, "/")
	}

	stateCookie, err := c.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != c.QueryParam("state") {
		return c.String(http.StatusBadRequest, "invalid oauth state")
	}
	s.clearCookie(c, stateCookieName)

	code := c.QueryParam("code")
	if code == "" {
		return c.String(http.StatusBadRequest, "missing authorization code")
	}

	ctx := c.Request().Context()
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		s.logger.Warn("oauth exchange failed", zap.Error(err))
		return c.Redirect(http.StatusFound, "/")
	}

	now := time.Now().UTC()
	sess := &types.Session{
		ID:           uuid.NewString(),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		CreatedAt:    now,
		LastSeen:     now,
	}
	mb, err := s.open(ctx, sess)
	if err != nil {
		return s.fail(c, err)
	}
	account, err := mb.Profile(ctx)
	if err != nil {
		return s.fail(c, err)
	}
	sess.Account = account

	if err := s.store.CreateSession(ctx, sess); err != nil {
		return s.fail(c, err)
	}
	s.setCookie(c, s.sessCfg.CookieName, sess.ID, s.sessCfg.Lifetime)
	s.logger.Info("signed in", zap.String("account", account))
	return c.Redirect(http.StatusFound, "/main")
}

func (s *Server) handleLogout(c echo.Context) error {
	if cookie, err := c.Cookie(s.sessCfg.CookieName); err == nil && cookie.Value != "" {
		s.dropSession(c, cookie.Value)
	}
	return c.Redirect(http.StatusFound, "/")
}

func (s *Server) handleMain(c echo.Context) error {
	sess := sessionFrom(c)
	return s.render(c, "main.html", map[string]any{"Email": sess.Account})
}

func (s *Server) handleInbox(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)
	mb, err := s.mailbox(c)
	if err != nil {
		return s.fail(c, err)
	}
	page, err := mb.List(ctx, gmail.LabelInbox, inboxPageSize, "")
	if err != nil {
		return s.fail(c, err)
	}
	rows, err := s.rows(ctx, sess.Account, page.Messages)
	if err != nil {
		return s.fail(c, err)
	}
	return s.render(c, "inbox.html", map[string]any{
		"Emails":   rows,
		"LastPass": s.pipeline.LastPass(sess.Account),
	})
}

func (s *Server) handleAllMail(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)
	mb, err := s.mailbox(c)
	if err != nil {
		return s.fail(c, err)
	}
	page, err := mb.List(ctx, "", allMailPageSize, c.QueryParam("pageToken"))
	if err != nil {
		return s.fail(c, err)
	}
	rows, err := s.rows(ctx, sess.Account, page.Messages)
	if err != nil {
		return s.fail(c, err)
	}
	return s.render(c, "allmail.html", map[string]any{
		"Emails":        rows,
		"NextPageToken": page.NextPageToken,
	})
}

func (s *Server) handleTrash(c echo.Context) error {
	ctx := c.Request().Context()
	sess := sessionFrom(c)
	mb, err := s.mailbox(c)
	if err != nil {
		return s.fail(c, err)
	}
	page, err := mb.List(ctx, gmail.LabelTrash, trashPageSize, "")
	if err != nil {
		return s.fail(c, err)
	}
	rows, err := s.rows(ctx, sess.Account, page.Messages)
	if err != nil {
		return s.fail(c, err)
	}
	return s.render(c, "trash.html", map[string]any{"Emails": rows})
}

func (s *Server) handlePhishingLogs(c echo.Context) error {
	sess := sessionFrom(c)
	recs, err := s.store.ListRecent(c.Request().Context(), sess.Account, types.VerdictPhishing, phishingLogSize)
	if err != nil {
		return s.fail(c, err)
	}
	return s.render(c, "phishing_logs.html", map[string]any{"Records": recs})
}

func (s *Server) handleCompose(c echo.Context) error {
	return s.render(c, "compose.html", map[string]any{"From": sessionFrom(c).Account})
}

type sendRequest struct {
	To      string `json:"to" form:"to"`
	Subject string `json:"subject" form:"subject"`
	Body    string `json:"body" form:"body"`
}

func (s *Server) handleSendMail(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Body) == "" {
		return badRequest(c, "All fields required")
	}

	mb, err := s.mailbox(c)
	if err != nil {
		return s.fail(c, err)
	}
	id, err := mb.Send(c.Request().Context(), sessionFrom(c).Account, req.To, req.Subject, req.Body)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "Sent", ID: id})
}

// handleScanEmails starts a pass in the background and returns at once.
func (s *Server) handleScanEmails(c echo.Context) error {
	sess := *sessionFrom(c)
	mb, err := s.open(c.Request().Context(), &sess)
	if err != nil {
		return s.fail(c, err)
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		_, err := s.pipeline.TryRunPass(s.bgCtx, sess.Account, mb)
		switch {
		case err == nil, errors.Is(err, scan.ErrPassInProgress):
		case gmail.IsAuthExpired(err):
			if derr := s.store.DeleteSession(s.bgCtx, sess.ID); derr != nil {
				s.logger.Warn("delete session", zap.Error(derr))
			}
		default:
			s.logger.Warn("on-demand scan failed", zap.String("account", sess.Account), zap.Error(err))
		}
	}()
	return c.JSON(http.StatusOK, MessageResponse{Message: "Scan started"})
}

type viewEmailResponse struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	Subject    string `json:"subject"`
	Date       string `json:"date"`
	Body       string `json:"body"`
	Snippet    string `json:"snippet"`
	Scanned    bool   `json:"scanned"`
	IsPhishing bool   `json:"is_phishing"`
	Confidence int    `json:"confidence,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleViewEmail(c echo.Context) error {
	id := c.QueryParam("message_id")
	if id == "" {
		return badRequest(c, "Message ID required")
	}
	ctx := c.Request().Context()
	mb, err := s.mailbox(c)
	if err != nil {
		return s.fail(c, err)
	}
	msg, err := mb.Fetch(ctx, id)
	if err != nil {
		return s.fail(c, err)
	}

	resp := viewEmailResponse{
		ID:      msg.ID,
		Sender:  msg.Sender,
		Subject: msg.Subject,
		Body:    msg.Body,
		Snippet: msg.Snippet,
	}
	if !msg.ReceivedAt.IsZero() {
		resp.Date = msg.ReceivedAt.Local().Format("2006-01-02 15:04")
	}
	recs, err := s.store.RecordsFor(ctx, sessionFrom(c).Account, []string{id})
	if err != nil {
		return s.fail(c, err)
	}
	if r, ok := recs[id]; ok {
		resp.Scanned = true
		resp.IsPhishing = r.IsPhishing()
		resp.Confidence = r.Confidence
		resp.Reason = r.Reason
	}
	return c.JSON(http.StatusOK, resp)
}

type labelRequest struct {
	MessageID string `json:"message_id" form:"message_id"`
	Star      bool   `json:"star" form:"star"`
	Flag      bool   `json:"flag" form:"flag"`
}

func (s *Server) handleToggleStar(c echo.Context) error {
	return s.modify(c, func(ctx context.Context, mb Mailbox, req labelRequest) error {
		return mb.SetStarred(ctx, req.MessageID, req.Star)
	})
}

func (s *Server) handleToggleFlag(c echo.Context) error {
	return s.modify(c, func(ctx context.Context, mb Mailbox, req labelRequest) error {
		return mb.SetFlagged(ctx, req.MessageID, req.Flag)
	})
}

func (s *Server) handleRestore(c echo.Context) error {
	return s.modify(c, func(ctx context.Context, mb Mailbox, req labelRequest) error {
		return mb.Restore(ctx, req.MessageID)
	})
}

func (s *Server) handleDelete(c echo.Context) error {
	return s.modify(c, func(ctx context.Context, mb Mailbox, req labelRequest) error {
		return mb.Delete(ctx, req.MessageID)
	})
}

func (s *Server) modify(c echo.Context, fn func(context.Context, Mailbox, labelRequest) error) error {
	var req labelRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.MessageID == "" {
		return badRequest(c, "Message ID required")
	}
	mb, err := s.mailbox(c)
	if err != nil {
		return s.fail(c, err)
	}
	if err := fn(c.Request().Context(), mb, req); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "success"})
}
