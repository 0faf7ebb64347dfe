package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/daviddao/smail/internal/db"
	"github.com/daviddao/smail/internal/types"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	sessionKey      = "session"
	stateCookieName = "smail_oauth_state"
)

// requireSession loads the session named by the cookie. Pages redirect to
// the login page without one; API calls get 401.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cookie, err := c.Cookie(s.sessCfg.CookieName)
		if err != nil || cookie.Value == "" {
			return s.unauthorized(c, "not signed in")
		}

		ctx := c.Request().Context()
		sess, err := s.store.GetSession(ctx, cookie.Value)
		if errors.Is(err, db.ErrNotFound) {
			s.clearCookie(c, s.sessCfg.CookieName)
			return s.unauthorized(c, "not signed in")
		}
		if err != nil {
			return s.fail(c, err)
		}

		now := time.Now().UTC()
		if now.Sub(sess.LastSeen) > s.sessCfg.Lifetime {
			s.dropSession(c, sess.ID)
			return s.unauthorized(c, "session expired")
		}
		if err := s.store.TouchSession(ctx, sess.ID, now); err != nil {
			s.logger.Warn("touch session", zap.Error(err))
		}
		sess.LastSeen = now

		c.Set(sessionKey, sess)
		return next(c)
	}
}

func sessionFrom(c echo.Context) *types.Session {
	sess, _ := c.Get(sessionKey).(*types.Session)
	return sess
}

// mailbox opens the Gmail account of the request's session.
func (s *Server) mailbox(c echo.Context) (Mailbox, error) {
	return s.open(c.Request().Context(), sessionFrom(c))
}

func (s *Server) setCookie(c echo.Context, name, value string, maxAge time.Duration) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.sessCfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearCookie(c echo.Context, name string) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.sessCfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// dropSession deletes the session and its cookie.
func (s *Server) dropSession(c echo.Context, id string) {
	if err := s.store.DeleteSession(context.WithoutCancel(c.Request().Context()), id); err != nil {
		s.logger.Warn("delete session", zap.String("session", id), zap.Error(err))
	}
	s.clearCookie(c, s.sessCfg.CookieName)
}

func isAPIRequest(c echo.Context) bool {
	p := c.Request().URL.Path
	return strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/ws/") ||
		p == "/scan-emails" || p == "/send-mail"
}
