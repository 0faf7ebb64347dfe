package web

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/daviddao/smail/internal/classifier"
	"github.com/daviddao/smail/internal/db"
	"github.com/daviddao/smail/internal/gmail"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ErrorResponse is the JSON body of a failed API call.
type ErrorResponse struct {
	Error    string `json:"error"`
	Redirect string `json:"redirect,omitempty"`
}

// MessageResponse is the JSON body of a successful action.
type MessageResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func (s *Server) unauthorized(c echo.Context, msg string) error {
	if isAPIRequest(c) {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: msg, Redirect: "/"})
	}
	return c.Redirect(http.StatusFound, "/")
}

// fail maps an error onto a response. An expired grant ends the session.
func (s *Server) fail(c echo.Context, err error) error {
	if gmail.IsAuthExpired(err) {
		if sess := sessionFrom(c); sess != nil {
			s.logger.Info("session expired", zap.String("account", sess.Account))
			s.dropSession(c, sess.ID)
		}
		return s.unauthorized(c, "session expired")
	}

	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, gmail.ErrNotFound):
		status, msg = http.StatusNotFound, "message not found"
	case errors.Is(err, db.ErrStoreUnavailable):
		status, msg = http.StatusServiceUnavailable, "storage unavailable"
	case errors.Is(err, classifier.ErrServiceUnavailable):
		status, msg = http.StatusServiceUnavailable, "classifier unavailable"
	}
	s.logger.Error("request failed",
		zap.String("path", c.Request().URL.Path),
		zap.Int("status", status),
		zap.Error(err))

	if isAPIRequest(c) {
		return c.JSON(status, ErrorResponse{Error: msg})
	}
	return c.HTML(status, `<div class="error">`+template.HTMLEscapeString(msg)+`</div>`)
}

// render executes a template into the response.
func (s *Server) render(c echo.Context, name string, data any) error {
	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}
