package web

import (
	"net/http"

	"github.com/daviddao/smail/internal/gmail"
	"github.com/daviddao/smail/internal/scan"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "healthy", Services: map[string]string{"database": "healthy"}}
	status := http.StatusOK
	if err := s.store.Ping(c.Request().Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Services["database"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

// handleCheckNewEmails returns phishing records committed after the
// client's cursor, running a scan pass first when the account is stale.
func (s *Server) handleCheckNewEmails(c echo.Context) error {
	sess := sessionFrom(c)
	var src scan.MailSource
	mb, err := s.mailbox(c)
	switch {
	case err == nil:
		src = mb
	case gmail.IsAuthExpired(err):
		return s.fail(c, err)
	default:
		// Serve what is already recorded.
		s.logger.Warn("open mailbox for poll failed",
			zap.String("account", sess.Account),
			zap.Error(err))
	}
	resp, err := s.poller.Poll(c.Request().Context(), sess, c.QueryParam("cursor"), src)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context(), sessionFrom(c).Account)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}
