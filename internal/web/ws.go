package web

import (
	"net/http"
	"net/url"
	"time"

	"github.com/daviddao/smail/internal/metrics"
	"github.com/daviddao/smail/internal/notify"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 512
)

// newUpgrader accepts same-origin requests and the configured origins.
func newUpgrader(allowedOrigins []string, logger *zap.Logger) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] {
				return true
			}
			if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
				return true
			}
			logger.Warn("rejected websocket connection",
				zap.String("origin", origin),
				zap.String("remote_ip", r.RemoteAddr))
			return false
		},
	}
}

// handleThreatsWS pushes the same deltas as /api/check-new-emails over a
// websocket. A frame is sent on connect, after every successful pass over
// the account and on the poll interval when something new was committed.
func (s *Server) handleThreatsWS(c echo.Context) error {
	sess := sessionFrom(c)
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()

	metrics.ActiveWebsockets.Inc()
	defer metrics.ActiveWebsockets.Dec()

	ctx := c.Request().Context()
	cursor := notify.ParseCursor(c.QueryParam("cursor"))
	signal, cancel := s.pipeline.Subscribe(sess.Account)
	defer cancel()

	// Read pump: only pongs and close frames are expected.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Debug("websocket read error", zap.Error(err))
				}
				return
			}
		}
	}()

	push := func(always bool) bool {
		resp, err := s.poller.Delta(ctx, sess, cursor)
		if err != nil {
			s.logger.Warn("threat delta failed", zap.String("account", sess.Account), zap.Error(err))
			return true
		}
		cursor = notify.ParseCursor(resp.Cursor)
		if resp.Count == 0 && !always {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(resp); err != nil {
			return false
		}
		metrics.AddNotifications("websocket", resp.Count)
		return true
	}

	if !push(true) {
		return nil
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		case <-s.bgCtx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return nil
		case <-signal:
			if !push(false) {
				return nil
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
			if !push(false) {
				return nil
			}
		}
	}
}
