package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// handleInbox handles GET /api/v1/inbox/{recipient}
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		s.sendError(w, http.StatusServiceUnavailable, "in-app channel is not configured")
		return
	}

	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil || limit < 0 {
		s.sendError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	messages, err := s.inbox.List(r.Context(), chi.URLParam(r, "recipient"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, messages)
}

// handleInboxStream handles GET /api/v1/inbox/{recipient}/stream.
// New in-app messages are pushed as websocket text frames.
func (s *Server) handleInboxStream(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		s.sendError(w, http.StatusServiceUnavailable, "in-app channel is not configured")
		return
	}
	recipient := chi.URLParam(r, "recipient")

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	sub := s.inbox.Subscribe(ctx, recipient)
	defer sub.Close()

	// Reader drains control frames and notices the client going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("inbox stream opened", "recipient", recipient)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			s.logger.Debug("inbox stream closed", "recipient", recipient)
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// checkOrigin accepts same-host requests and configured CORS origins
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

