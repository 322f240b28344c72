/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package transport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/dispatcher"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/security"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"go.uber.org/zap"
)

// closeGrace bounds the close handshake write
const closeGrace = time.Second

// Handler upgrades HTTP requests to websocket transcription sessions
type Handler struct {
	registry   *session.Registry
	dispatcher *dispatcher.Dispatcher
	monitor    *Monitor
	server     config.ServerConfig
	sessions   config.SessionConfig
	upgrader   websocket.Upgrader
}

// NewHandler creates a websocket Handler. monitor may be nil.
func NewHandler(registry *session.Registry, d *dispatcher.Dispatcher, monitor *Monitor, server config.ServerConfig, sessions config.SessionConfig) *Handler {
	if monitor == nil {
		monitor = NewMonitor()
	}
	h := &Handler{
		registry:   registry,
		dispatcher: d,
		monitor:    monitor,
		server:     server,
		sessions:   sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
	h.upgrader.CheckOrigin = h.checkOrigin
	return h
}

// ServeHTTP runs one session for the lifetime of the connection
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Create(session.NewID())
	if err != nil {
		h.monitor.SessionRejected()
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrTooManySessions) {
			status = http.StatusServiceUnavailable
		}
		logging.LogWarn("Session rejected", zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.registry.Remove(sess.ID())
		logging.LogWarn("Websocket upgrade failed",
			zap.String("session_id", sess.ID()),
			zap.String("remote", security.SanitizeLogInput(r.RemoteAddr)),
			zap.Error(err),
		)
		return
	}

	h.monitor.SessionOpened()
	logging.LogSessionEvent(sess.ID(), "opened",
		zap.String("remote", security.SanitizeLogInput(r.RemoteAddr)),
	)

	defer func() {
		lifetime := time.Since(sess.StartTime())
		h.monitor.SessionClosed(lifetime)
		logging.LogSessionEvent(sess.ID(), "closed", zap.Duration("lifetime", lifetime))
		h.registry.Remove(sess.ID())
	}()

	h.serve(sess, conn)
}

func (h *Handler) serve(sess *session.Session, conn *websocket.Conn) {
	defer conn.Close()

	if h.server.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.server.MaxMessageBytes)
	}
	pongWait := 2 * h.sessions.PingInterval
	if pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	inbound := make(chan []byte)
	done := make(chan struct{})
	defer close(done)
	go readLoop(sess.ID(), conn, inbound, done)

	if h.sessions.PingInterval > 0 {
		go h.pingLoop(sess, conn, done)
	}

	sender := &wsSender{conn: conn, timeout: h.sessions.SendTimeout}
	err := h.dispatcher.Serve(sess.Context(), sess, inbound, sender)
	if err != nil {
		// The connection is unusable; skip the close handshake
		logging.LogSessionEvent(sess.ID(), "transport_failed", zap.Error(err))
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if sess.Context().Err() != nil {
		msg = websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended")
	}
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
}

// readLoop is the connection's only reader. It closes inbound when the
// peer goes away or the read fails.
func readLoop(sessionID string, conn *websocket.Conn, inbound chan<- []byte, done <-chan struct{}) {
	defer close(inbound)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.LogSessionEvent(sessionID, "read_failed", zap.Error(err))
			}
			return
		}
		select {
		case inbound <- data:
		case <-done:
			return
		}
	}
}

func (h *Handler) pingLoop(sess *session.Session, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.sessions.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.sessions.SendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logging.LogSessionEvent(sess.ID(), "ping_failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.server.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")

	for _, allowed := range h.server.AllowedOrigins {
		a := strings.TrimRight(allowed, "/")
		switch {
		case a == "*":
			return true
		case strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://"):
			if strings.EqualFold(a, origin) {
				return true
			}
		case strings.EqualFold(a, originHost):
			return true
		}
	}
	return false
}

// wsSender writes one response per websocket text message
type wsSender struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSender) Send(r protocol.Response) error {
	data, err := protocol.EncodeResponse(r)
	if err != nil {
		return err
	}
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
