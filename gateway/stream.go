/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StreamMessage is one frame on /api/agent/stream.
type StreamMessage struct {
	Type string `json:"type"` // call, signaling or event
	Data any    `json:"data"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	if len(s.config.AllowedOrigins) > 0 {
		allowed := s.config.AllowedOrigins
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if o, err := url.Parse(origin); err == nil && strings.EqualFold(o.Host, r.Host) {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		}
	}
	return u
}

// handleStream pushes the signaling state, the current call and every
// change after that to a websocket client.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the snapshot so no change falls between the two.
	calls, cancelCalls := s.agent.SubscribeCalls()
	defer cancelCalls()
	states, cancelStates := s.agent.SubscribeSignaling()
	defer cancelStates()
	events, cancelEvents := s.agent.SubscribeCallEvents()
	defer cancelEvents()

	st, err := s.status(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Debug("stream connected")

	write := func(m StreamMessage) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(m)
	}
	if err := write(StreamMessage{Type: "signaling", Data: st.Signaling}); err != nil {
		return
	}
	if st.Call != nil {
		if err := write(StreamMessage{Type: "call", Data: st.Call}); err != nil {
			return
		}
	}

	// Reads only drain control frames and notice the close.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var msg StreamMessage
		select {
		case <-closed:
			logger.Debug("stream closed by client")
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		case c, ok := <-calls:
			if !ok {
				return
			}
			msg = StreamMessage{Type: "call", Data: c}
		case st, ok := <-states:
			if !ok {
				return
			}
			msg = StreamMessage{Type: "signaling", Data: st}
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg = StreamMessage{Type: "event", Data: ev}
		}
		if err := write(msg); err != nil {
			logger.Debug("stream write failed", "error", err)
			return
		}
	}
}
