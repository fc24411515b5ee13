/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/tejzpr/clicktocall-go/media"
)

// Session is the transport's handle on one signaling session. Its state
// advances through the transport's event stream, never through the return
// value of the call that created it.
type Session struct {
	id        string
	direction Direction
	remote    string
	createdAt time.Time

	mu              sync.Mutex
	state           SessionState
	reason          string
	progress        int
	media           media.Negotiator
	dialog          Dialog
	inbound         InboundDialog
	cancelInvite    context.CancelFunc
	hangupRequested bool
}

// NewSession builds a detached session handle. Its state only moves when a
// Transport drives it.
func NewSession(id string, dir Direction, remote string, m media.Negotiator) *Session {
	return newSession(id, dir, remote, m)
}

func newSession(id string, dir Direction, remote string, m media.Negotiator) *Session {
	return &Session{
		id:        id,
		direction: dir,
		remote:    remote,
		createdAt: time.Now(),
		state:     SessionInitial,
		media:     m,
	}
}

// ID returns the session id. Inbound sessions use the dialog's Call-ID.
func (s *Session) ID() string { return s.id }

func (s *Session) Direction() Direction { return s.direction }

// Remote is the destination of an outbound session or the caller of an
// inbound one.
func (s *Session) Remote() string { return s.remote }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason is set once the session is terminated.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Progress is the last provisional status seen on an outbound session.
func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Media returns the session's negotiated connection.
func (s *Session) Media() media.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == nil {
		return nil
	}
	return s.media
}

// Header returns a header of the inbound request, or "" for outbound
// sessions.
func (s *Session) Header(name string) string {
	s.mu.Lock()
	in := s.inbound
	s.mu.Unlock()
	if in == nil {
		return ""
	}
	return in.Header(name)
}

// setState applies a transition. Same-state reports and invalid edges
// return false and change nothing.
func (s *Session) setState(to SessionState, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to || !validTransition(s.state, to) {
		return false
	}
	s.state = to
	if to == SessionTerminated {
		s.reason = reason
	}
	return true
}
