/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package dialer

import (
	"time"

	"github.com/tejzpr/clicktocall-go/signaling"
)

// CallState is the agent-level lifecycle of a call.
type CallState string

const (
	CallDialing      CallState = "dialing"
	CallRinging      CallState = "ringing"
	CallEstablishing CallState = "establishing"
	CallUp           CallState = "up"
	CallTerminated   CallState = "terminated"
)

// CallSession is a snapshot of the single call an agent can hold.
type CallSession struct {
	ID string `json:"id"`
	// CallID is the call-control service's identifier, known once
	// origination returns.
	CallID      string              `json:"callId,omitempty"`
	Destination string              `json:"destination"`
	Direction   signaling.Direction `json:"direction"`
	State       CallState           `json:"state"`
	StartedAt   time.Time           `json:"startedAt"`
	EndedAt     *time.Time          `json:"endedAt,omitempty"`
	Muted       bool                `json:"muted"`
	Reason      string              `json:"reason,omitempty"`
}

// Active reports whether the call has not terminated.
func (s CallSession) Active() bool {
	return s.State != CallTerminated
}

// Duration is the time from start to end, or to now for an active call.
func (s CallSession) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// CallRequest is the input of InitiateCall.
type CallRequest struct {
	Destination string `json:"destination"`
	// CallerID overrides the configured caller id.
	CallerID string `json:"callerId,omitempty"`
	// Timeout is the ring timeout in seconds passed to the call-control
	// service. Zero uses the configured default.
	Timeout int `json:"timeout,omitempty"`
}

// Termination reasons set by the agent.
const (
	ReasonLocalHangup      = "local hangup"
	ReasonEstablishTimeout = "establish timeout"
	ReasonStopped          = "agent stopped"
)
