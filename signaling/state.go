/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

// RegistrationState is the presence of the agent's endpoint at the
// signaling server.
type RegistrationState string

const (
	RegistrationDisconnected RegistrationState = "disconnected"
	RegistrationConnecting   RegistrationState = "connecting"
	RegistrationConnected    RegistrationState = "connected"
	RegistrationRegistering  RegistrationState = "registering"
	RegistrationRegistered   RegistrationState = "registered"
	RegistrationReconnecting RegistrationState = "reconnecting"
	RegistrationFailed       RegistrationState = "failed"
)

// active reports whether a connection attempt is running or established.
func (s RegistrationState) active() bool {
	switch s {
	case RegistrationConnecting, RegistrationConnected, RegistrationRegistering,
		RegistrationRegistered, RegistrationReconnecting:
		return true
	}
	return false
}

// SessionState is the negotiation state of a single signaling session.
type SessionState string

const (
	SessionInitial      SessionState = "initial"
	SessionEstablishing SessionState = "establishing"
	SessionEstablished  SessionState = "established"
	SessionTerminated   SessionState = "terminated"
)

// validTransition lists the forward edges of the session state machine.
func validTransition(from, to SessionState) bool {
	switch from {
	case SessionInitial:
		return to == SessionEstablishing || to == SessionTerminated
	case SessionEstablishing:
		return to == SessionEstablished || to == SessionTerminated
	case SessionEstablished:
		return to == SessionTerminated
	}
	return false
}

// Direction tells who sent the INVITE.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// EventKind identifies the payload of an Event.
type EventKind string

const (
	EventRegistration EventKind = "registration"
	EventSession      EventKind = "session"
	// EventInbound announces a new inbound session waiting for
	// AcceptInbound or Hangup.
	EventInbound EventKind = "inbound"
)

// Event is a single entry of the transport's event stream.
type Event struct {
	Kind         EventKind
	Registration RegistrationState
	Session      *Session
	SessionState SessionState
	Reason       string
	Err          error
}

// Termination reasons set by the transport itself.
const (
	ReasonLocalHangup   = "local hangup"
	ReasonRemoteHangup  = "remote hangup"
	ReasonCanceled      = "canceled"
	ReasonDeclined      = "declined"
	ReasonTransportLost = "transport lost"
	ReasonStopped       = "transport stopped"
)
