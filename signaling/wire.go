/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"fmt"
	"strings"
)

// Wire is what the Transport needs from a signaling stack. SIPWire is the
// production implementation; tests substitute their own.
type Wire interface {
	// Open makes sure the connection to the signaling endpoint is up.
	Open(ctx context.Context) error
	// Register binds the agent's contact and returns the granted expiry in
	// seconds.
	Register(ctx context.Context, expiry int) (int, error)
	Unregister(ctx context.Context) error
	// Ping is the keepalive request.
	Ping(ctx context.Context) error
	// Invite places an outbound session. Provisional status codes are
	// reported through onProgress. Canceling ctx before a final response
	// withdraws the invite.
	Invite(ctx context.Context, target string, offer []byte, onProgress func(code int)) (Dialog, []byte, error)
	// Incoming delivers sessions offered by the far end.
	Incoming() <-chan InboundDialog
	// Disconnected delivers an error when the connection the registration
	// is bound to goes away, even if the next request would silently open
	// a new one.
	Disconnected() <-chan error
	Close() error
}

// Dialog is an established or pending signaling dialog.
type Dialog interface {
	ID() string
	// Bye tears the dialog down.
	Bye(ctx context.Context) error
	// Terminated is closed once the dialog ends for any reason.
	Terminated() <-chan struct{}
}

// InboundDialog is a dialog offered by the far end that has not been
// answered yet.
type InboundDialog interface {
	Dialog
	Offer() []byte
	// From is the remote party's user part.
	From() string
	// Header returns the value of a request header, or "".
	Header(name string) string
	Answer(ctx context.Context, answer []byte) error
	Reject(ctx context.Context, code int, reason string) error
}

// StatusError is a final non-2xx answer to an INVITE or REGISTER.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("signaling: %d %s", e.Code, e.Reason)
}

// TerminationReason maps a final status to the reason a session ended.
func (e *StatusError) TerminationReason() string {
	switch e.Code {
	case 486, 600:
		return "busy"
	case 408, 480:
		return "no answer"
	case 487:
		return ReasonCanceled
	case 603:
		return ReasonDeclined
	case 404, 484, 604:
		return "not found"
	}
	if e.Reason != "" {
		return strings.ToLower(e.Reason)
	}
	return fmt.Sprintf("status %d", e.Code)
}
