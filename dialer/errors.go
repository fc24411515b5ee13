/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package dialer

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInCall is returned by InitiateCall while a call is active.
	ErrAlreadyInCall = errors.New("dialer: already in call")
	// ErrNotRegistered is returned by InitiateCall unless signaling is
	// registered. No origination request is sent.
	ErrNotRegistered      = errors.New("dialer: signaling not registered")
	ErrNoActiveCall       = errors.New("dialer: no active call")
	ErrNoMedia            = errors.New("dialer: call has no media yet")
	ErrInvalidDestination = errors.New("dialer: invalid destination")
	// ErrCanceled is returned by InitiateCall when the call was hung up
	// before origination finished.
	ErrCanceled = errors.New("dialer: call canceled")
	ErrStopped  = errors.New("dialer: agent stopped")
)

// TransportError is a connect or registration failure. It is never
// returned by Agent methods; it only travels with state notifications.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// OriginationError is a failed request to start the far leg. The call
// attempt is over when it is returned.
type OriginationError struct {
	Destination string
	Err         error
}

func (e *OriginationError) Error() string {
	return fmt.Sprintf("origination to %s failed: %v", e.Destination, e.Err)
}

func (e *OriginationError) Unwrap() error { return e.Err }

// SignalingError is a mid-call negotiation failure. The session it hit is
// terminated.
type SignalingError struct {
	SessionID string
	Err       error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling error on %s: %v", e.SessionID, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// MediaError is an audio attach or playback failure. It is logged and
// counted; the call continues.
type MediaError struct {
	SessionID string
	Err       error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media error on %s: %v", e.SessionID, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }
