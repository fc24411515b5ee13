/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callevents

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType is the progress notification kind pushed by the call-control service.
type EventType string

const (
	EventInitiated EventType = "INITIATED"
	EventRinging   EventType = "RINGING"
	EventAnswered  EventType = "ANSWERED"
	EventBridged   EventType = "BRIDGED"
	EventEnded     EventType = "ENDED"
	EventBusy      EventType = "BUSY"
	EventNoAnswer  EventType = "NO_ANSWER"
	EventFailed    EventType = "FAILED"
	EventCanceled  EventType = "CANCELED"
)

// IsTerminal reports whether the event type ends the call.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventEnded, EventBusy, EventNoAnswer, EventFailed, EventCanceled:
		return true
	}
	return false
}

// EventData carries the optional payload of a CallEvent.
type EventData struct {
	// Duration in seconds, present on ENDED.
	Duration *int   `json:"duration,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// CallEvent is an append-only fact about a call, keyed by CallID.
type CallEvent struct {
	Type        EventType `json:"type"`
	CallID      string    `json:"callId"`
	Destination string    `json:"destination,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Data        EventData `json:"data"`
}

// IsTerminal reports whether the event ends the call.
func (e CallEvent) IsTerminal() bool {
	return e.Type.IsTerminal()
}

// Reason returns data.reason, falling back to the lower-cased event type.
func (e CallEvent) Reason() string {
	if e.Data.Reason != "" {
		return e.Data.Reason
	}
	return strings.ToLower(string(e.Type))
}

// key identifies an event for duplicate suppression.
func (e CallEvent) key() string {
	return string(e.Type) + "|" + e.CallID + "|" + strconv.FormatInt(e.Timestamp.UnixNano(), 10)
}

// UnmarshalJSON accepts the timestamp as RFC 3339 text or epoch milliseconds.
func (e *CallEvent) UnmarshalJSON(b []byte) error {
	type alias CallEvent
	aux := struct {
		*alias
		Timestamp json.RawMessage `json:"timestamp"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	ts, err := parseTimestamp(aux.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid call event timestamp: %w", err)
	}
	e.Timestamp = ts
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, nil
	}
	if s[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, err
		}
		if text == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, text)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ConnectionState is the state of the push connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// frame is the envelope for every message on the channel.
type frame struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	frameAuthorization = "authorization"
	frameAuthorized    = "authorized"
	frameError         = "error"
	frameSubscribe     = "subscribe"
	frameUnsubscribe   = "unsubscribe"
	frameCallEvent     = "call:event"
)
