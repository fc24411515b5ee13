/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package media holds the negotiated audio connection of a call and the
// bridge that plays its inbound audio into a local sink.
package media

import (
	"context"

	"github.com/pion/rtp"
)

// Codec names the payload format of a track.
type Codec struct {
	Name        string // "PCMU" or "PCMA"
	PayloadType uint8
	ClockRate   uint32
}

// Track is an inbound audio track of a negotiated connection.
type Track interface {
	ID() string
	Codec() Codec
	ReadRTP() (*rtp.Packet, error)
}

// Connection is the narrow view of a negotiated media connection the rest of
// the system is allowed to use.
type Connection interface {
	// InboundTracks returns the tracks received so far.
	InboundTracks() []Track
	// OnTrack registers a handler for tracks that arrive later. A nil
	// handler removes it.
	OnTrack(handler func(Track))
	SetLocalAudioEnabled(enabled bool)
	LocalAudioEnabled() bool
	Close() error
}

// Negotiator is a Connection that can also run the offer/answer exchange.
type Negotiator interface {
	Connection
	CreateOffer(ctx context.Context) ([]byte, error)
	ApplyAnswer(answer []byte) error
	AnswerOffer(ctx context.Context, offer []byte) ([]byte, error)
}

// Sink consumes inbound audio tracks.
type Sink interface {
	Attach(track Track) error
	Detach()
}

// Source supplies outbound PCMU frames of FrameSize bytes. ReadFrame
// returning an error or a short frame makes the pump send silence instead.
type Source interface {
	ReadFrame(frame []byte) (int, error)
}

const (
	// FrameSize is one 20 ms G.711 frame at 8 kHz.
	FrameSize = 160
	// silenceByte is PCMU zero amplitude.
	silenceByte = 0xFF
)
