/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zaf/g711"
)

// ErrUnsupportedCodec is returned when a track carries neither PCMU nor PCMA.
var ErrUnsupportedCodec = errors.New("media: unsupported codec")

// DecoderSink decodes G.711 tracks to 16-bit little-endian PCM and writes
// it to an io.Writer. Frames from concurrent tracks are written whole.
type DecoderSink struct {
	mu     sync.Mutex
	out    io.Writer
	stop   chan struct{}
	logger *slog.Logger
}

// NewDecoderSink creates a sink writing PCM to out.
func NewDecoderSink(out io.Writer, logger *slog.Logger) *DecoderSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecoderSink{
		out:    out,
		logger: logger.With("component", "media.sink"),
	}
}

func decoderFor(c Codec) (func([]byte) []byte, error) {
	switch {
	case c.Name == "PCMU" || (c.Name == "" && c.PayloadType == 0):
		return g711.DecodeUlaw, nil
	case c.Name == "PCMA" || (c.Name == "" && c.PayloadType == 8):
		return g711.DecodeAlaw, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c.Name)
}

// Attach starts a reader for track.
func (s *DecoderSink) Attach(track Track) error {
	decode, err := decoderFor(track.Codec())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stop == nil {
		s.stop = make(chan struct{})
	}
	stop := s.stop
	s.mu.Unlock()

	go s.read(track, decode, stop)
	return nil
}

// Detach stops every reader started since the previous Detach. A reader
// blocked in ReadRTP exits after its next packet or when the track ends.
func (s *DecoderSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *DecoderSink) read(track Track, decode func([]byte) []byte, stop <-chan struct{}) {
	var packets int
	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			s.logger.Debug("track ended", "track", track.ID(), "packets", packets, "error", err)
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		if len(pkt.Payload) == 0 {
			continue
		}
		pcm := decode(pkt.Payload)

		s.mu.Lock()
		_, err = s.out.Write(pcm)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("sink write failed", "track", track.ID(), "error", err)
			return
		}
		packets++
	}
}
