/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/zaf/g711"
)

// fakeTrack delivers packets pushed onto its channel; closing it ends the track.
type fakeTrack struct {
	id    string
	codec Codec
	pkts  chan *rtp.Packet
}

func newFakeTrack(id string, codec Codec) *fakeTrack {
	return &fakeTrack{id: id, codec: codec, pkts: make(chan *rtp.Packet, 16)}
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Codec() Codec { return t.codec }
func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-t.pkts
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

type fakeConn struct {
	mu      sync.Mutex
	tracks  []Track
	onTrack func(Track)
	enabled bool
}

func (c *fakeConn) InboundTracks() []Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Track(nil), c.tracks...)
}

func (c *fakeConn) OnTrack(h func(Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = h
}

func (c *fakeConn) SetLocalAudioEnabled(b bool) { c.enabled = b }
func (c *fakeConn) LocalAudioEnabled() bool     { return c.enabled }
func (c *fakeConn) Close() error                { return nil }

func (c *fakeConn) addTrack(t Track) {
	c.mu.Lock()
	c.tracks = append(c.tracks, t)
	h := c.onTrack
	c.mu.Unlock()
	if h != nil {
		h(t)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	attached []string
	detaches int
	fail     error
}

func (s *recordingSink) Attach(t Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.attached = append(s.attached, t.ID())
	return nil
}

func (s *recordingSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detaches++
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.attached...)
}

var pcmu = Codec{Name: "PCMU", PayloadType: 0, ClockRate: 8000}

func TestBridgeAttachExistingAndLateTracks(t *testing.T) {
	sink := &recordingSink{}
	b := NewBridge(sink, nil)

	conn := &fakeConn{}
	conn.addTrack(newFakeTrack("a", pcmu))

	b.Attach(conn)
	conn.addTrack(newFakeTrack("b", pcmu))
	// A duplicate delivery of a known track is ignored.
	conn.addTrack(conn.tracks[0])

	ids := sink.ids()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("Expected tracks [a b], got %v", ids)
	}
	if !b.Attached() {
		t.Error("Expected bridge to be attached")
	}
}

func TestBridgeDetachIgnoresLateTracks(t *testing.T) {
	sink := &recordingSink{}
	b := NewBridge(sink, nil)
	conn := &fakeConn{}

	b.Attach(conn)
	handler := conn.onTrack
	b.Detach()

	if conn.onTrack != nil {
		t.Error("Expected OnTrack handler to be cleared on detach")
	}
	// A handler captured before detach fires late.
	handler(newFakeTrack("late", pcmu))

	if ids := sink.ids(); len(ids) != 0 {
		t.Errorf("Expected no attached tracks, got %v", ids)
	}
	if sink.detaches != 1 {
		t.Errorf("Expected 1 sink detach, got %d", sink.detaches)
	}

	b.Detach()
	if sink.detaches != 1 {
		t.Errorf("Expected detach without connection to be a no-op, got %d detaches", sink.detaches)
	}
}

func TestBridgeAttachFailureIsNotFatal(t *testing.T) {
	sink := &recordingSink{fail: errors.New("device busy")}
	b := NewBridge(sink, nil)

	var reported error
	b.OnError(func(err error) { reported = err })

	conn := &fakeConn{}
	conn.addTrack(newFakeTrack("a", pcmu))
	b.Attach(conn)

	if reported == nil {
		t.Error("Expected attach failure to be reported")
	}
	if !b.Attached() {
		t.Error("Expected bridge to stay attached after a sink failure")
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestDecoderSinkDecodesG711(t *testing.T) {
	tests := []struct {
		name   string
		codec  Codec
		decode func([]byte) []byte
	}{
		{"PCMU", pcmu, g711.DecodeUlaw},
		{"PCMA", Codec{Name: "PCMA", PayloadType: 8, ClockRate: 8000}, g711.DecodeAlaw},
		{"static payload type", Codec{PayloadType: 0}, g711.DecodeUlaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &safeBuffer{}
			sink := NewDecoderSink(out, nil)

			payload := make([]byte, FrameSize)
			for i := range payload {
				payload[i] = byte(i)
			}
			track := newFakeTrack("t", tt.codec)
			if err := sink.Attach(track); err != nil {
				t.Fatalf("Attach failed: %v", err)
			}
			track.pkts <- &rtp.Packet{Payload: payload}
			close(track.pkts)

			want := tt.decode(payload)
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) && len(out.Bytes()) < len(want) {
				time.Sleep(5 * time.Millisecond)
			}
			if got := out.Bytes(); !bytes.Equal(got, want) {
				t.Errorf("Expected %d decoded bytes, got %d", len(want), len(got))
			}
			if len(want) != 2*FrameSize {
				t.Errorf("Expected 16-bit PCM output of %d bytes, got %d", 2*FrameSize, len(want))
			}
		})
	}
}

func TestDecoderSinkRejectsUnknownCodec(t *testing.T) {
	sink := NewDecoderSink(io.Discard, nil)
	err := sink.Attach(newFakeTrack("opus", Codec{Name: "OPUS", PayloadType: 111}))
	if !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("Expected ErrUnsupportedCodec, got %v", err)
	}
}

func TestDecoderSinkDetachStopsReaders(t *testing.T) {
	out := &safeBuffer{}
	sink := NewDecoderSink(out, nil)
	track := newFakeTrack("t", pcmu)
	if err := sink.Attach(track); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	sink.Detach()

	track.pkts <- &rtp.Packet{Payload: make([]byte, FrameSize)}
	time.Sleep(50 * time.Millisecond)
	if n := len(out.Bytes()); n != 0 {
		t.Errorf("Expected no output after detach, got %d bytes", n)
	}
}

const videoOnlyOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=video 5004 RTP/AVP 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

const audioOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n"

func TestValidateAudioOffer(t *testing.T) {
	tests := []struct {
		name    string
		offer   string
		wantErr bool
	}{
		{"audio", audioOffer, false},
		{"video only", videoOnlyOffer, true},
		{"garbage", "not sdp", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAudioOffer([]byte(tt.offer))
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAudioCodecs(t *testing.T) {
	names, err := AudioCodecs([]byte(audioOffer))
	if err != nil {
		t.Fatalf("AudioCodecs failed: %v", err)
	}
	if len(names) != 2 || names[0] != "PCMU" || names[1] != "PCMA" {
		t.Errorf("Expected [PCMU PCMA], got %v", names)
	}
}

func TestPeerOfferAnswer(t *testing.T) {
	cfg := &PeerConfig{ICEServers: []webrtc.ICEServer{}}
	caller, err := NewPeer(cfg)
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	defer caller.Close()
	callee, err := NewPeer(cfg)
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	defer callee.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offer, err := caller.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if err := ValidateAudioOffer(offer); err != nil {
		t.Fatalf("Expected offer with audio, got %v", err)
	}
	codecs, err := AudioCodecs(offer)
	if err != nil {
		t.Fatalf("AudioCodecs failed: %v", err)
	}
	for _, c := range codecs {
		if c != "PCMU" && c != "PCMA" {
			t.Errorf("Expected only G.711 codecs in offer, got %s", c)
		}
	}

	answer, err := callee.AnswerOffer(ctx, offer)
	if err != nil {
		t.Fatalf("AnswerOffer failed: %v", err)
	}
	if err := caller.ApplyAnswer(answer); err != nil {
		t.Fatalf("ApplyAnswer failed: %v", err)
	}
	// A repeated answer is ignored once stable.
	if err := caller.ApplyAnswer(answer); err != nil {
		t.Errorf("Expected duplicate answer to be ignored, got %v", err)
	}
}

func TestPeerMuteAndClose(t *testing.T) {
	p, err := NewPeer(&PeerConfig{ICEServers: []webrtc.ICEServer{}})
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	if !p.LocalAudioEnabled() {
		t.Error("Expected local audio enabled by default")
	}
	p.SetLocalAudioEnabled(false)
	if p.LocalAudioEnabled() {
		t.Error("Expected local audio disabled")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
	if _, err := p.CreateOffer(context.Background()); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("Expected ErrPeerClosed, got %v", err)
	}
}
