/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ErrPeerClosed is returned by negotiation calls after Close.
var ErrPeerClosed = errors.New("media: peer closed")

// PeerConfig holds configuration for a Peer.
type PeerConfig struct {
	// ICEServers is the list of STUN/TURN servers. Empty means host
	// candidates only.
	ICEServers []webrtc.ICEServer
	// Source supplies outbound audio. Nil sends silence.
	Source Source
	// FrameInterval is the pacing of the local pump. Default 20ms.
	FrameInterval time.Duration
	Logger        *slog.Logger
}

// DefaultPeerConfig returns a PeerConfig with a public STUN server.
func DefaultPeerConfig() *PeerConfig {
	return &PeerConfig{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		FrameInterval: 20 * time.Millisecond,
	}
}

// Peer is a pion PeerConnection carrying one bidirectional G.711 audio
// stream. It implements Negotiator.
type Peer struct {
	mu           sync.Mutex
	negotiate    sync.Mutex
	pc           *webrtc.PeerConnection
	localTrack   *webrtc.TrackLocalStaticRTP
	tracks       []Track
	onTrack      func(Track)
	localEnabled bool
	source       Source
	interval     time.Duration
	closed       core.Fuse
	logger       *slog.Logger
}

// NewPeer builds the peer connection, adds the local PCMU track and starts
// the outbound pump. The pump runs until Close.
func NewPeer(config *PeerConfig) (*Peer, error) {
	if config == nil {
		config = DefaultPeerConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := config.FrameInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}

	// PCMU and PCMA only; the far end is a telephony gateway.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000, Channels: 1},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMA: %w", err)
	}

	// Gateways often send RTP before the answer is applied.
	settings := webrtc.SettingEngine{}
	settings.SetHandleUndeclaredSSRCWithoutAnswer(true)

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(settings),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		"audio",
		"agentphone",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	transceiver, err := pc.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	p := &Peer{
		pc:           pc,
		localTrack:   track,
		localEnabled: true,
		source:       config.Source,
		interval:     interval,
		logger:       logger.With("component", "media.peer"),
	}

	// Drain RTCP so the sender's interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := transceiver.Sender().Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Debug("connection state changed", "state", s.String())
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t := &remoteTrack{remote: remote}
		p.logger.Info("inbound track", "id", t.ID(), "codec", remote.Codec().MimeType)

		p.mu.Lock()
		p.tracks = append(p.tracks, t)
		handler := p.onTrack
		p.mu.Unlock()

		if handler != nil {
			handler(t)
		}
	})

	go p.pump()

	return p, nil
}

// InboundTracks returns the inbound tracks received so far.
func (p *Peer) InboundTracks() []Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Track, len(p.tracks))
	copy(out, p.tracks)
	return out
}

// OnTrack sets the handler for tracks arriving after the call.
func (p *Peer) OnTrack(handler func(Track)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = handler
}

// SetLocalAudioEnabled switches the outbound pump between the source and
// silence. The stream keeps flowing either way.
func (p *Peer) SetLocalAudioEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localEnabled = enabled
}

func (p *Peer) LocalAudioEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localEnabled
}

// CreateOffer creates the local offer and waits for ICE gathering so the
// returned SDP carries all candidates.
func (p *Peer) CreateOffer(ctx context.Context) ([]byte, error) {
	p.negotiate.Lock()
	defer p.negotiate.Unlock()
	if p.closed.IsBroken() {
		return nil, ErrPeerClosed
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	return p.setLocalAndGather(ctx, offer)
}

// ApplyAnswer sets the remote answer. A duplicate answer arriving once the
// connection is already stable is ignored.
func (p *Peer) ApplyAnswer(answer []byte) error {
	p.negotiate.Lock()
	defer p.negotiate.Unlock()
	if p.closed.IsBroken() {
		return ErrPeerClosed
	}

	if p.pc.SignalingState() == webrtc.SignalingStateStable {
		p.logger.Debug("ignoring answer, signaling state already stable")
		return nil
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(answer),
	}); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	p.logCodecs("answer", answer)
	return nil
}

// logCodecs records the audio codecs a remote description settled on.
func (p *Peer) logCodecs(kind string, desc []byte) {
	codecs, err := AudioCodecs(desc)
	if err != nil {
		p.logger.Debug("reading remote codecs", "kind", kind, "error", err)
		return
	}
	p.logger.Info("remote audio codecs", "kind", kind, "codecs", codecs)
}

// AnswerOffer applies a remote offer and returns the local answer.
func (p *Peer) AnswerOffer(ctx context.Context, offer []byte) ([]byte, error) {
	p.negotiate.Lock()
	defer p.negotiate.Unlock()
	if p.closed.IsBroken() {
		return nil, ErrPeerClosed
	}
	if err := ValidateAudioOffer(offer); err != nil {
		return nil, err
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  string(offer),
	}); err != nil {
		return nil, fmt.Errorf("failed to apply offer: %w", err)
	}
	p.logCodecs("offer", offer)
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	return p.setLocalAndGather(ctx, answer)
}

func (p *Peer) setLocalAndGather(ctx context.Context, desc webrtc.SessionDescription) ([]byte, error) {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed.Watch():
		return nil, ErrPeerClosed
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return nil, errors.New("local description is nil after gathering")
	}
	return []byte(local.SDP), nil
}

// Close stops the pump and closes the peer connection. Safe to call more
// than once.
func (p *Peer) Close() error {
	if p.closed.IsBroken() {
		return nil
	}
	p.closed.Break()

	p.mu.Lock()
	p.onTrack = nil
	p.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

// pump writes one PCMU frame per interval. Muted or sourceless frames are
// silence so the far end sees a continuous stream.
func (p *Peer) pump() {
	silence := make([]byte, FrameSize)
	for i := range silence {
		silence[i] = silenceByte
	}
	frame := make([]byte, FrameSize)

	var seq uint16
	var ts uint32
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed.Watch():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		enabled := p.localEnabled
		p.mu.Unlock()

		payload := silence
		if enabled && p.source != nil {
			if n, err := p.source.ReadFrame(frame); err == nil && n == FrameSize {
				payload = frame
			}
		}

		seq++
		ts += FrameSize
		if err := p.localTrack.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    0,
				SequenceNumber: seq,
				Timestamp:      ts,
				Marker:         seq == 1,
			},
			Payload: payload,
		}); err != nil {
			p.logger.Debug("local write failed", "error", err)
		}
	}
}

// remoteTrack adapts a pion inbound track to Track.
type remoteTrack struct {
	remote *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string {
	return fmt.Sprintf("%s-%d", t.remote.ID(), t.remote.SSRC())
}

func (t *remoteTrack) Codec() Codec {
	c := t.remote.Codec()
	return Codec{
		Name:        strings.ToUpper(strings.TrimPrefix(c.MimeType, "audio/")),
		PayloadType: uint8(c.PayloadType),
		ClockRate:   c.ClockRate,
	}
}

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.remote.ReadRTP()
	return pkt, err
}
