/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling keeps the agent registered at the signaling server and
// drives the offer/answer exchange of individual sessions.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/tejzpr/clicktocall-go/internal/emitter"
	"github.com/tejzpr/clicktocall-go/media"
)

var (
	ErrNotRegistered     = errors.New("signaling: not registered")
	ErrStopped           = errors.New("signaling: transport stopped")
	ErrSessionTerminated = errors.New("signaling: session terminated")
	ErrNotInbound        = errors.New("signaling: session is not an unanswered inbound session")
)

// MediaFactory builds the media connection for a new session.
type MediaFactory func() (media.Negotiator, error)

// Config holds the transport's timing policy.
type Config struct {
	// KeepaliveInterval is the period of the keepalive request.
	KeepaliveInterval time.Duration
	// RegisterExpiry is the requested registration lifetime in seconds.
	// Refresh happens at 80% of what the server grants.
	RegisterExpiry       int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	// RequestTimeout bounds each open, register and keepalive exchange.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// DefaultConfig returns the default transport policy.
func DefaultConfig() *Config {
	return &Config{
		KeepaliveInterval:    25 * time.Second,
		RegisterExpiry:       600,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 8,
		RequestTimeout:       10 * time.Second,
	}
}

// Transport owns registration state and the sessions placed over a Wire.
type Transport struct {
	wire     Wire
	newMedia MediaFactory
	config   *Config
	logger   *slog.Logger

	mu        sync.Mutex
	state     RegistrationState
	sessions  map[string]*Session
	monitorOn bool

	// emitMu orders state checks with their events.
	emitMu sync.Mutex
	events *emitter.Emitter[Event]

	runCtx    context.Context
	runCancel context.CancelFunc
	stopped   core.Fuse
	wg        sync.WaitGroup
}

// New creates a Transport. A nil config means DefaultConfig.
func New(wire Wire, newMedia MediaFactory, config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = defaults.KeepaliveInterval
	}
	if config.RegisterExpiry <= 0 {
		config.RegisterExpiry = defaults.RegisterExpiry
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		wire:      wire,
		newMedia:  newMedia,
		config:    config,
		logger:    logger.With("component", "signaling"),
		state:     RegistrationDisconnected,
		sessions:  make(map[string]*Session),
		events:    emitter.New[Event](),
		runCtx:    ctx,
		runCancel: cancel,
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t
}

// Events subscribes to the transport's ordered event stream.
func (t *Transport) Events() (<-chan Event, func()) {
	return t.events.Subscribe()
}

// State returns the current registration state.
func (t *Transport) State() RegistrationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s RegistrationState, err error) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("registration state changed", "state", s, "error", err)
	} else {
		t.logger.Info("registration state changed", "state", s)
	}
	t.events.Emit(Event{Kind: EventRegistration, Registration: s, Err: err})
}

func (t *Transport) transition(s *Session, to SessionState, reason string) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if !s.setState(to, reason) {
		return false
	}

	if to == SessionTerminated {
		t.mu.Lock()
		delete(t.sessions, s.id)
		t.mu.Unlock()

		s.mu.Lock()
		m := s.media
		s.mu.Unlock()
		if m != nil {
			if err := m.Close(); err != nil {
				t.logger.Debug("closing session media", "session_id", s.id, "error", err)
			}
		}
	}

	t.logger.Info("session state changed", "session_id", s.id, "state", to, "reason", reason)
	t.events.Emit(Event{Kind: EventSession, Session: s, SessionState: to, Reason: reason})
	return true
}

// Connect opens the wire and registers. It is a no-op while a connection
// is up or being attempted. A failed first attempt goes through the same
// backoff as a reconnect; credentials the server rejects fail at once.
// Failures are reported only as state, and Connect returns once the agent
// is registered or has settled in Failed.
func (t *Transport) Connect(ctx context.Context) {
	if !t.beginConnect() {
		return
	}

	granted, err := t.openAndRegister(ctx)
	if err != nil {
		err = &TransportError{Op: "connect", Err: err}
		if rejected(err) {
			t.setState(RegistrationFailed, err)
			return
		}
		var ok bool
		if granted, ok = t.retry(ctx, err); !ok {
			return
		}
	} else {
		t.setState(RegistrationRegistered, nil)
	}
	t.startMonitor(granted)
}

// rejected reports whether the registrar refused the credentials, which
// no amount of retrying fixes.
func rejected(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case 401, 403, 407:
		return true
	}
	return false
}

// beginConnect moves to Connecting unless an attempt is already running.
func (t *Transport) beginConnect() bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if t.stopped.IsBroken() || t.state.active() {
		t.mu.Unlock()
		return false
	}
	t.state = RegistrationConnecting
	t.mu.Unlock()

	t.logger.Info("registration state changed", "state", RegistrationConnecting)
	t.events.Emit(Event{Kind: EventRegistration, Registration: RegistrationConnecting})
	return true
}

// openAndRegister walks Connected and Registering on the way.
func (t *Transport) openAndRegister(ctx context.Context) (int, error) {
	openCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	err := t.wire.Open(openCtx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	t.setState(RegistrationConnected, nil)

	t.setState(RegistrationRegistering, nil)
	regCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	granted, err := t.wire.Register(regCtx, t.config.RegisterExpiry)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("register: %w", err)
	}
	if granted <= 0 {
		granted = t.config.RegisterExpiry
	}
	return granted, nil
}

func (t *Transport) startMonitor(granted int) {
	t.mu.Lock()
	if t.monitorOn || t.stopped.IsBroken() {
		t.mu.Unlock()
		return
	}
	t.monitorOn = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.monitor(granted)
}

func refreshAfter(granted int) time.Duration {
	return time.Duration(granted) * time.Second * 8 / 10
}

// monitor runs keepalive and registration refresh, and owns reconnection
// after a transport loss. It exits when registration fails for good or the
// transport stops.
func (t *Transport) monitor(granted int) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		t.monitorOn = false
		t.mu.Unlock()
	}()

	keepalive := time.NewTicker(t.config.KeepaliveInterval)
	defer keepalive.Stop()
	refresh := time.NewTimer(refreshAfter(granted))
	defer refresh.Stop()
	lost := t.wire.Disconnected()

	for {
		var err error
		select {
		case <-t.stopped.Watch():
			return
		case cause := <-lost:
			err = &TransportError{Op: "connection", Err: cause}
		case <-keepalive.C:
			ctx, cancel := context.WithTimeout(t.runCtx, t.config.RequestTimeout)
			err = t.wire.Ping(ctx)
			cancel()
			if err != nil {
				err = &TransportError{Op: "keepalive", Err: err}
			}
		case <-refresh.C:
			ctx, cancel := context.WithTimeout(t.runCtx, t.config.RequestTimeout)
			var g int
			g, err = t.wire.Register(ctx, t.config.RegisterExpiry)
			cancel()
			if err != nil {
				err = &TransportError{Op: "refresh", Err: err}
			} else {
				if g <= 0 {
					g = t.config.RegisterExpiry
				}
				t.logger.Debug("registration refreshed", "expires", g)
				refresh.Reset(refreshAfter(g))
			}
		}
		if err == nil {
			continue
		}
		if t.stopped.IsBroken() {
			return
		}

		t.setState(RegistrationReconnecting, err)
		t.terminateAll(ReasonTransportLost)
		g, ok := t.retry(t.runCtx, err)
		if !ok {
			return
		}
		keepalive.Reset(t.config.KeepaliveInterval)
		refresh.Reset(refreshAfter(g))
	}
}

// retry reopens the wire and registers with jittered backoff, up to
// MaxReconnectAttempts times. It reports Registered on success and Failed
// once the attempts run out or the credentials are rejected.
func (t *Transport) retry(ctx context.Context, cause error) (int, bool) {
	t.setState(RegistrationReconnecting, cause)

	b := newBackoff(t.config.ReconnectBaseDelay, t.config.ReconnectMaxDelay)
	var lastErr error = cause
	for attempt := 1; attempt <= t.config.MaxReconnectAttempts; attempt++ {
		delay := b.next()
		t.logger.Info("reconnecting", "attempt", attempt, "retry_in", delay)
		select {
		case <-t.stopped.Watch():
			return 0, false
		case <-ctx.Done():
			if t.stopped.IsBroken() {
				return 0, false
			}
			t.setState(RegistrationFailed, &TransportError{Op: "reconnect", Err: ctx.Err()})
			return 0, false
		case <-time.After(delay):
		}

		granted, err := t.openAndRegister(ctx)
		if err == nil {
			t.setState(RegistrationRegistered, nil)
			return granted, true
		}
		lastErr = err
		t.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		if rejected(err) {
			break
		}
		// Back to Reconnecting if the attempt got past Open.
		t.setState(RegistrationReconnecting, &TransportError{Op: "reconnect", Err: err})
	}

	if t.stopped.IsBroken() {
		return 0, false
	}
	t.setState(RegistrationFailed, &TransportError{Op: "reconnect", Err: lastErr})
	return 0, false
}

func (t *Transport) terminateAll(reason string) {
	t.mu.Lock()
	live := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		live = append(live, s)
	}
	t.mu.Unlock()

	for _, s := range live {
		s.mu.Lock()
		cancel := s.cancelInvite
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		t.transition(s, SessionTerminated, reason)
	}
}

// Originate starts an outbound session to destination and returns at once.
// The session's progress is reported through Events.
func (t *Transport) Originate(ctx context.Context, destination string) (*Session, error) {
	if t.stopped.IsBroken() {
		return nil, ErrStopped
	}
	if t.State() != RegistrationRegistered {
		return nil, ErrNotRegistered
	}

	m, err := t.newMedia()
	if err != nil {
		return nil, fmt.Errorf("creating media: %w", err)
	}

	s := newSession(uuid.NewString(), DirectionOutbound, destination, m)
	inviteCtx, cancel := context.WithCancel(t.runCtx)
	s.cancelInvite = cancel

	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()

	t.transition(s, SessionEstablishing, "")

	t.wg.Add(1)
	go t.runInvite(inviteCtx, s, m)
	return s, nil
}

func (t *Transport) runInvite(ctx context.Context, s *Session, m media.Negotiator) {
	defer t.wg.Done()
	defer func() {
		s.mu.Lock()
		cancel := s.cancelInvite
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	offer, err := m.CreateOffer(ctx)
	if err != nil {
		t.failSession(ctx, s, err)
		return
	}

	dialog, answer, err := t.wire.Invite(ctx, s.remote, offer, func(code int) {
		s.mu.Lock()
		s.progress = code
		s.mu.Unlock()
		t.logger.Debug("session progress", "session_id", s.id, "status", code)
	})
	if err != nil {
		t.failSession(ctx, s, err)
		return
	}

	if err := m.ApplyAnswer(answer); err != nil {
		t.logger.Warn("applying answer failed", "session_id", s.id, "error", err)
		t.byeQuietly(dialog)
		t.transition(s, SessionTerminated, "media negotiation failed")
		return
	}

	s.mu.Lock()
	s.dialog = dialog
	s.mu.Unlock()

	if !t.transition(s, SessionEstablished, "") {
		// Hung up while the answer was in flight.
		t.byeQuietly(dialog)
		return
	}
	t.watchDialog(s, dialog)
}

func (t *Transport) failSession(ctx context.Context, s *Session, err error) {
	reason := fmt.Sprintf("signaling error: %v", err)
	var se *StatusError
	switch {
	case errors.As(err, &se):
		reason = se.TerminationReason()
	case ctx.Err() != nil:
		reason = ReasonCanceled
	}
	if t.transition(s, SessionTerminated, reason) {
		t.logger.Warn("session failed", "session_id", s.id, "error", err)
	}
}

func (t *Transport) byeQuietly(d Dialog) {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.RequestTimeout)
	defer cancel()
	if err := d.Bye(ctx); err != nil {
		t.logger.Debug("bye failed", "dialog", d.ID(), "error", err)
	}
}

// watchDialog ends the session when the far end tears the dialog down.
func (t *Transport) watchDialog(s *Session, d Dialog) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-d.Terminated():
			t.transition(s, SessionTerminated, ReasonRemoteHangup)
		case <-t.stopped.Watch():
		}
	}()
}

// acceptLoop turns inbound dialogs into sessions and announces them.
func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	incoming := t.wire.Incoming()
	for {
		select {
		case <-t.stopped.Watch():
			return
		case d, ok := <-incoming:
			if !ok {
				return
			}
			t.handleInbound(d)
		}
	}
}

func (t *Transport) handleInbound(d InboundDialog) {
	m, err := t.newMedia()
	if err != nil {
		t.logger.Error("creating media for inbound session", "dialog", d.ID(), "error", err)
		ctx, cancel := context.WithTimeout(t.runCtx, t.config.RequestTimeout)
		defer cancel()
		if err := d.Reject(ctx, 500, "Server Internal Error"); err != nil {
			t.logger.Debug("reject failed", "dialog", d.ID(), "error", err)
		}
		return
	}

	s := newSession(d.ID(), DirectionInbound, d.From(), m)
	s.inbound = d
	s.dialog = d

	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()

	t.logger.Info("inbound session", "session_id", s.id, "from", s.remote)
	t.emitMu.Lock()
	t.events.Emit(Event{Kind: EventInbound, Session: s, SessionState: SessionInitial})
	t.emitMu.Unlock()
	t.watchDialog(s, d)
}

// AcceptInbound answers an inbound session, audio only. The far end is
// never rung locally.
func (t *Transport) AcceptInbound(ctx context.Context, s *Session) error {
	s.mu.Lock()
	in := s.inbound
	m := s.media
	s.mu.Unlock()
	if in == nil || s.State() != SessionInitial {
		return ErrNotInbound
	}

	if !t.transition(s, SessionEstablishing, "") {
		return ErrSessionTerminated
	}

	answer, err := m.AnswerOffer(ctx, in.Offer())
	if err != nil {
		rejectCtx, cancel := context.WithTimeout(context.Background(), t.config.RequestTimeout)
		defer cancel()
		if rerr := in.Reject(rejectCtx, 488, "Not Acceptable Here"); rerr != nil {
			t.logger.Debug("reject failed", "session_id", s.id, "error", rerr)
		}
		t.transition(s, SessionTerminated, "media negotiation failed")
		return fmt.Errorf("answering offer: %w", err)
	}

	if err := in.Answer(ctx, answer); err != nil {
		t.transition(s, SessionTerminated, fmt.Sprintf("signaling error: %v", err))
		return fmt.Errorf("sending answer: %w", err)
	}

	if !t.transition(s, SessionEstablished, "") {
		t.byeQuietly(in)
		return ErrSessionTerminated
	}
	return nil
}

// Hangup ends a session with the wire operation its negotiation state
// calls for: BYE once established, CANCEL for an unanswered outbound
// session, a 603 reject for an unanswered inbound one. A terminated
// session or a repeated hangup is a no-op. The session always ends up
// terminated; the returned error only reports the wire outcome.
func (t *Transport) Hangup(ctx context.Context, s *Session) error {
	s.mu.Lock()
	if s.state == SessionTerminated || s.hangupRequested {
		s.mu.Unlock()
		return nil
	}
	s.hangupRequested = true
	state := s.state
	dialog := s.dialog
	in := s.inbound
	cancel := s.cancelInvite
	s.mu.Unlock()

	var err error
	reason := ReasonLocalHangup
	switch {
	case state == SessionEstablished && dialog != nil:
		err = dialog.Bye(ctx)
	case s.direction == DirectionOutbound:
		// The invite goroutine sends CANCEL when its context ends.
		if cancel != nil {
			cancel()
		}
		reason = ReasonCanceled
	case in != nil:
		err = in.Reject(ctx, 603, "Decline")
		reason = ReasonDeclined
	}

	t.transition(s, SessionTerminated, reason)
	if err != nil {
		return &TransportError{Op: "hangup", Err: err}
	}
	return nil
}

// SetMute toggles the session's outbound audio. It is local only; no
// signaling is sent and the far end keeps receiving a silent stream.
func (t *Transport) SetMute(s *Session, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionTerminated {
		return ErrSessionTerminated
	}
	if s.media == nil {
		return errors.New("signaling: session has no media")
	}
	s.media.SetLocalAudioEnabled(!muted)
	return nil
}

// IsMuted reads the session's local mute flag.
func (t *Transport) IsMuted(s *Session) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionTerminated {
		return false, ErrSessionTerminated
	}
	if s.media == nil {
		return false, errors.New("signaling: session has no media")
	}
	return !s.media.LocalAudioEnabled(), nil
}

// Stop ends every session, unregisters and closes the wire. The event
// stream is closed after the final Disconnected state.
func (t *Transport) Stop(ctx context.Context) error {
	if t.stopped.IsBroken() {
		return nil
	}
	wasRegistered := t.State() == RegistrationRegistered
	t.stopped.Break()

	t.mu.Lock()
	live := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		live = append(live, s)
	}
	t.mu.Unlock()
	for _, s := range live {
		if err := t.Hangup(ctx, s); err != nil {
			t.logger.Debug("hangup during stop", "session_id", s.id, "error", err)
		}
	}
	t.terminateAll(ReasonStopped)

	if wasRegistered {
		if err := t.wire.Unregister(ctx); err != nil {
			t.logger.Warn("unregister failed", "error", err)
		}
	}
	t.runCancel()
	err := t.wire.Close()

	t.wg.Wait()
	t.setState(RegistrationDisconnected, nil)
	t.events.Close()
	return err
}

// TransportError is a connect, registration or keepalive failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
