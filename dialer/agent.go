/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package dialer is the agent-facing orchestrator of click-to-call. It owns
// the single call session and reconciles signaling callbacks with the
// call-control service's progress events.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tejzpr/clicktocall-go/callcontrol"
	"github.com/tejzpr/clicktocall-go/callevents"
	"github.com/tejzpr/clicktocall-go/internal/emitter"
	"github.com/tejzpr/clicktocall-go/media"
	"github.com/tejzpr/clicktocall-go/signaling"
)

// Signaling is the part of signaling.Transport the agent drives.
type Signaling interface {
	Connect(ctx context.Context)
	State() signaling.RegistrationState
	Events() (<-chan signaling.Event, func())
	AcceptInbound(ctx context.Context, s *signaling.Session) error
	Hangup(ctx context.Context, s *signaling.Session) error
	SetMute(s *signaling.Session, muted bool) error
	Stop(ctx context.Context) error
}

// CallControl starts and ends the far leg at the call-control service.
type CallControl interface {
	Originate(ctx context.Context, req callcontrol.OriginateRequest) (*callcontrol.Call, error)
	Hangup(ctx context.Context, callID string) (string, error)
}

// CallEvents is the push channel of progress events.
type CallEvents interface {
	Events() (<-chan callevents.CallEvent, func())
	States() (<-chan callevents.ConnectionState, func())
	State() callevents.ConnectionState
	Subscribe(callID string) error
	Unsubscribe(callID string) error
}

// Bridge routes a call's inbound audio to the local sink.
type Bridge interface {
	Attach(conn media.Connection)
	Detach()
}

// Recorder stores finished calls.
type Recorder interface {
	Record(ctx context.Context, s CallSession) error
}

// Observer receives counters for metrics.
type Observer interface {
	RegistrationChanged(state signaling.RegistrationState)
	EventChannelChanged(state callevents.ConnectionState)
	CallStarted()
	CallEnded(reason string, duration time.Duration)
	CallEventReceived(eventType string)
	MediaError()
}

// Deps are the agent's collaborators. Signaling and CallControl are
// required.
type Deps struct {
	Signaling   Signaling
	CallControl CallControl
	Events      CallEvents
	Bridge      Bridge
	Recorder    Recorder
	Observer    Observer
}

// Config holds agent settings.
type Config struct {
	AgentID  string
	CallerID string
	// DefaultCountryCode is used for national numbers, e.g. "62".
	DefaultCountryCode string
	// EstablishTimeout forces a call that has not reached Up to end.
	EstablishTimeout time.Duration
	// OriginateTimeout is the ring timeout in seconds sent with each
	// origination. Zero leaves it to the service.
	OriginateTimeout int
	// TeardownTimeout bounds background hangup and record calls.
	TeardownTimeout time.Duration
	Logger          *slog.Logger
}

// DefaultConfig returns an agent config with the default timeouts.
func DefaultConfig() *Config {
	return &Config{
		EstablishTimeout: 45 * time.Second,
		TeardownTimeout:  10 * time.Second,
	}
}

// call is the loop-owned state behind a CallSession.
type call struct {
	CallSession
	sig             *signaling.Session
	originating     bool
	hangupRequested bool
	attached        bool
	subscribed      bool
	timer           *time.Timer
}

type originateResult struct {
	session CallSession
	err     error
}

// Agent is the orchestrator. All call state is owned by one goroutine;
// public methods hand closures to it.
type Agent struct {
	config *Config
	deps   Deps
	logger *slog.Logger

	ops     chan func()
	stopped core.Fuse
	loopEnd chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	started   atomic.Bool

	stateMu    sync.RWMutex
	regState   signaling.RegistrationState
	eventState callevents.ConnectionState

	calls      *emitter.Emitter[CallSession]
	signals    *emitter.Emitter[signaling.RegistrationState]
	callEvents *emitter.Emitter[callevents.CallEvent]

	// loop-owned
	current *call
	ended   *expirable.LRU[string, struct{}]
}

// New creates an agent. Start must be called before use.
func New(config *Config, deps Deps) (*Agent, error) {
	if deps.Signaling == nil || deps.CallControl == nil {
		return nil, errors.New("dialer: signaling and call control are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.EstablishTimeout <= 0 {
		config.EstablishTimeout = DefaultConfig().EstablishTimeout
	}
	if config.TeardownTimeout <= 0 {
		config.TeardownTimeout = DefaultConfig().TeardownTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	eventState := callevents.StateDisconnected
	if deps.Events != nil {
		eventState = deps.Events.State()
	}

	return &Agent{
		config:     config,
		deps:       deps,
		logger:     logger.With("component", "dialer"),
		ops:        make(chan func()),
		loopEnd:    make(chan struct{}),
		regState:   deps.Signaling.State(),
		eventState: eventState,
		calls:      emitter.New[CallSession](),
		signals:    emitter.New[signaling.RegistrationState](),
		callEvents: emitter.New[callevents.CallEvent](),
		ended:      expirable.NewLRU[string, struct{}](64, nil, time.Hour),
	}, nil
}

// Start runs the event loop and connects signaling in the background.
func (a *Agent) Start(ctx context.Context) error {
	if a.stopped.IsBroken() {
		return ErrStopped
	}
	a.startOnce.Do(func() {
		a.started.Store(true)
		sigEvents, _ := a.deps.Signaling.Events()
		var (
			callEvents  <-chan callevents.CallEvent
			eventStates <-chan callevents.ConnectionState
		)
		if a.deps.Events != nil {
			callEvents, _ = a.deps.Events.Events()
			eventStates, _ = a.deps.Events.States()
		}
		go a.loop(sigEvents, callEvents, eventStates)

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.deps.Signaling.Connect(ctx)
		}()
	})
	return nil
}

// Stop ends the active call, stops signaling and closes every stream.
func (a *Agent) Stop(ctx context.Context) error {
	if a.stopped.IsBroken() {
		return nil
	}

	if a.started.Load() {
		_ = a.do(ctx, func() {
			if c := a.current; c != nil {
				a.teardown(c, ReasonStopped, c.sig == nil)
			}
		})
	}

	err := a.deps.Signaling.Stop(ctx)
	a.stopped.Break()
	if a.started.Load() {
		<-a.loopEnd
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("stop timed out waiting for background work")
	}

	a.calls.Close()
	a.signals.Close()
	a.callEvents.Close()
	return err
}

// SubscribeCalls streams a snapshot on every change of the current call.
func (a *Agent) SubscribeCalls() (<-chan CallSession, func()) {
	return a.calls.Subscribe()
}

// SubscribeSignaling streams registration state changes.
func (a *Agent) SubscribeSignaling() (<-chan signaling.RegistrationState, func()) {
	return a.signals.Subscribe()
}

// SubscribeCallEvents streams every call-control progress event received.
func (a *Agent) SubscribeCallEvents() (<-chan callevents.CallEvent, func()) {
	return a.callEvents.Subscribe()
}

// SignalingState returns the latest registration state.
func (a *Agent) SignalingState() signaling.RegistrationState {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.regState
}

// EventChannelState returns the latest state of the call-event channel.
// Failed means the channel is unreachable and far-end outcomes are only
// learned through signaling until it recovers.
func (a *Agent) EventChannelState() callevents.ConnectionState {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.eventState
}

// do runs fn on the loop and waits for it.
func (a *Agent) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case a.ops <- func() { fn(); close(done) }:
	case <-a.stopped.Watch():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-a.loopEnd:
		return ErrStopped
	}
}

// post queues fn on the loop from a background goroutine.
func (a *Agent) post(fn func()) {
	select {
	case a.ops <- fn:
	case <-a.stopped.Watch():
	}
}

// background runs fn outside the loop with the teardown timeout.
func (a *Agent) background(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.config.TeardownTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (a *Agent) loop(sigEvents <-chan signaling.Event, callEvents <-chan callevents.CallEvent, eventStates <-chan callevents.ConnectionState) {
	defer close(a.loopEnd)
	for {
		select {
		case <-a.stopped.Watch():
			return
		case op := <-a.ops:
			op()
		case ev, ok := <-sigEvents:
			if !ok {
				sigEvents = nil
				continue
			}
			a.handleSignaling(ev)
		case ev, ok := <-callEvents:
			if !ok {
				callEvents = nil
				continue
			}
			a.handleCallEvent(ev)
		case st, ok := <-eventStates:
			if !ok {
				eventStates = nil
				continue
			}
			a.handleEventChannel(st)
		}
	}
}

func (a *Agent) handleEventChannel(st callevents.ConnectionState) {
	a.stateMu.Lock()
	a.eventState = st
	a.stateMu.Unlock()

	switch st {
	case callevents.StateFailed:
		a.logger.Warn("call-event channel unreachable, far-end outcomes rely on signaling", "state", st)
	case callevents.StateConnected:
		a.logger.Info("call-event channel connected")
	default:
		a.logger.Debug("call-event channel state", "state", st)
	}
	if a.deps.Observer != nil {
		a.deps.Observer.EventChannelChanged(st)
	}
}

// InitiateCall asks the call-control service to call destination. The
// session appears in Dialing before the request returns; an origination
// failure tears it down and is returned.
func (a *Agent) InitiateCall(ctx context.Context, req CallRequest) (CallSession, error) {
	var (
		result chan originateResult
		err    error
	)
	if derr := a.do(ctx, func() {
		result, err = a.beginCall(req)
	}); derr != nil {
		return CallSession{}, derr
	}
	if err != nil {
		return CallSession{}, err
	}

	select {
	case r := <-result:
		return r.session, r.err
	case <-ctx.Done():
		return CallSession{}, ctx.Err()
	case <-a.loopEnd:
		return CallSession{}, ErrStopped
	}
}

func (a *Agent) beginCall(req CallRequest) (chan originateResult, error) {
	if c := a.current; c != nil && c.Active() {
		return nil, ErrAlreadyInCall
	}
	if s := a.SignalingState(); s != signaling.RegistrationRegistered {
		return nil, fmt.Errorf("%w (state %s)", ErrNotRegistered, s)
	}
	dest, err := NormalizeE164(req.Destination, a.config.DefaultCountryCode)
	if err != nil {
		return nil, err
	}

	c := &call{
		CallSession: CallSession{
			ID:          uuid.NewString(),
			Destination: dest,
			Direction:   signaling.DirectionOutbound,
			State:       CallDialing,
			StartedAt:   time.Now(),
		},
		originating: true,
	}
	a.current = c
	a.armTimer(c)
	a.publish(c)
	if a.deps.Observer != nil {
		a.deps.Observer.CallStarted()
	}
	a.logger.Info("initiating call", "session_id", c.ID, "destination", dest)

	callerID := req.CallerID
	if callerID == "" {
		callerID = a.config.CallerID
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = a.config.OriginateTimeout
	}
	oreq := callcontrol.OriginateRequest{
		Destination: dest,
		AgentID:     a.config.AgentID,
		CallerID:    callerID,
		Timeout:     timeout,
	}

	result := make(chan originateResult, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		// Not tied to the caller's context: a request the service already
		// accepted must be answered with a teardown, not abandoned.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		remote, err := a.deps.CallControl.Originate(ctx, oreq)
		a.post(func() { result <- a.originated(c, remote, err) })
	}()
	return result, nil
}

// originated applies the result of the origination request.
func (a *Agent) originated(c *call, remote *callcontrol.Call, err error) originateResult {
	c.originating = false

	if a.current != c || !c.Active() {
		if err == nil && remote != nil {
			a.logger.Info("origination finished after hangup, tearing down", "session_id", c.ID, "call_id", remote.ID)
			id := remote.ID
			a.background(func(ctx context.Context) {
				if _, err := a.deps.CallControl.Hangup(ctx, id); err != nil {
					a.logger.Warn("follow-up hangup failed", "call_id", id, "error", err)
				}
			})
		}
		return originateResult{session: c.CallSession, err: ErrCanceled}
	}

	if err != nil {
		oerr := &OriginationError{Destination: c.Destination, Err: err}
		a.logger.Warn("origination failed", "session_id", c.ID, "error", err)
		if c.sig != nil {
			a.hangupSignaling(c.sig)
		}
		a.finish(c, "origination failed")
		return originateResult{session: c.CallSession, err: oerr}
	}

	c.CallID = remote.ID
	a.ended.Remove(c.CallID)
	if a.deps.Events != nil {
		if err := a.deps.Events.Subscribe(c.CallID); err != nil {
			a.logger.Warn("subscribing to call events", "call_id", c.CallID, "error", err)
		} else {
			c.subscribed = true
		}
	}
	a.logger.Info("call originated", "session_id", c.ID, "call_id", c.CallID)
	a.publish(c)
	return originateResult{session: c.CallSession}
}

// Hangup ends the call identified by id, which may be the session id or
// the call-control id. An empty id means the current call. It always
// clears the local session; repeated calls are no-ops.
func (a *Agent) Hangup(ctx context.Context, id string) error {
	var err error
	if derr := a.do(ctx, func() {
		c := a.current
		if c == nil || (id != "" && id != c.ID && id != c.CallID) {
			if id != "" && a.ended.Contains(id) {
				return
			}
			err = ErrNoActiveCall
			return
		}
		if c.hangupRequested || !c.Active() {
			return
		}
		c.hangupRequested = true
		// Before bridge-back only the service knows the far leg.
		a.teardown(c, ReasonLocalHangup, c.sig == nil)
	}); derr != nil {
		return derr
	}
	return err
}

// ToggleMute flips the local mute flag of the current call.
func (a *Agent) ToggleMute(ctx context.Context) (bool, error) {
	var (
		muted bool
		err   error
	)
	if derr := a.do(ctx, func() {
		c := a.current
		if c == nil || !c.Active() {
			err = ErrNoActiveCall
			return
		}
		if c.sig == nil {
			err = ErrNoMedia
			return
		}
		next := !c.Muted
		if err = a.deps.Signaling.SetMute(c.sig, next); err != nil {
			return
		}
		c.Muted = next
		muted = next
		a.publish(c)
	}); derr != nil {
		return false, derr
	}
	return muted, err
}

// CurrentCall returns the active call, or nil.
func (a *Agent) CurrentCall(ctx context.Context) (*CallSession, error) {
	var out *CallSession
	if err := a.do(ctx, func() {
		if c := a.current; c != nil {
			snap := c.CallSession
			out = &snap
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// ReportMediaError records an audio failure. The call is not affected.
func (a *Agent) ReportMediaError(err error) {
	a.post(func() {
		id := ""
		if a.current != nil {
			id = a.current.ID
		}
		merr := &MediaError{SessionID: id, Err: err}
		a.logger.Warn("media error", "session_id", id, "error", merr)
		if a.deps.Observer != nil {
			a.deps.Observer.MediaError()
		}
	})
}

func (a *Agent) handleSignaling(ev signaling.Event) {
	switch ev.Kind {
	case signaling.EventRegistration:
		a.stateMu.Lock()
		a.regState = ev.Registration
		a.stateMu.Unlock()
		if ev.Err != nil {
			a.logger.Warn("signaling state", "state", ev.Registration, "error", &TransportError{Err: ev.Err})
		}
		a.signals.Emit(ev.Registration)
		if a.deps.Observer != nil {
			a.deps.Observer.RegistrationChanged(ev.Registration)
		}

	case signaling.EventInbound:
		a.handleInbound(ev.Session)

	case signaling.EventSession:
		c := a.current
		if c == nil || c.sig != ev.Session {
			return
		}
		switch ev.SessionState {
		case signaling.SessionEstablished:
			a.up(c)
		case signaling.SessionTerminated:
			if !c.Active() {
				return
			}
			// The far leg outlives a dead agent leg unless told otherwise.
			a.teardown(c, ev.Reason, ev.Reason == signaling.ReasonTransportLost)
		}
	}
}

// handleInbound links a bridge-back to the current call, or starts a call
// for an unsolicited one. A second leg while a call is connected is
// declined.
func (a *Agent) handleInbound(s *signaling.Session) {
	c := a.current
	switch {
	case c != nil && c.Active() && c.sig == nil:
		if want := c.CallID; want != "" {
			if got := s.Header("X-Call-Id"); got != "" && got != want {
				a.logger.Warn("bridge-back call id mismatch", "session_id", c.ID, "want", want, "got", got)
			}
		}
		c.sig = s
		c.State = CallEstablishing
		a.logger.Info("bridge-back linked", "session_id", c.ID, "dialog", s.ID())

	case c != nil && c.Active():
		a.logger.Warn("declining second inbound session", "session_id", c.ID, "dialog", s.ID())
		a.hangupSignaling(s)
		return

	default:
		dest, err := NormalizeE164(s.Remote(), a.config.DefaultCountryCode)
		if err != nil {
			dest = s.Remote()
		}
		c = &call{
			CallSession: CallSession{
				ID:          s.ID(),
				CallID:      s.Header("X-Call-Id"),
				Destination: dest,
				Direction:   signaling.DirectionInbound,
				State:       CallEstablishing,
				StartedAt:   time.Now(),
			},
			sig: s,
		}
		a.current = c
		a.armTimer(c)
		if c.CallID != "" && a.deps.Events != nil {
			if err := a.deps.Events.Subscribe(c.CallID); err == nil {
				c.subscribed = true
			}
		}
		if a.deps.Observer != nil {
			a.deps.Observer.CallStarted()
		}
		a.logger.Info("unsolicited bridge-back", "session_id", c.ID, "from", s.Remote())
	}
	a.publish(c)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.config.EstablishTimeout)
		defer cancel()
		if err := a.deps.Signaling.AcceptInbound(ctx, s); err != nil {
			serr := &SignalingError{SessionID: c.ID, Err: err}
			a.post(func() {
				if a.current == c && c.Active() {
					a.logger.Warn("accepting bridge-back failed", "error", serr)
					a.teardown(c, fmt.Sprintf("signaling error: %v", err), true)
				}
			})
		}
	}()
}

func (a *Agent) up(c *call) {
	if !c.Active() || c.State == CallUp {
		return
	}
	c.State = CallUp
	a.stopTimer(c)
	if a.deps.Bridge != nil {
		if conn := c.sig.Media(); conn != nil {
			a.deps.Bridge.Attach(conn)
			c.attached = true
		}
	}
	a.logger.Info("call up", "session_id", c.ID)
	a.publish(c)
}

func (a *Agent) handleCallEvent(ev callevents.CallEvent) {
	a.callEvents.Emit(ev)
	if a.deps.Observer != nil {
		a.deps.Observer.CallEventReceived(string(ev.Type))
	}

	c := a.current
	if c == nil || c.CallID == "" || ev.CallID != c.CallID || !c.Active() {
		return
	}

	switch {
	case ev.IsTerminal():
		// The far leg is already gone; only the local leg needs ending.
		a.logger.Info("terminal call event", "session_id", c.ID, "call_id", c.CallID, "type", ev.Type)
		a.teardown(c, ev.Reason(), false)
	case ev.Type == callevents.EventRinging && c.State == CallDialing:
		c.State = CallRinging
		a.publish(c)
	}
}

// teardown ends c locally, releasing the signaling leg and optionally the
// far leg at the call-control service.
func (a *Agent) teardown(c *call, reason string, deleteRemote bool) {
	if !c.Active() {
		return
	}
	if c.sig != nil {
		a.hangupSignaling(c.sig)
	}
	if deleteRemote && c.CallID != "" {
		id := c.CallID
		a.background(func(ctx context.Context) {
			if _, err := a.deps.CallControl.Hangup(ctx, id); err != nil {
				a.logger.Warn("call-control hangup failed", "call_id", id, "error", err)
			}
		})
	}
	a.finish(c, reason)
}

func (a *Agent) hangupSignaling(s *signaling.Session) {
	a.background(func(ctx context.Context) {
		if err := a.deps.Signaling.Hangup(ctx, s); err != nil {
			a.logger.Debug("signaling hangup", "dialog", s.ID(), "error", err)
		}
	})
}

// finish marks c terminated and releases everything it holds.
func (a *Agent) finish(c *call, reason string) {
	now := time.Now()
	c.State = CallTerminated
	c.EndedAt = &now
	c.Reason = reason
	a.stopTimer(c)

	if c.attached && a.deps.Bridge != nil {
		a.deps.Bridge.Detach()
		c.attached = false
	}
	if c.subscribed && a.deps.Events != nil {
		if err := a.deps.Events.Unsubscribe(c.CallID); err != nil {
			a.logger.Debug("unsubscribing call events", "call_id", c.CallID, "error", err)
		}
		c.subscribed = false
	}

	a.ended.Add(c.ID, struct{}{})
	if c.CallID != "" {
		a.ended.Add(c.CallID, struct{}{})
	}
	if a.current == c {
		a.current = nil
	}

	snap := c.CallSession
	a.logger.Info("call terminated", "session_id", c.ID, "call_id", c.CallID, "reason", reason)
	if a.deps.Observer != nil {
		a.deps.Observer.CallEnded(reason, snap.Duration())
	}
	if a.deps.Recorder != nil {
		a.background(func(ctx context.Context) {
			if err := a.deps.Recorder.Record(ctx, snap); err != nil {
				a.logger.Warn("recording call", "session_id", snap.ID, "error", err)
			}
		})
	}
	a.calls.Emit(snap)
}

func (a *Agent) armTimer(c *call) {
	c.timer = time.AfterFunc(a.config.EstablishTimeout, func() {
		a.post(func() {
			if a.current == c && c.Active() && c.State != CallUp {
				a.logger.Warn("call did not establish in time", "session_id", c.ID, "timeout", a.config.EstablishTimeout)
				a.teardown(c, ReasonEstablishTimeout, true)
			}
		})
	})
}

func (a *Agent) stopTimer(c *call) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (a *Agent) publish(c *call) {
	a.calls.Emit(c.CallSession)
}
