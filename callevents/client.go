/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callevents maintains the persistent push channel from the
// call-control service and delivers call progress events.
package callevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tejzpr/clicktocall-go/internal/emitter"
)

var (
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("callevents: client closed")
	// ErrUnreachable is returned by Connect when the initial attempts run
	// out. The client keeps retrying in the background.
	ErrUnreachable = errors.New("callevents: service unreachable")
)

// Config holds the configuration for the call-event channel
type Config struct {
	URL string // websocket URL of the push channel
	// Credential is the static credential presented to the service.
	Credential string
	// SignCredential sends a short-lived HS256 token signed with Credential
	// instead of the raw credential.
	SignCredential bool
	Subject        string // token subject, usually the agent id

	HandshakeTimeout  time.Duration // websocket dial timeout
	AuthTimeout       time.Duration // time allowed for the authorized frame
	PingInterval      time.Duration // interval between ping messages
	PongTimeout       time.Duration // timeout for receiving a pong response
	BackoffTimeReset  time.Duration // initial time before the first retry
	BackoffTimeMax    time.Duration // maximum time between connection attempts
	MaxRetries        int           // retries after a drop before reporting Failed
	InitialMaxRetries int           // retries for the first connection before reporting Failed
	DedupeTTL         time.Duration // how long delivered events are remembered
	DedupeSize        int

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration for the call-event channel
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:  10 * time.Second,
		AuthTimeout:       30 * time.Second,
		PingInterval:      30 * time.Second,
		PongTimeout:       10 * time.Second,
		BackoffTimeReset:  1 * time.Second,
		BackoffTimeMax:    32 * time.Second,
		MaxRetries:        5,
		InitialMaxRetries: 3,
		DedupeTTL:         5 * time.Minute,
		DedupeSize:        512,
	}
}

// Client is the call-event push channel client
type Client struct {
	config *Config
	logger *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	gen          uint64
	connected    bool
	connecting   bool
	hasConnected bool
	activeCallID string
	state        ConnectionState

	writeMu sync.Mutex
	closing core.Fuse

	events *emitter.Emitter[CallEvent]
	states *emitter.Emitter[ConnectionState]
	seen   *expirable.LRU[string, struct{}]
}

// New creates a new call-event client
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = defaults.PongTimeout
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = defaults.AuthTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.BackoffTimeReset <= 0 {
		config.BackoffTimeReset = defaults.BackoffTimeReset
	}
	if config.BackoffTimeMax <= 0 {
		config.BackoffTimeMax = defaults.BackoffTimeMax
	}
	if config.DedupeTTL <= 0 {
		config.DedupeTTL = defaults.DedupeTTL
	}
	if config.DedupeSize <= 0 {
		config.DedupeSize = defaults.DedupeSize
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config: config,
		logger: logger.With("component", "callevents"),
		state:  StateDisconnected,
		events: emitter.New[CallEvent](),
		states: emitter.New[ConnectionState](),
		seen:   expirable.NewLRU[string, struct{}](config.DedupeSize, nil, config.DedupeTTL),
	}
}

// Events returns an ordered stream of call events. Each call returns an
// independent subscription; cancel releases it.
func (c *Client) Events() (<-chan CallEvent, func()) {
	return c.events.Subscribe()
}

// States returns a stream of connection state changes.
func (c *Client) States() (<-chan ConnectionState, func()) {
	return c.states.Subscribe()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns whether the channel is connected and authorized.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ActiveCallID returns the call id that is re-subscribed on reconnect.
func (c *Client) ActiveCallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCallID
}

// Connect establishes the channel. It is a no-op when already connected.
// When the initial attempts fail the state turns Failed and ErrUnreachable
// is returned, but the client keeps trying at BackoffTimeMax until it
// connects or is closed.
func (c *Client) Connect(ctx context.Context) error {
	if c.closing.IsBroken() {
		return ErrClosed
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}
	c.connecting = true
	c.mu.Unlock()

	c.setState(StateConnecting)
	err := c.connectWithBackoff(ctx, c.config.InitialMaxRetries)
	if errors.Is(err, ErrUnreachable) {
		go c.keepTrying()
	}
	return err
}

// Subscribe starts delivery of events for callID. The id is remembered and
// re-sent after every reconnect.
func (c *Client) Subscribe(callID string) error {
	if callID == "" {
		return fmt.Errorf("call id is required")
	}
	c.mu.Lock()
	c.activeCallID = callID
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug("subscription deferred until connected", "call_id", callID)
		return nil
	}
	return c.sendCallFrame(conn, frameSubscribe, callID)
}

// Unsubscribe stops delivery of events for callID.
func (c *Client) Unsubscribe(callID string) error {
	c.mu.Lock()
	if c.activeCallID == callID {
		c.activeCallID = ""
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || callID == "" {
		return nil
	}
	return c.sendCallFrame(conn, frameUnsubscribe, callID)
}

// Close shuts the channel down permanently.
func (c *Client) Close() error {
	if c.closing.IsBroken() {
		return nil
	}
	c.closing.Break()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connecting = false
	c.gen++
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.setState(StateDisconnected)
	c.events.Close()
	c.states.Close()
	return nil
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.states.Emit(s)
}

// connectWithBackoff attempts to connect with exponential backoff. When
// every attempt fails the state turns Failed and the client stays in the
// connecting phase, so the caller is expected to keep trying.
func (c *Client) connectWithBackoff(ctx context.Context, maxRetries int) error {
	backoff := c.config.BackoffTimeReset

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = c.attemptConnection(ctx)
		if err == nil {
			return nil
		}

		c.logger.Warn("call event channel connect failed",
			"attempt", attempt+1,
			"error", err,
		)
		if attempt == maxRetries {
			break
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > c.config.BackoffTimeMax {
				backoff = c.config.BackoffTimeMax
			}
		case <-ctx.Done():
			c.abortConnecting()
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.closing.Watch():
			c.abortConnecting()
			return ErrClosed
		}
	}

	c.setState(StateFailed)
	return fmt.Errorf("%w after %d attempts: %w", ErrUnreachable, maxRetries+1, err)
}

// keepTrying retries at the capped interval until a connection succeeds
// or the client closes. The state stays Failed meanwhile.
func (c *Client) keepTrying() {
	ctx, cancel := c.closingContext()
	defer cancel()

	for {
		select {
		case <-time.After(c.config.BackoffTimeMax):
		case <-ctx.Done():
			c.abortConnecting()
			return
		}
		err := c.attemptConnection(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			c.abortConnecting()
			return
		}
		c.logger.Debug("call event channel still unreachable", "error", err)
	}
}

// closingContext returns a context canceled when the client closes.
func (c *Client) closingContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.closing.Watch():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Client) abortConnecting() {
	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
}

// attemptConnection makes a single dial + authorization attempt.
func (c *Client) attemptConnection(ctx context.Context) error {
	token, err := c.token()
	if err != nil {
		return err
	}

	conn, err := c.dial(ctx, token)
	if err != nil {
		return err
	}

	if err := c.authenticate(conn, token); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closing.IsBroken() {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.hasConnected = true
	callID := c.activeCallID
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	c.setState(StateConnected)
	c.logger.Info("call event channel connected", "url", c.config.URL)

	if callID != "" {
		if err := c.sendCallFrame(conn, frameSubscribe, callID); err != nil {
			c.logger.Warn("re-subscribe failed", "call_id", callID, "error", err)
		} else {
			c.logger.Debug("re-subscribed after connect", "call_id", callID)
		}
	}

	go c.startPingPong(conn, gen)
	go c.listen(conn, gen)
	return nil
}

func (c *Client) token() (string, error) {
	if !c.config.SignCredential {
		return c.config.Credential, nil
	}
	return signCredential(c.config.Credential, c.config.Subject, 5*time.Minute)
}

// dial establishes a WebSocket connection with proper headers
func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}
	return conn, nil
}

// authenticate sends the authorization frame and waits for confirmation.
func (c *Client) authenticate(conn *websocket.Conn, token string) error {
	data, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return fmt.Errorf("failed to marshal auth message: %w", err)
	}
	if err := c.writeFrame(conn, frame{ID: uuid.NewString(), Type: frameAuthorization, Data: data}); err != nil {
		return fmt.Errorf("failed to send auth message: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.config.AuthTimeout)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("error reading auth response: %w", err)
		}
		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			continue
		}
		switch f.Type {
		case frameAuthorized:
			return nil
		case frameError:
			return fmt.Errorf("authorization failed: %s", string(f.Data))
		}
	}
}

func (c *Client) sendCallFrame(conn *websocket.Conn, kind, callID string) error {
	data, err := json.Marshal(map[string]string{"callId": callID})
	if err != nil {
		return err
	}
	return c.writeFrame(conn, frame{ID: uuid.NewString(), Type: kind, Data: data})
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// listen reads frames until the connection fails.
func (c *Client) listen(conn *websocket.Conn, gen uint64) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(gen, err)
			return
		}

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		c.processFrame(f)
	}
}

func (c *Client) processFrame(f frame) {
	switch f.Type {
	case frameCallEvent:
		var ev CallEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			c.logger.Warn("invalid call event", "error", err)
			return
		}
		if ev.CallID == "" || ev.Type == "" {
			c.logger.Warn("call event missing type or call id")
			return
		}
		if c.seen.Contains(ev.key()) {
			c.logger.Debug("duplicate call event suppressed", "call_id", ev.CallID, "type", ev.Type)
			return
		}
		c.seen.Add(ev.key(), struct{}{})
		c.events.Emit(ev)
	case frameError:
		c.logger.Warn("call event channel error frame", "data", string(f.Data))
	}
}

// handleConnectionError triggers reconnection unless the client is closing.
// A drop never produces a call event.
func (c *Client) handleConnectionError(gen uint64, err error) {
	if c.closing.IsBroken() {
		return
	}

	c.mu.Lock()
	if gen != c.gen || !c.connected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connecting = true
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.logger.Warn("call event channel dropped", "error", err)
	c.setState(StateReconnecting)
	go c.reconnect()
}

func (c *Client) reconnect() {
	ctx, cancel := c.closingContext()
	defer cancel()

	err := c.connectWithBackoff(ctx, c.config.MaxRetries)
	if errors.Is(err, ErrUnreachable) {
		c.logger.Error("call event channel unreachable, retrying at the capped interval", "error", err)
		c.keepTrying()
	}
}

// startPingPong keeps the connection alive and detects dead peers.
func (c *Client) startPingPong(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			stale := gen != c.gen
			c.mu.Unlock()
			if stale {
				return
			}
			if err := conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
				conn.Close()
				return
			}
			deadline := time.Now().Add(c.config.PongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte(fmt.Sprint(time.Now().UnixMilli())), deadline); err != nil {
				conn.Close()
				return
			}
		case <-c.closing.Watch():
			return
		}
	}
}
