/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package clicktocall assembles an agent phone from a config.Config: the
// SIP-over-WebSocket agent leg, the call-control client, the call-event
// channel, the audio bridge, call history, metrics and the HTTP gateway.
package clicktocall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tejzpr/clicktocall-go/callcontrol"
	"github.com/tejzpr/clicktocall-go/callevents"
	"github.com/tejzpr/clicktocall-go/calllog"
	"github.com/tejzpr/clicktocall-go/config"
	"github.com/tejzpr/clicktocall-go/dialer"
	"github.com/tejzpr/clicktocall-go/gateway"
	"github.com/tejzpr/clicktocall-go/media"
	"github.com/tejzpr/clicktocall-go/metrics"
	"github.com/tejzpr/clicktocall-go/signaling"
)

// Options are process-level settings that do not belong in the YAML file.
type Options struct {
	// AudioOut receives the decoded far-end audio as 16-bit PCM. Nil
	// discards it.
	AudioOut io.Writer
	// AudioIn supplies 8 kHz G.711 mu-law frames for the agent's voice.
	// Nil sends silence.
	AudioIn media.Source
	Logger  *slog.Logger
}

// Phone is an assembled agent phone.
type Phone struct {
	config *config.Config
	logger *slog.Logger

	wire      *signaling.SIPWire
	transport *signaling.Transport
	bridge    *media.Bridge
	calls     *callcontrol.Client
	events    *callevents.Client
	history   *calllog.Store
	collector *metrics.Collector
	registry  *prometheus.Registry
	agent     *dialer.Agent
	gateway   *gateway.Server

	cancel context.CancelFunc
}

// New wires every component. Nothing touches the network until Start.
func New(ctx context.Context, conf *config.Config, opts *Options) (*Phone, error) {
	if conf == nil {
		return nil, errors.New("clicktocall: config is required")
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audioOut := opts.AudioOut
	if audioOut == nil {
		audioOut = io.Discard
	}

	p := &Phone{config: conf, logger: logger}
	ok := false
	defer func() {
		if !ok {
			p.closeParts()
		}
	}()

	domain := conf.SIP.Domain
	if domain == "" {
		u, err := url.Parse(conf.SIP.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing sip url: %w", err)
		}
		domain = u.Hostname()
	}

	var err error
	p.wire, err = signaling.NewSIPWire(&signaling.SIPConfig{
		URL:          conf.SIP.URL,
		Domain:       domain,
		Username:     conf.SIP.Username,
		Password:     conf.SIP.Password,
		AuthUsername: conf.SIP.AuthUsername,
		DisplayName:  conf.SIP.DisplayName,
		UserAgent:    conf.SIP.UserAgent,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	iceServers := make([]webrtc.ICEServer, 0, len(conf.ICEServers))
	for _, s := range conf.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	newMedia := func() (media.Negotiator, error) {
		return media.NewPeer(&media.PeerConfig{
			ICEServers:    iceServers,
			Source:        opts.AudioIn,
			FrameInterval: 20 * time.Millisecond,
			Logger:        logger,
		})
	}

	p.transport = signaling.New(p.wire, newMedia, &signaling.Config{
		KeepaliveInterval:    conf.SIP.KeepaliveInterval,
		RegisterExpiry:       conf.SIP.RegisterExpiry,
		ReconnectBaseDelay:   conf.SIP.ReconnectBaseDelay,
		ReconnectMaxDelay:    conf.SIP.ReconnectMaxDelay,
		MaxReconnectAttempts: conf.SIP.MaxReconnectAttempts,
		RequestTimeout:       conf.SIP.RequestTimeout,
		Logger:               logger,
	})

	ccConfig := callcontrol.DefaultConfig()
	ccConfig.BaseURL = conf.CallControl.BaseURL
	ccConfig.APIKeyHeader = conf.CallControl.APIKeyHeader
	ccConfig.Timeout = conf.CallControl.Timeout
	ccConfig.MaxRetries = conf.CallControl.MaxRetries
	ccConfig.Logger = logger
	p.calls, err = callcontrol.NewClient(conf.CallControl.APIKey, ccConfig)
	if err != nil {
		return nil, fmt.Errorf("creating call-control client: %w", err)
	}

	evConfig := callevents.DefaultConfig()
	evConfig.URL = conf.Events.URL
	evConfig.Credential = conf.Events.Credential
	evConfig.SignCredential = conf.Events.SignCredential
	evConfig.Subject = conf.Agent.ID
	evConfig.PingInterval = conf.Events.PingInterval
	evConfig.MaxRetries = conf.Events.MaxRetries
	evConfig.Logger = logger
	p.events = callevents.New(evConfig)

	if conf.CallLog.Path != "" {
		p.history, err = calllog.Open(ctx, conf.CallLog.Path, logger)
		if err != nil {
			return nil, err
		}
	}

	p.collector = metrics.NewCollector(time.Now())
	p.registry = prometheus.NewRegistry()
	p.registry.MustRegister(
		p.collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p.bridge = media.NewBridge(media.NewDecoderSink(audioOut, logger), logger)

	deps := dialer.Deps{
		Signaling:   p.transport,
		CallControl: p.calls,
		Events:      p.events,
		Bridge:      p.bridge,
		Observer:    p.collector,
	}
	if p.history != nil {
		deps.Recorder = p.history
	}
	p.agent, err = dialer.New(&dialer.Config{
		AgentID:            conf.Agent.ID,
		CallerID:           conf.Agent.CallerID,
		DefaultCountryCode: conf.Agent.DefaultCountryCode,
		EstablishTimeout:   conf.Agent.EstablishTimeout,
		OriginateTimeout:   conf.Agent.OriginateTimeout,
		Logger:             logger,
	}, deps)
	if err != nil {
		return nil, err
	}
	p.bridge.OnError(p.agent.ReportMediaError)

	gwConfig := &gateway.Config{
		Upstream:       conf.CallControl.BaseURL,
		APIKey:         conf.CallControl.APIKey,
		APIKeyHeader:   conf.CallControl.APIKeyHeader,
		RateLimit:      conf.Gateway.RateLimit,
		RateBurst:      conf.Gateway.RateBurst,
		AllowedOrigins: conf.Gateway.AllowedOrigins,
		Telephony:      p.calls,
		Gatherer:       p.registry,
		Logger:         logger,
	}
	var history gateway.History
	if p.history != nil {
		history = p.history
	}
	p.gateway, err = gateway.New(p.agent, history, gwConfig)
	if err != nil {
		return nil, err
	}

	ok = true
	return p, nil
}

// Agent returns the call orchestrator.
func (p *Phone) Agent() *dialer.Agent { return p.agent }

// Handler returns the gateway's HTTP handler.
func (p *Phone) Handler() http.Handler { return p.gateway }

// Start registers the agent leg and opens the call-event channel, both in
// the background. Progress is visible through the agent's streams.
func (p *Phone) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	if err := p.agent.Start(runCtx); err != nil {
		cancel()
		return err
	}
	go func() {
		// Without the event channel calls still work; only reconciliation
		// of far-end outcomes is lost until it comes back.
		if err := p.events.Connect(runCtx); err != nil {
			p.logger.Error("call-event channel unavailable, retrying in the background", "error", err)
		}
	}()
	return nil
}

// Stop ends the active call and shuts every component down.
func (p *Phone) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	err := p.agent.Stop(ctx)
	p.closeParts()
	return err
}

// closeParts releases everything the agent does not own.
func (p *Phone) closeParts() {
	if p.events != nil {
		if err := p.events.Close(); err != nil {
			p.logger.Debug("closing call-event channel", "error", err)
		}
	}
	if p.bridge != nil {
		p.bridge.Detach()
	}
	if p.gateway != nil {
		p.gateway.Close()
	}
	if p.history != nil {
		if err := p.history.Close(); err != nil {
			p.logger.Warn("closing call log", "error", err)
		}
	}
	// The agent stops the transport, and the transport closes the wire.
	// Only a failed New reaches here with them still open.
	if p.agent == nil {
		switch {
		case p.transport != nil:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			p.transport.Stop(ctx)
		case p.wire != nil:
			p.wire.Close()
		}
	}
}
