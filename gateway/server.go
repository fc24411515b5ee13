/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package gateway serves the agent phone's HTTP surface: a same-origin
// proxy to the call-control service that injects the API key, the agent's
// call API, a websocket stream of state changes, and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tejzpr/clicktocall-go/callcontrol"
	"github.com/tejzpr/clicktocall-go/calllog"
	"github.com/tejzpr/clicktocall-go/callevents"
	"github.com/tejzpr/clicktocall-go/dialer"
	"github.com/tejzpr/clicktocall-go/signaling"
	"golang.org/x/time/rate"
)

// Agent is the part of dialer.Agent the gateway serves.
type Agent interface {
	InitiateCall(ctx context.Context, req dialer.CallRequest) (dialer.CallSession, error)
	Hangup(ctx context.Context, id string) error
	ToggleMute(ctx context.Context) (bool, error)
	CurrentCall(ctx context.Context) (*dialer.CallSession, error)
	SignalingState() signaling.RegistrationState
	EventChannelState() callevents.ConnectionState
	SubscribeCalls() (<-chan dialer.CallSession, func())
	SubscribeSignaling() (<-chan signaling.RegistrationState, func())
	SubscribeCallEvents() (<-chan callevents.CallEvent, func())
}

// Telephony reports the call-control service's own view of its trunks.
type Telephony interface {
	Status(ctx context.Context) (*callcontrol.TelephonyStatus, error)
}

// History lists finished calls.
type History interface {
	Recent(ctx context.Context, limit int) ([]calllog.Entry, error)
}

// Config holds gateway settings.
type Config struct {
	// Upstream is the call-control service base URL proxied under
	// /api/callcontrol.
	Upstream     string
	APIKey       string
	APIKeyHeader string

	// RateLimit is requests per second per client address on /api routes.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	// AllowedOrigins for the stream websocket. Empty means same origin.
	AllowedOrigins []string

	// Telephony is queried for /api/agent/status. Nil leaves it out.
	Telephony        Telephony
	TelephonyTimeout time.Duration

	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// DefaultConfig returns gateway defaults.
func DefaultConfig() *Config {
	return &Config{
		APIKeyHeader:     "X-API-Key",
		RateLimit:        5,
		RateBurst:        10,
		TelephonyTimeout: 2 * time.Second,
		Gatherer:         prometheus.DefaultGatherer,
	}
}

// Server is the gateway http.Handler.
type Server struct {
	router  *chi.Mux
	agent   Agent
	history History
	config  *Config
	limiter *ipRateLimiter
	logger  *slog.Logger
}

// New builds the gateway. history may be nil when call history is off.
func New(agent Agent, history History, config *Config) (*Server, error) {
	if agent == nil {
		return nil, errors.New("gateway: agent is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.APIKeyHeader == "" {
		config.APIKeyHeader = "X-API-Key"
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.TelephonyTimeout <= 0 {
		config.TelephonyTimeout = 2 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:  chi.NewRouter(),
		agent:   agent,
		history: history,
		config:  config,
		logger:  logger.With("component", "gateway"),
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = newIPRateLimiter(rate.Limit(config.RateLimit), burst)
	}

	proxy, err := s.newProxy()
	if err != nil {
		return nil, err
	}
	s.routes(proxy)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes(proxy http.Handler) {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimit)
		}
		if proxy != nil {
			r.Handle("/callcontrol/*", http.StripPrefix("/api/callcontrol", proxy))
		}
		r.Route("/agent", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/current", s.handleCurrent)
			r.Get("/history", s.handleHistory)
			r.Post("/calls", s.handleInitiate)
			r.Delete("/calls/{id}", s.handleHangup)
			r.Post("/mute", s.handleMute)
			r.Get("/stream", s.handleStream)
		})
	})
}

// newProxy forwards /api/callcontrol/* to the upstream with the API key
// added, so browsers never hold it.
func (s *Server) newProxy() (http.Handler, error) {
	if s.config.Upstream == "" {
		return nil, nil
	}
	target, err := url.Parse(s.config.Upstream)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid upstream: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("gateway: upstream must be http or https, got %q", target.Scheme)
	}

	header := s.config.APIKeyHeader
	key := s.config.APIKey
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Set(header, key)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("call-control proxy error", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "call-control service unavailable")
		},
	}, nil
}

// Close releases the rate limiter.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Purge()
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
