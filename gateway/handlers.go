/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tejzpr/clicktocall-go/callcontrol"
	"github.com/tejzpr/clicktocall-go/callevents"
	"github.com/tejzpr/clicktocall-go/dialer"
	"github.com/tejzpr/clicktocall-go/signaling"
)

// envelope is the response wrapper: {"data": ..., "error": ...}.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeAgentError writes err with the status from statusFor, forwarding
// Retry-After from a rate-limited service and pointing at the API key when
// the service refused it.
func writeAgentError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()

	var apiErr *callcontrol.APIError
	if errors.As(err, &apiErr) {
		if status == http.StatusTooManyRequests && apiErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds())))
		}
		if callcontrol.IsAuthError(err) || callcontrol.IsForbidden(err) {
			msg += " (check callcontrol.api_key)"
		}
	}
	writeError(w, status, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// statusFor maps agent errors to HTTP status codes. Origination failures
// keep the call-control service's meaning where the caller can act on it.
func statusFor(err error) int {
	var oerr *dialer.OriginationError
	switch {
	case errors.As(err, &oerr) && callcontrol.IsValidation(err):
		return http.StatusBadRequest
	case errors.As(err, &oerr) && callcontrol.IsConflict(err):
		return http.StatusConflict
	case errors.As(err, &oerr) && callcontrol.IsRateLimited(err):
		return http.StatusTooManyRequests
	case errors.Is(err, dialer.ErrInvalidDestination):
		return http.StatusBadRequest
	case errors.Is(err, dialer.ErrNoActiveCall):
		return http.StatusNotFound
	case errors.Is(err, dialer.ErrAlreadyInCall),
		errors.Is(err, dialer.ErrNotRegistered),
		errors.Is(err, dialer.ErrNoMedia),
		errors.Is(err, dialer.ErrCanceled):
		return http.StatusConflict
	case errors.As(err, &oerr):
		return http.StatusBadGateway
	case errors.Is(err, dialer.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type statusResponse struct {
	Signaling      signaling.RegistrationState  `json:"signaling"`
	Events         callevents.ConnectionState   `json:"events"`
	CanCall        bool                         `json:"canCall"`
	Call           *dialer.CallSession          `json:"call"`
	Telephony      *callcontrol.TelephonyStatus `json:"telephony,omitempty"`
	TelephonyError string                       `json:"telephonyError,omitempty"`
}

func (s *Server) status(ctx context.Context) (statusResponse, error) {
	state := s.agent.SignalingState()
	call, err := s.agent.CurrentCall(ctx)
	if err != nil {
		return statusResponse{}, err
	}
	resp := statusResponse{
		Signaling: state,
		Events:    s.agent.EventChannelState(),
		CanCall:   state == signaling.RegistrationRegistered && call == nil,
		Call:      call,
	}
	if s.config.Telephony != nil {
		tctx, cancel := context.WithTimeout(ctx, s.config.TelephonyTimeout)
		defer cancel()
		ts, err := s.config.Telephony.Status(tctx)
		if err != nil {
			s.logger.Debug("telephony status unavailable", "error", err)
			resp.TelephonyError = err.Error()
		} else {
			resp.Telephony = ts
		}
	}
	return resp, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"signaling": s.agent.SignalingState(),
		"events":    s.agent.EventChannelState(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	call, err := s.agent.CurrentCall(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "call history is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing call history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call history")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	// Calling is disabled until the agent leg can receive the bridge-back.
	if st := s.agent.SignalingState(); st != signaling.RegistrationRegistered {
		writeError(w, http.StatusConflict, "signaling is "+string(st)+", calling is disabled")
		return
	}

	var req dialer.CallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || req.Destination == "" {
		writeError(w, http.StatusBadRequest, "destination is required")
		return
	}
	if req.Timeout < 0 {
		writeError(w, http.StatusBadRequest, "timeout must not be negative")
		return
	}

	call, err := s.agent.InitiateCall(r.Context(), req)
	if err != nil {
		s.logger.Info("initiate call rejected", "destination", req.Destination, "error", err)
		writeAgentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, call)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "current" {
		id = ""
	}
	err := s.agent.Hangup(r.Context(), id)
	// Ending "the current call" when there is none leaves the agent in the
	// state the caller asked for.
	if id == "" && errors.Is(err, dialer.ErrNoActiveCall) {
		err = nil
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	muted, err := s.agent.ToggleMute(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}
