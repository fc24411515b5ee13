/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.RetryBaseDelay = time.Millisecond
	client, err := NewClient("secret-key", cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		apiKey      string
		config      *Config
		expectError bool
	}{
		{name: "Valid with default config", apiKey: "key"},
		{name: "Empty key", apiKey: "", expectError: true},
		{name: "Empty key via gateway", apiKey: "", config: &Config{BaseURL: "/api/callcontrol", ViaGateway: true}},
		{name: "Invalid base URL", apiKey: "key", config: &Config{BaseURL: ":"}, expectError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(tc.apiKey, tc.config)
			if tc.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client == nil {
				t.Fatal("Expected non-nil client")
			}
			if client.BaseURL() == nil {
				t.Error("Expected base URL to be set")
			}
		})
	}
}

func TestOriginate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/call" {
			t.Errorf("Expected POST /call, got %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "secret-key" {
			t.Errorf("Expected API key header, got %q", got)
		}
		var req OriginateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if req.Destination != "+6281234567890" || req.AgentID != "agent-7" {
			t.Errorf("Unexpected request body: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"call": map[string]any{"id": "cc-1", "destination": req.Destination, "status": "INITIATED"},
		})
	})

	call, err := client.Originate(context.Background(), OriginateRequest{
		Destination: "+6281234567890",
		AgentID:     "agent-7",
	})
	if err != nil {
		t.Fatalf("Originate failed: %v", err)
	}
	if call.ID != "cc-1" {
		t.Errorf("Expected call id 'cc-1', got %q", call.ID)
	}
	if call.Status != "INITIATED" {
		t.Errorf("Expected status 'INITIATED', got %q", call.Status)
	}
}

func TestOriginateValidation(t *testing.T) {
	var hits int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	})

	if _, err := client.Originate(context.Background(), OriginateRequest{AgentID: "a"}); err == nil {
		t.Error("Expected error for missing destination")
	}
	if _, err := client.Originate(context.Background(), OriginateRequest{Destination: "+1"}); err == nil {
		t.Error("Expected error for missing agent id")
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("Expected no requests, got %d", hits)
	}
}

func TestOriginateMissingCallID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"call":{}}`))
	})
	if _, err := client.Originate(context.Background(), OriginateRequest{Destination: "+1", AgentID: "a"}); err == nil {
		t.Error("Expected error for response without call id")
	}
}

func TestHangup(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/call/cc-9" {
			t.Errorf("Expected DELETE /call/cc-9, got %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"message":"call ended"}`))
	})

	msg, err := client.Hangup(context.Background(), "cc-9")
	if err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}
	if msg != "call ended" {
		t.Errorf("Expected 'call ended', got %q", msg)
	}

	if _, err := client.Hangup(context.Background(), ""); err == nil {
		t.Error("Expected error for empty call id")
	}
}

func TestHangupNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown call"}`))
	})

	_, err := client.Hangup(context.Background(), "gone")
	if !IsNotFound(err) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("Expected errors.As to find *APIError")
	}
	if apiErr.Message != "unknown call" {
		t.Errorf("Expected message 'unknown call', got %q", apiErr.Message)
	}
	if apiErr.RequestID != "req-1" {
		t.Errorf("Expected request id 'req-1', got %q", apiErr.RequestID)
	}
}

func TestStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("Expected /status, got %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"connected":true,"activeCalls":2,"extra":"ignored"}`))
	})

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Connected || status.ActiveCalls != 2 {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestRetryOnTransientStatus(t *testing.T) {
	var hits int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"connected":true}`))
	})

	if _, err := client.Status(context.Background()); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestRetryExhausted(t *testing.T) {
	var hits int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Status(context.Background())
	if !IsServerError(err) {
		t.Fatalf("Expected ServerError, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 4 {
		t.Errorf("Expected 4 attempts (1 + 3 retries), got %d", got)
	}
}

func TestOriginateNotRepeatedOnGatewayTimeout(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var hits int32
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&hits, 1) == 1 {
					w.WriteHeader(status)
					return
				}
				_, _ = w.Write([]byte(`{"call":{"id":"cc-2"}}`))
			})

			_, err := client.Originate(context.Background(), OriginateRequest{Destination: "+1", AgentID: "a"})
			if !IsServerError(err) {
				t.Fatalf("Expected ServerError, got %v", err)
			}
			if got := atomic.LoadInt32(&hits); got != 1 {
				t.Errorf("Expected a single POST, got %d", got)
			}
		})
	}
}

func TestOriginateRetriedWhenRefused(t *testing.T) {
	var hits int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&hits, 1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"call":{"id":"cc-3"}}`))
		}
	})

	call, err := client.Originate(context.Background(), OriginateRequest{Destination: "+1", AgentID: "a"})
	if err != nil {
		t.Fatalf("Expected success after refusals, got %v", err)
	}
	if call.ID != "cc-3" {
		t.Errorf("Expected call id 'cc-3', got %q", call.ID)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestNewAPIErrorTypes(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, IsAuthError},
		{http.StatusForbidden, IsForbidden},
		{http.StatusNotFound, IsNotFound},
		{http.StatusConflict, IsConflict},
		{http.StatusBadRequest, IsValidation},
		{http.StatusUnprocessableEntity, IsValidation},
		{http.StatusTooManyRequests, IsRateLimited},
		{http.StatusInternalServerError, IsServerError},
	}

	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			resp := &http.Response{StatusCode: tc.status, Header: http.Header{}}
			err := NewAPIError(resp, []byte(`{"message":"nope"}`))
			if !tc.check(err) {
				t.Errorf("Expected typed error for %d, got %T", tc.status, err)
			}
		})
	}
}

func TestRetryAfterParsed(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}}
	resp.Header.Set("Retry-After", "7")
	err := NewAPIError(resp, nil)

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("Expected RateLimitError, got %T", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("Expected RetryAfter 7s, got %v", rl.RetryAfter)
	}
	if d := retryDelay(resp, time.Second, 0); d != 7*time.Second {
		t.Errorf("Expected retry delay 7s, got %v", d)
	}
}
