/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// OriginateRequest asks the service to place the far-end leg of a call.
type OriginateRequest struct {
	Destination string `json:"destination"`
	AgentID     string `json:"agentId"`
	CallerID    string `json:"callerId,omitempty"`
	// Timeout is the ring timeout in seconds for the far leg.
	Timeout int `json:"timeout,omitempty"`
}

// Call is the service's view of an originated call.
type Call struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	AgentID     string    `json:"agentId,omitempty"`
	CallerID    string    `json:"callerId,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// TelephonyStatus is returned by GET /status.
type TelephonyStatus struct {
	Connected   bool     `json:"connected"`
	ActiveCalls int      `json:"activeCalls"`
	Trunks      []string `json:"trunks,omitempty"`
	Message     string   `json:"message,omitempty"`
}

type originateResponse struct {
	Call *Call `json:"call"`
}

type hangupResponse struct {
	Message string `json:"message"`
}

// Originate requests origination of the far-end leg.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (*Call, error) {
	if req.Destination == "" {
		return nil, fmt.Errorf("destination is required")
	}
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	resp, err := c.requestWithRetry(ctx, http.MethodPost, "call", req)
	if err != nil {
		return nil, fmt.Errorf("originate request failed: %w", err)
	}

	var out originateResponse
	if err := parseResponse(resp, &out); err != nil {
		return nil, err
	}
	if out.Call == nil || out.Call.ID == "" {
		return nil, fmt.Errorf("originate response missing call id")
	}

	c.logger.Info("far-end leg originated",
		"call_id", out.Call.ID,
		"destination", out.Call.Destination,
	)
	return out.Call, nil
}

// Hangup ends a call on the service side and returns its message.
func (c *Client) Hangup(ctx context.Context, callID string) (string, error) {
	if callID == "" {
		return "", fmt.Errorf("call id is required")
	}

	resp, err := c.requestWithRetry(ctx, http.MethodDelete, "call/"+url.PathEscape(callID), nil)
	if err != nil {
		return "", fmt.Errorf("hangup request failed: %w", err)
	}

	var out hangupResponse
	if err := parseResponse(resp, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// Status fetches the telephony status of the call-control service.
func (c *Client) Status(ctx context.Context) (*TelephonyStatus, error) {
	resp, err := c.requestWithRetry(ctx, http.MethodGet, "status", nil)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}

	var out TelephonyStatus
	if err := parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
