/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package callcontrol is a client for the external call-control REST service
// that places the far-end leg of a click-to-call and reports telephony status.
package callcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIKeyHeader is the header carrying the static API key.
const DefaultAPIKeyHeader = "X-API-Key"

// Config holds the configuration for the call-control client
type Config struct {
	// BaseURL of the call-control API, or of the same-origin gateway prefix
	// that proxies it.
	BaseURL string

	// Timeout for a single HTTP request
	Timeout time.Duration

	// APIKeyHeader names the header used for the static API key.
	APIKeyHeader string

	// ViaGateway allows an empty API key: the gateway injects it server side.
	ViaGateway bool

	// DefaultHeaders are added to every request
	DefaultHeaders map[string]string

	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client

	// MaxRetries is the maximum number of retries for transient errors (429, 502, 503, 504).
	// Set to 0 to disable retries.
	MaxRetries int

	// RetryBaseDelay is the initial delay between retries. Subsequent retries
	// use exponential backoff (delay * 2^attempt).
	RetryBaseDelay time.Duration

	// Logger is used for request diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration for the call-control client
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:3000/api",
		Timeout:        15 * time.Second,
		APIKeyHeader:   DefaultAPIKeyHeader,
		DefaultHeaders: make(map[string]string),
		MaxRetries:     3,
		RetryBaseDelay: 1 * time.Second,
	}
}

// Client talks to the call-control service
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	apiKey     string
	config     *Config
	logger     *slog.Logger
}

// NewClient creates a call-control client authenticated with a static API key.
func NewClient(apiKey string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if apiKey == "" && !config.ViaGateway {
		return nil, fmt.Errorf("api key cannot be empty")
	}

	baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		config:     config,
		logger:     logger.With("component", "callcontrol"),
	}, nil
}

// BaseURL returns the parsed base URL.
func (c *Client) BaseURL() *url.URL {
	return c.baseURL
}

// do performs a single HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	u := c.baseURL.String() + "/" + strings.TrimLeft(path, "/")

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		header := c.config.APIKeyHeader
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		req.Header.Set(header, c.apiKey)
	}
	for k, v := range c.config.DefaultHeaders {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

// requestWithRetry performs an HTTP request and retries transient failures
// as decided by shouldRetry. The caller is responsible for closing the
// response body.
func (c *Client) requestWithRetry(ctx context.Context, method, path string, body any) (*http.Response, error) {
	maxRetries := c.config.MaxRetries
	baseDelay := c.config.RetryBaseDelay
	if baseDelay == 0 {
		baseDelay = 1 * time.Second
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, method, path, body)
		if err != nil {
			return nil, err
		}

		if !shouldRetry(method, resp) || attempt >= maxRetries {
			return resp, nil
		}

		delay := retryDelay(resp, baseDelay, attempt)
		resp.Body.Close()

		c.logger.Debug("retrying call-control request",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"attempt", attempt+1,
			"retry_in", delay.String(),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// shouldRetry reports whether resp is worth another attempt. A POST may
// already have started a call behind a 502 or 504, so it is only repeated
// when the service refused it outright: 429, or 503 with Retry-After.
func shouldRetry(method string, resp *http.Response) bool {
	if method == http.MethodPost {
		return resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") != "")
	}
	return isRetryableStatus(resp.StatusCode)
}

// isRetryableStatus returns true for HTTP status codes that should be retried.
func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// retryDelay honours Retry-After in seconds, otherwise baseDelay * 2^attempt.
func retryDelay(resp *http.Response, baseDelay time.Duration, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return baseDelay * (1 << uint(attempt))
}

// parseResponse decodes a JSON response body into v, or returns a typed
// APIError for status >= 400.
func parseResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return NewAPIError(resp, body)
	}

	if v == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}
