/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package config loads the agent phone's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLICKTOCALL_"

// ErrNoConfig is returned when neither a file nor a body is given.
var ErrNoConfig = errors.New("no configuration provided")

type AgentConfig struct {
	ID                 string        `yaml:"id"`
	CallerID           string        `yaml:"caller_id"`
	DefaultCountryCode string        `yaml:"default_country_code"`
	EstablishTimeout   time.Duration `yaml:"establish_timeout"`
	// OriginateTimeout is the ring timeout in seconds sent to call-control.
	OriginateTimeout int `yaml:"originate_timeout"`
}

type SIPConfig struct {
	URL          string `yaml:"url"` // ws:// or wss:// endpoint
	Domain       string `yaml:"domain"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	AuthUsername string `yaml:"auth_username"`
	DisplayName  string `yaml:"display_name"`
	UserAgent    string `yaml:"user_agent"`

	RegisterExpiry       int           `yaml:"register_expiry"`
	KeepaliveInterval    time.Duration `yaml:"keepalive_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type CallControlConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	APIKeyHeader string        `yaml:"api_key_header"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
}

type EventsConfig struct {
	URL            string        `yaml:"url"`
	Credential     string        `yaml:"credential"`
	SignCredential bool          `yaml:"sign_credential"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxRetries     int           `yaml:"max_retries"`
}

type GatewayConfig struct {
	Listen string `yaml:"listen"`
	// RateLimit is requests per second per client address; 0 disables it.
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type CallLogConfig struct {
	Path string `yaml:"path"` // empty disables history
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Config is the whole configuration document.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	SIP         SIPConfig         `yaml:"sip"`
	ICEServers  []ICEServer       `yaml:"ice_servers"`
	CallControl CallControlConfig `yaml:"callcontrol"`
	Events      EventsConfig      `yaml:"events"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	CallLog     CallLogConfig     `yaml:"calllog"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns a Config with every optional value filled.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			EstablishTimeout: 45 * time.Second,
		},
		SIP: SIPConfig{
			UserAgent:            "clicktocall-agentphone",
			RegisterExpiry:       600,
			KeepaliveInterval:    25 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    30 * time.Second,
			MaxReconnectAttempts: 8,
			RequestTimeout:       10 * time.Second,
		},
		ICEServers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		CallControl: CallControlConfig{
			APIKeyHeader: "X-API-Key",
			Timeout:      30 * time.Second,
			MaxRetries:   3,
		},
		Events: EventsConfig{
			PingInterval: 30 * time.Second,
			MaxRetries:   10,
		},
		Gateway: GatewayConfig{
			Listen:    ":8080",
			RateLimit: 5,
			RateBurst: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads body, or the file at path when body is empty, on top of the
// defaults, applies environment overrides and validates the result.
func Load(path, body string) (*Config, error) {
	if body == "" {
		if path == "" {
			return nil, ErrNoConfig
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		body = string(content)
	}

	conf := Default()
	if err := yaml.Unmarshal([]byte(body), conf); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	if err := conf.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyEnv overrides secrets and endpoints from CLICKTOCALL_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"AGENT_ID":             &c.Agent.ID,
		"CALLER_ID":            &c.Agent.CallerID,
		"SIP_URL":              &c.SIP.URL,
		"SIP_DOMAIN":           &c.SIP.Domain,
		"SIP_USERNAME":         &c.SIP.Username,
		"SIP_PASSWORD":         &c.SIP.Password,
		"CALLCONTROL_BASE_URL": &c.CallControl.BaseURL,
		"CALLCONTROL_API_KEY":  &c.CallControl.APIKey,
		"EVENTS_URL":           &c.Events.URL,
		"EVENTS_CREDENTIAL":    &c.Events.Credential,
		"GATEWAY_LISTEN":       &c.Gateway.Listen,
		"CALLLOG_PATH":         &c.CallLog.Path,
		"LOG_LEVEL":            &c.Log.Level,
		"LOG_FORMAT":           &c.Log.Format,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "ESTABLISH_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sESTABLISH_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Agent.EstablishTimeout = d
	}
	if v, ok := lookup(EnvPrefix + "RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT: %w", EnvPrefix, err)
		}
		c.Gateway.RateLimit = f
	}
	return nil
}

// Validate checks required values and URL schemes.
func (c *Config) Validate() error {
	var errs []error
	required := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	required("agent.id", c.Agent.ID)
	required("sip.url", c.SIP.URL)
	required("sip.username", c.SIP.Username)
	required("callcontrol.base_url", c.CallControl.BaseURL)
	required("callcontrol.api_key", c.CallControl.APIKey)
	required("events.url", c.Events.URL)

	checkScheme := func(name, raw string, schemes ...string) {
		if raw == "" {
			return
		}
		u, err := url.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		for _, s := range schemes {
			if u.Scheme == s {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: scheme must be one of %s, got %q", name, strings.Join(schemes, ", "), u.Scheme))
	}
	checkScheme("sip.url", c.SIP.URL, "ws", "wss")
	checkScheme("callcontrol.base_url", c.CallControl.BaseURL, "http", "https")
	checkScheme("events.url", c.Events.URL, "ws", "wss")

	if c.Agent.EstablishTimeout <= 0 {
		errs = append(errs, errors.New("agent.establish_timeout must be positive"))
	}
	if c.Gateway.RateLimit < 0 {
		errs = append(errs, errors.New("gateway.rate_limit must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", f))
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// NewLogger builds a stderr logger for the given level and format.
func NewLogger(level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
