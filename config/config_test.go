/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validBody = `
agent:
  id: agent-7
  caller_id: "+62215550100"
  default_country_code: "62"
  establish_timeout: 30s
sip:
  url: wss://sip.example.com:7443
  domain: sip.example.com
  username: "1001"
  password: secret
callcontrol:
  base_url: https://api.example.com
  api_key: key-123
events:
  url: wss://events.example.com/ws
  credential: key-123
calllog:
  path: /tmp/calls.db
log:
  level: debug
  format: json
`

func TestLoadBody(t *testing.T) {
	conf, err := Load("", validBody)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if conf.Agent.ID != "agent-7" {
		t.Errorf("Expected agent-7, got %q", conf.Agent.ID)
	}
	if conf.Agent.EstablishTimeout != 30*time.Second {
		t.Errorf("Expected 30s, got %v", conf.Agent.EstablishTimeout)
	}
	// defaults survive a partial document
	if conf.SIP.RegisterExpiry != 600 {
		t.Errorf("Expected default expiry 600, got %d", conf.SIP.RegisterExpiry)
	}
	if conf.CallControl.APIKeyHeader != "X-API-Key" {
		t.Errorf("Expected default header, got %q", conf.CallControl.APIKeyHeader)
	}
	if len(conf.ICEServers) != 1 {
		t.Errorf("Expected default STUN server, got %v", conf.ICEServers)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(validBody), 0o600); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	conf, err := Load(path, "")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if conf.SIP.Username != "1001" {
		t.Errorf("Expected username 1001, got %q", conf.SIP.Username)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load("", ""); !errors.Is(err, ErrNoConfig) {
		t.Errorf("Expected ErrNoConfig, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Error("Expected error for a missing file")
	}
	if _, err := Load("", "agent: ["); err == nil {
		t.Error("Expected parse error")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CLICKTOCALL_SIP_PASSWORD", "from-env")
	t.Setenv("CLICKTOCALL_ESTABLISH_TIMEOUT", "1m")
	t.Setenv("CLICKTOCALL_RATE_LIMIT", "2.5")

	conf, err := Load("", validBody)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if conf.SIP.Password != "from-env" {
		t.Errorf("Expected password from env, got %q", conf.SIP.Password)
	}
	if conf.Agent.EstablishTimeout != time.Minute {
		t.Errorf("Expected 1m, got %v", conf.Agent.EstablishTimeout)
	}
	if conf.Gateway.RateLimit != 2.5 {
		t.Errorf("Expected 2.5, got %v", conf.Gateway.RateLimit)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	conf := Default()
	lookup := func(name string) (string, bool) {
		if name == EnvPrefix+"ESTABLISH_TIMEOUT" {
			return "soon", true
		}
		return "", false
	}
	if err := conf.applyEnv(lookup); err == nil {
		t.Error("Expected error for an invalid duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing agent id", mutate: func(c *Config) { c.Agent.ID = "" }, wantErr: "agent.id is required"},
		{name: "sip over http", mutate: func(c *Config) { c.SIP.URL = "http://sip.example.com" }, wantErr: "sip.url: scheme"},
		{name: "events over https", mutate: func(c *Config) { c.Events.URL = "https://events.example.com" }, wantErr: "events.url: scheme"},
		{name: "zero establish timeout", mutate: func(c *Config) { c.Agent.EstablishTimeout = 0 }, wantErr: "establish_timeout"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "unknown log level"},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf, err := Load("", validBody)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			tt.mutate(conf)
			err = conf.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("Expected %v for %q, got %v (%v)", want, in, got, err)
		}
	}
	if _, err := NewLogger("nope", "text"); err == nil {
		t.Error("Expected error for an unknown level")
	}
	if l, err := NewLogger("warn", "json"); err != nil || l == nil {
		t.Errorf("Expected logger, got %v", err)
	}
}
