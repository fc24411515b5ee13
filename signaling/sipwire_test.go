/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

func TestParseWSEndpoint(t *testing.T) {
	tests := []struct {
		url       string
		transport string
		dest      string
		wantErr   bool
	}{
		{"ws://pbx.example.com:8088/ws", "WS", "pbx.example.com:8088", false},
		{"wss://pbx.example.com", "WSS", "pbx.example.com:443", false},
		{"ws://10.0.0.1", "WS", "10.0.0.1:80", false},
		{"udp://pbx.example.com", "", "", true},
		{"ws://", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			transport, dest, err := parseWSEndpoint(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if transport != tt.transport || dest != tt.dest {
				t.Errorf("Expected %s %s, got %s %s", tt.transport, tt.dest, transport, dest)
			}
		})
	}
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"<sip:agent@abc.invalid;transport=ws>;expires=300", 300},
		{"<sip:agent@abc.invalid>;Expires=120;q=1", 120},
		{"<sip:agent@abc.invalid>", 0},
		{"<sip:agent@abc.invalid>;expires=soon", 0},
	}
	for _, tt := range tests {
		if got := parseContactExpires(tt.value); got != tt.want {
			t.Errorf("Expected %d for %q, got %d", tt.want, tt.value, got)
		}
	}
}

func TestNewSIPWireValidation(t *testing.T) {
	if _, err := NewSIPWire(nil); err == nil {
		t.Error("Expected error for nil config")
	}
	if _, err := NewSIPWire(&SIPConfig{URL: "ws://pbx:8088"}); err == nil {
		t.Error("Expected error for missing username")
	}
	if _, err := NewSIPWire(&SIPConfig{URL: "http://pbx", Domain: "pbx", Username: "agent"}); err == nil {
		t.Error("Expected error for non-websocket url")
	}
}

func TestNewSIPWireBuildsIdentity(t *testing.T) {
	w, err := NewSIPWire(&SIPConfig{
		URL:      "wss://pbx.example.com:7443",
		Domain:   "pbx.example.com",
		Username: "agent42",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("NewSIPWire failed: %v", err)
	}
	defer w.Close()

	if w.transport != "WSS" || w.dest != "pbx.example.com:7443" {
		t.Errorf("Expected WSS to pbx.example.com:7443, got %s %s", w.transport, w.dest)
	}
	if w.aor.User != "agent42" || w.aor.Host != "pbx.example.com" {
		t.Errorf("Unexpected aor %s", w.aor.String())
	}
	if w.contact.User != "agent42" || len(w.contact.Host) < len(".invalid") || w.contact.Host[len(w.contact.Host)-len(".invalid"):] != ".invalid" {
		t.Errorf("Expected .invalid contact host, got %s", w.contact.Host)
	}
}

// startRegistrar serves OPTIONS and REGISTER over WebSocket and returns
// the listener address and a function that drops every socket.
func startRegistrar(t *testing.T) (string, func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	ua, err := sipgo.NewUA()
	if err != nil {
		t.Fatalf("Failed to create user agent: %v", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	ok := func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	}
	srv.OnOptions(ok)
	srv.OnRegister(ok)
	go srv.ServeWS(l)

	var once bool
	drop := func() {
		if once {
			return
		}
		once = true
		l.Close()
		ua.Close()
	}
	t.Cleanup(drop)
	return l.Addr().String(), drop
}

func TestSIPWireReportsLostSocket(t *testing.T) {
	addr, drop := startRegistrar(t)
	w, err := NewSIPWire(&SIPConfig{
		URL:                     "ws://" + addr,
		Domain:                  "127.0.0.1",
		Username:                "agent42",
		ConnectionCheckInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSIPWire failed: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if granted, err := w.Register(ctx, 300); err != nil {
		t.Fatalf("Register failed: %v", err)
	} else if granted != 300 {
		t.Errorf("Expected requested expiry when the registrar names none, got %d", granted)
	}

	select {
	case err := <-w.Disconnected():
		t.Fatalf("Expected no loss while the socket is up, got %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	drop()

	select {
	case err := <-w.Disconnected():
		if err == nil {
			t.Error("Expected an error describing the lost socket")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the lost socket to be reported")
	}
}
