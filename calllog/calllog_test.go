/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calllog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tejzpr/clicktocall-go/dialer"
	"github.com/tejzpr/clicktocall-go/signaling"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "calls.db")
	s, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func session(id string, start time.Time, d time.Duration, reason string) dialer.CallSession {
	end := start.Add(d)
	return dialer.CallSession{
		ID:          id,
		CallID:      "call-" + id,
		Destination: "+6281234567890",
		Direction:   signaling.DirectionOutbound,
		State:       dialer.CallTerminated,
		StartedAt:   start,
		EndedAt:     &end,
		Reason:      reason,
	}
}

func TestRecordAndRecent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(time.Now().UnixMilli())

	if err := s.Record(ctx, session("a", base, 30*time.Second, "local hangup")); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := s.Record(ctx, session("b", base.Add(time.Minute), 5*time.Second, "busy")); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(got))
	}
	if got[0].SessionID != "b" || got[1].SessionID != "a" {
		t.Errorf("Expected newest first, got %s then %s", got[0].SessionID, got[1].SessionID)
	}
	a := got[1]
	if a.CallID != "call-a" || a.Reason != "local hangup" || a.Direction != signaling.DirectionOutbound {
		t.Errorf("Expected stored fields, got %+v", a)
	}
	if a.Duration != 30*time.Second {
		t.Errorf("Expected 30s, got %v", a.Duration)
	}
	if !a.StartedAt.Equal(base) {
		t.Errorf("Expected start %v, got %v", base, a.StartedAt)
	}
	if a.EndedAt == nil || !a.EndedAt.Equal(base.Add(30*time.Second)) {
		t.Errorf("Expected end time, got %v", a.EndedAt)
	}

	limited, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 entry, got %d", len(limited))
	}
}

func TestRecordSameSessionUpdates(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	start := time.Now()

	if err := s.Record(ctx, session("a", start, time.Second, "establish timeout")); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := s.Record(ctx, session("a", start, 2*time.Second, "local hangup")); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	got, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(got))
	}
	if got[0].Reason != "local hangup" {
		t.Errorf("Expected latest reason, got %q", got[0].Reason)
	}
}

func TestInsertRequiresSessionID(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.Insert(context.Background(), Entry{}); err == nil {
		t.Error("Expected error for empty session id")
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, session("a", time.Now(), time.Second, "busy")); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	s.Close()

	again, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer again.Close()

	got, err := again.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "a" {
		t.Errorf("Expected persisted entry, got %+v", got)
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	defer s.Close()
	got, err := s.Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty history, got %d", len(got))
	}
}
