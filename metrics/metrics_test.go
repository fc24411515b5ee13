/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tejzpr/clicktocall-go/callevents"
	"github.com/tejzpr/clicktocall-go/signaling"
)

// gather returns metric values keyed by name and the first label value.
func gather(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	out := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				key += "/" + labels[0].GetValue()
			}
			switch {
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetSummary() != nil:
				out[key+"/count"] = float64(m.GetSummary().GetSampleCount())
				out[key+"/sum"] = m.GetSummary().GetSampleSum()
			}
		}
	}
	return out
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(time.Now().Add(-time.Minute))

	c.RegistrationChanged(signaling.RegistrationConnecting)
	c.RegistrationChanged(signaling.RegistrationRegistered)
	c.EventChannelChanged(callevents.StateFailed)
	c.CallStarted()
	c.CallEventReceived("RINGING")
	c.CallEventReceived("RINGING")
	c.CallEventReceived("ANSWERED")
	c.CallEnded("local hangup", 30*time.Second)
	c.CallStarted()
	c.MediaError()

	got := gather(t, c)

	tests := map[string]float64{
		"clicktocall_registration_state/registered":             1,
		"clicktocall_registration_state/connecting":             0,
		"clicktocall_registration_transitions_total/registered": 1,
		"clicktocall_event_channel_state/failed":                1,
		"clicktocall_event_channel_state/connected":             0,
		"clicktocall_active_calls":                              1,
		"clicktocall_calls_started_total":                       2,
		"clicktocall_calls_ended_total/local hangup":            1,
		"clicktocall_call_events_total/RINGING":                 2,
		"clicktocall_call_events_total/ANSWERED":                1,
		"clicktocall_media_errors_total":                        1,
		"clicktocall_call_duration_seconds/count":               1,
		"clicktocall_call_duration_seconds/sum":                 30,
	}
	for key, want := range tests {
		if v, ok := got[key]; !ok || v != want {
			t.Errorf("Expected %s = %v, got %v (present %v)", key, want, v, ok)
		}
	}
	if got["clicktocall_uptime_seconds"] < 60 {
		t.Errorf("Expected uptime of at least 60s, got %v", got["clicktocall_uptime_seconds"])
	}
}

func TestCallEndedWithoutStartAndEmptyReason(t *testing.T) {
	c := NewCollector(time.Now())
	c.CallEnded("", time.Second)

	got := gather(t, c)
	if got["clicktocall_active_calls"] != 0 {
		t.Errorf("Expected active calls to stay at 0, got %v", got["clicktocall_active_calls"])
	}
	if got["clicktocall_calls_ended_total/unknown"] != 1 {
		t.Errorf("Expected unknown reason counted, got %v", got["clicktocall_calls_ended_total/unknown"])
	}
	if got["clicktocall_registration_state/disconnected"] != 1 {
		t.Error("Expected disconnected as initial state")
	}
}
