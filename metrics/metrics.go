/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package metrics exposes the agent's call and registration counters to
// Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tejzpr/clicktocall-go/callevents"
	"github.com/tejzpr/clicktocall-go/signaling"
)

var registrationStates = []signaling.RegistrationState{
	signaling.RegistrationDisconnected,
	signaling.RegistrationConnecting,
	signaling.RegistrationConnected,
	signaling.RegistrationRegistering,
	signaling.RegistrationRegistered,
	signaling.RegistrationReconnecting,
	signaling.RegistrationFailed,
}

var eventChannelStates = []callevents.ConnectionState{
	callevents.StateDisconnected,
	callevents.StateConnecting,
	callevents.StateConnected,
	callevents.StateReconnecting,
	callevents.StateFailed,
}

// Collector counts agent activity and reports it at scrape time. It
// implements prometheus.Collector and the dialer's Observer.
type Collector struct {
	startTime time.Time

	mu           sync.Mutex
	registration signaling.RegistrationState
	transitions  map[signaling.RegistrationState]uint64
	eventChannel callevents.ConnectionState
	active       int
	started      uint64
	ended        map[string]uint64
	durationSum  float64
	durationN    uint64
	events       map[string]uint64
	mediaErrors  uint64

	registrationDesc *prometheus.Desc
	transitionsDesc  *prometheus.Desc
	eventChanDesc    *prometheus.Desc
	activeDesc       *prometheus.Desc
	startedDesc      *prometheus.Desc
	endedDesc        *prometheus.Desc
	durationDesc     *prometheus.Desc
	eventsDesc       *prometheus.Desc
	mediaErrorsDesc  *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a collector with every counter at zero.
func NewCollector(startTime time.Time) *Collector {
	return &Collector{
		startTime:    startTime,
		registration: signaling.RegistrationDisconnected,
		transitions:  make(map[signaling.RegistrationState]uint64),
		eventChannel: callevents.StateDisconnected,
		ended:        make(map[string]uint64),
		events:       make(map[string]uint64),

		registrationDesc: prometheus.NewDesc(
			"clicktocall_registration_state",
			"Signaling registration state (1 for the current state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		transitionsDesc: prometheus.NewDesc(
			"clicktocall_registration_transitions_total",
			"Registration state changes by target state",
			[]string{"state"}, nil,
		),
		eventChanDesc: prometheus.NewDesc(
			"clicktocall_event_channel_state",
			"Call-event channel state (1 for the current state, 0 otherwise)",
			[]string{"state"}, nil,
		),
		activeDesc: prometheus.NewDesc(
			"clicktocall_active_calls",
			"Number of calls currently held by the agent (0 or 1)",
			nil, nil,
		),
		startedDesc: prometheus.NewDesc(
			"clicktocall_calls_started_total",
			"Calls started by the agent",
			nil, nil,
		),
		endedDesc: prometheus.NewDesc(
			"clicktocall_calls_ended_total",
			"Calls ended, by termination reason",
			[]string{"reason"}, nil,
		),
		durationDesc: prometheus.NewDesc(
			"clicktocall_call_duration_seconds",
			"Duration of ended calls",
			nil, nil,
		),
		eventsDesc: prometheus.NewDesc(
			"clicktocall_call_events_total",
			"Call-control progress events received, by type",
			[]string{"type"}, nil,
		),
		mediaErrorsDesc: prometheus.NewDesc(
			"clicktocall_media_errors_total",
			"Audio bridge failures",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"clicktocall_uptime_seconds",
			"Seconds since the agent process started",
			nil, nil,
		),
	}
}

func (c *Collector) RegistrationChanged(state signaling.RegistrationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registration = state
	c.transitions[state]++
}

func (c *Collector) EventChannelChanged(state callevents.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventChannel = state
}

func (c *Collector) CallStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	c.active++
}

func (c *Collector) CallEnded(reason string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
	if reason == "" {
		reason = "unknown"
	}
	c.ended[reason]++
	c.durationSum += duration.Seconds()
	c.durationN++
}

func (c *Collector) CallEventReceived(eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[eventType]++
}

func (c *Collector) MediaError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaErrors++
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registrationDesc
	ch <- c.transitionsDesc
	ch <- c.eventChanDesc
	ch <- c.activeDesc
	ch <- c.startedDesc
	ch <- c.endedDesc
	ch <- c.durationDesc
	ch <- c.eventsDesc
	ch <- c.mediaErrorsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range registrationStates {
		v := 0.0
		if s == c.registration {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.registrationDesc, prometheus.GaugeValue, v, string(s))
	}
	for s, n := range c.transitions {
		ch <- prometheus.MustNewConstMetric(c.transitionsDesc, prometheus.CounterValue, float64(n), string(s))
	}
	for _, s := range eventChannelStates {
		v := 0.0
		if s == c.eventChannel {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.eventChanDesc, prometheus.GaugeValue, v, string(s))
	}

	ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(c.active))
	ch <- prometheus.MustNewConstMetric(c.startedDesc, prometheus.CounterValue, float64(c.started))
	for reason, n := range c.ended {
		ch <- prometheus.MustNewConstMetric(c.endedDesc, prometheus.CounterValue, float64(n), reason)
	}
	ch <- prometheus.MustNewConstSummary(c.durationDesc, c.durationN, c.durationSum, nil)
	for typ, n := range c.events {
		ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.CounterValue, float64(n), typ)
	}
	ch <- prometheus.MustNewConstMetric(c.mediaErrorsDesc, prometheus.CounterValue, float64(c.mediaErrors))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
