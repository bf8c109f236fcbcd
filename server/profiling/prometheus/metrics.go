/*
 * Copyright 2025 The grommunio-sync Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package prometheus provides a Prometheus metrics exporter.
package prometheus

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grommunio/grommunio-sync/internal/version"
)

const (
	namespace  = "gsync"
	scopeLabel = "scope"
)

// Metrics manages the metric information the synchronization engine
// measures.
type Metrics struct {
	registry *prometheus.Registry

	serverVersion *prometheus.GaugeVec

	loopsDetectedTotal         prometheus.Counter
	windowsNarrowedTotal       prometheus.Counter
	brokenMessagesIgnoredTotal prometheus.Counter
	forcedResyncsTotal         *prometheus.CounterVec

	casRetriesTotal   prometheus.Counter
	casExhaustedTotal prometheus.Counter

	changeWaitersActive prometheus.Gauge
}

// NewMetrics creates a new instance of Metrics.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	metrics := &Metrics{
		registry: reg,
		serverVersion: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "version",
			Help:      "Which version is running. 1 for 'server_version' label with current version.",
		}, []string{"server_version"}),
		loopsDetectedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loopdetection",
			Name:      "loops_detected_total",
			Help:      "Total number of synchronization loops detected.",
		}),
		windowsNarrowedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loopdetection",
			Name:      "windows_narrowed_total",
			Help:      "Total number of times the sync window was narrowed before entering loop mode.",
		}),
		brokenMessagesIgnoredTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loopdetection",
			Name:      "broken_messages_ignored_total",
			Help:      "Total number of messages excluded from streaming as loop root causes.",
		}),
		forcedResyncsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "forced_resyncs_total",
			Help:      "Total number of forced resynchronizations, by scope.",
		}, []string{scopeLabel}),
		casRetriesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "cas_retries_total",
			Help:      "Total number of compare-and-swap retries caused by concurrent writers.",
		}),
		casExhaustedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipc",
			Name:      "cas_exhausted_total",
			Help:      "Total number of writes abandoned after the retry budget was exhausted.",
		}),
		changeWaitersActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collections",
			Name:      "change_waiters_active",
			Help:      "Number of Ping/Heartbeat requests currently waiting for changes.",
		}),
	}
	metrics.serverVersion.With(prometheus.Labels{
		"server_version": version.Version,
	}).Set(1)

	return metrics, nil
}

// AddLoopDetected increments the count of detected loops.
func (m *Metrics) AddLoopDetected() {
	m.loopsDetectedTotal.Inc()
}

// AddWindowNarrowed increments the count of narrowed sync windows.
func (m *Metrics) AddWindowNarrowed() {
	m.windowsNarrowedTotal.Inc()
}

// AddBrokenMessageIgnored increments the count of ignored broken messages.
func (m *Metrics) AddBrokenMessageIgnored() {
	m.brokenMessagesIgnoredTotal.Inc()
}

// AddForcedResync increments the count of forced resyncs for the given
// scope ("folder" or "full").
func (m *Metrics) AddForcedResync(scope string) {
	m.forcedResyncsTotal.With(prometheus.Labels{scopeLabel: scope}).Inc()
}

// AddCASRetries adds to the count of compare-and-swap retries.
func (m *Metrics) AddCASRetries(count int) {
	m.casRetriesTotal.Add(float64(count))
}

// AddCASExhausted increments the count of abandoned best-effort writes.
func (m *Metrics) AddCASExhausted() {
	m.casExhaustedTotal.Inc()
}

// AddChangeWaiter increments the gauge of active change waiters.
func (m *Metrics) AddChangeWaiter() {
	m.changeWaitersActive.Inc()
}

// RemoveChangeWaiter decrements the gauge of active change waiters.
func (m *Metrics) RemoveChangeWaiter() {
	m.changeWaitersActive.Dec()
}

// Registry returns the registry of this metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
