/*
Copyright 2025 The KCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the Prometheus collectors of the controller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "yuptime"

// Metrics groups every collector exported by the controller. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	ReconcileTotal   *prometheus.CounterVec
	WatchRestarts    *prometheus.CounterVec
	ChecksTotal      *prometheus.CounterVec
	CheckDuration    *prometheus.HistogramVec
	ChecksSkipped    *prometheus.CounterVec
	JobsInFlight     prometheus.Gauge
	Transitions      *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	MonitorsByHealth *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Reconcile and delete handler invocations by kind and result.",
		}, []string{"kind", "result"}),
		WatchRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_restarts_total",
			Help:      "Relists performed after a watch stream ended.",
		}, []string{"kind"}),
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Completed checks by monitor type, state and reason.",
		}, []string{"type", "state", "reason"}),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Wall clock time from job creation to result.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"type"}),
		ChecksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_skipped_total",
			Help:      "Scheduled checks that were not started.",
		}, []string{"reason"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Check jobs currently executing.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Monitor health transitions.",
		}, []string{"from", "to"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert evaluations by notification status and outcome.",
		}, []string{"status", "outcome"}),
		MonitorsByHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitors",
			Help:      "Tracked monitors by health state.",
		}, []string{"state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ReconcileTotal,
			m.WatchRestarts,
			m.ChecksTotal,
			m.CheckDuration,
			m.ChecksSkipped,
			m.JobsInFlight,
			m.Transitions,
			m.AlertsTotal,
			m.MonitorsByHealth,
		)
	}
	return m
}

// RecordReconcile records a handler invocation.
func (m *Metrics) RecordReconcile(kind, result string) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(kind, result).Inc()
}

// RecordWatchRestart records a relist of kind.
func (m *Metrics) RecordWatchRestart(kind string) {
	if m == nil {
		return
	}
	m.WatchRestarts.WithLabelValues(kind).Inc()
}

// RecordCheck records a completed check.
func (m *Metrics) RecordCheck(monitorType, state, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(monitorType, state, reason).Inc()
	m.CheckDuration.WithLabelValues(monitorType).Observe(took.Seconds())
}

// RecordSkip records a check that was not started.
func (m *Metrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.ChecksSkipped.WithLabelValues(reason).Inc()
}

// SetJobsInFlight publishes the number of running jobs.
func (m *Metrics) SetJobsInFlight(n int) {
	if m == nil {
		return
	}
	m.JobsInFlight.Set(float64(n))
}

// RecordTransition records a health state change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// RecordAlert records the outcome of an alert evaluation.
func (m *Metrics) RecordAlert(status, outcome string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(status, outcome).Inc()
}

// SetMonitorHealth publishes the number of monitors per health state.
func (m *Metrics) SetMonitorHealth(counts map[string]int) {
	if m == nil {
		return
	}
	m.MonitorsByHealth.Reset()
	for state, n := range counts {
		m.MonitorsByHealth.WithLabelValues(state).Set(float64(n))
	}
}
