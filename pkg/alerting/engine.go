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

// Package alerting turns health transitions into notifications for an
// external receiver, honouring maintenance windows and silences.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/common/model"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/cache"
)

// AlertName is the alertname label of every notification.
const AlertName = "YuptimeMonitorDown"

// Outcome is what happened to a transition.
type Outcome string

const (
	// OutcomeSent means the receiver accepted the notification.
	OutcomeSent Outcome = "sent"
	// OutcomeSuppressed means an active maintenance window or silence
	// matched the monitor.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeSkipped means the transition needs no notification.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the single delivery attempt failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeDisabled means no receiver is configured.
	OutcomeDisabled Outcome = "disabled"
)

// DeliveryResult reports the handling of one transition.
type DeliveryResult struct {
	Outcome Outcome
	Status  AlertStatus

	// Alert is the notification that was or would have been delivered.
	Alert *Alert

	// Suppression is set for OutcomeSuppressed.
	Suppression *Suppression

	// Err is set for OutcomeFailed.
	Err error
}

// MonitorRef identifies the monitor a transition belongs to.
type MonitorRef struct {
	Key    cache.Key
	Type   monitoringv1.MonitorType
	Labels map[string]string
}

// MetricsRecorder counts notifications by status and outcome.
type MetricsRecorder interface {
	RecordAlert(status, outcome string)
}

type incident struct {
	startsAt time.Time
}

// Engine decides whether a transition notifies the receiver. It remembers
// which monitors have a delivered firing notification so recoveries are only
// announced for incidents the receiver knows about.
type Engine struct {
	suppressor *Suppressor
	sender     Sender
	clock      clock.PassiveClock
	metrics    MetricsRecorder

	mu          sync.Mutex
	externalURL string
	incidents   map[cache.Key]incident
}

// NewEngine creates an Engine.
func NewEngine(suppressor *Suppressor, sender Sender, clk clock.PassiveClock, metrics MetricsRecorder) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		suppressor: suppressor,
		sender:     sender,
		clock:      clk,
		metrics:    metrics,
		incidents:  make(map[cache.Key]incident),
	}
}

// SetExternalURL sets the base of the generatorURL of notifications.
func (e *Engine) SetExternalURL(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.externalURL = url
}

// Firing reports whether a firing notification for key was delivered and
// not yet resolved.
func (e *Engine) Firing(key cache.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.incidents[key]
	return ok
}

// Forget drops the bookkeeping of key.
func (e *Engine) Forget(key cache.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.incidents, key)
}

// Evaluate handles the transition of ref from prev to next caused by result.
// Only transitions into up or down are considered: down fires, up resolves
// an open incident.
func (e *Engine) Evaluate(ctx context.Context, ref MonitorRef, prev, next monitoringv1.HealthState, result monitoringv1.CheckResult) DeliveryResult {
	logger := klog.FromContext(ctx).WithValues("monitor", ref.Key.String(), "from", prev, "to", next)

	var res DeliveryResult
	switch next {
	case monitoringv1.HealthDown:
		res = e.fire(ctx, ref, result)
	case monitoringv1.HealthUp:
		res = e.resolve(ctx, ref, result)
	default:
		return DeliveryResult{Outcome: OutcomeSkipped}
	}

	switch res.Outcome {
	case OutcomeFailed:
		logger.Error(res.Err, "Failed to deliver alert", "status", res.Status)
	case OutcomeSuppressed:
		logger.V(2).Info("Alert suppressed", "status", res.Status, "rule", res.Suppression.String())
	case OutcomeSent:
		logger.V(2).Info("Alert delivered", "status", res.Status, "fingerprint", res.Alert.Fingerprint)
	default:
		logger.V(4).Info("No alert delivered", "status", res.Status, "outcome", res.Outcome)
	}
	if e.metrics != nil && res.Outcome != OutcomeSkipped {
		e.metrics.RecordAlert(string(res.Status), string(res.Outcome))
	}
	return res
}

func (e *Engine) fire(ctx context.Context, ref MonitorRef, result monitoringv1.CheckResult) DeliveryResult {
	e.mu.Lock()
	_, open := e.incidents[ref.Key]
	externalURL := e.externalURL
	e.mu.Unlock()

	if open {
		return DeliveryResult{Outcome: OutcomeSkipped, Status: StatusFiring}
	}

	startsAt := result.CheckedAt.Time
	if startsAt.IsZero() {
		startsAt = e.clock.Now()
	}
	alert := buildAlert(ref, StatusFiring, result, startsAt, nil, externalURL)
	res := DeliveryResult{Status: StatusFiring, Alert: &alert}

	if s, ok := e.suppressed(ref); ok {
		res.Outcome, res.Suppression = OutcomeSuppressed, &s
		return res
	}
	if !e.sender.Enabled() {
		res.Outcome = OutcomeDisabled
		return res
	}
	if err := e.sender.Send(ctx, []Alert{alert}); err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}

	e.mu.Lock()
	e.incidents[ref.Key] = incident{startsAt: startsAt}
	e.mu.Unlock()
	res.Outcome = OutcomeSent
	return res
}

func (e *Engine) resolve(ctx context.Context, ref MonitorRef, result monitoringv1.CheckResult) DeliveryResult {
	e.mu.Lock()
	open, ok := e.incidents[ref.Key]
	// A resolve is attempted once whatever the outcome.
	delete(e.incidents, ref.Key)
	externalURL := e.externalURL
	e.mu.Unlock()

	if !ok {
		return DeliveryResult{Outcome: OutcomeSkipped, Status: StatusResolved}
	}

	endsAt := result.CheckedAt.Time
	if endsAt.IsZero() {
		endsAt = e.clock.Now()
	}
	alert := buildAlert(ref, StatusResolved, result, open.startsAt, &endsAt, externalURL)
	res := DeliveryResult{Status: StatusResolved, Alert: &alert}

	if s, ok := e.suppressed(ref); ok {
		res.Outcome, res.Suppression = OutcomeSuppressed, &s
		return res
	}
	if !e.sender.Enabled() {
		res.Outcome = OutcomeDisabled
		return res
	}
	if err := e.sender.Send(ctx, []Alert{alert}); err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	res.Outcome = OutcomeSent
	return res
}

func (e *Engine) suppressed(ref MonitorRef) (Suppression, bool) {
	if e.suppressor == nil {
		return Suppression{}, false
	}
	return e.suppressor.Suppressed(ref.Key.Namespace, ref.Labels)
}

func buildAlert(ref MonitorRef, status AlertStatus, result monitoringv1.CheckResult, startsAt time.Time, endsAt *time.Time, externalURL string) Alert {
	labels := model.LabelSet{}
	for k, v := range ref.Labels {
		labels[sanitizeLabelName(k)] = model.LabelValue(v)
	}
	labels[model.AlertNameLabel] = AlertName
	labels["namespace"] = model.LabelValue(ref.Key.Namespace)
	labels["monitor"] = model.LabelValue(ref.Key.Name)
	labels["type"] = model.LabelValue(ref.Type)

	annotations := model.LabelSet{
		"reason":  model.LabelValue(result.Reason),
		"summary": model.LabelValue(fmt.Sprintf("Monitor %s/%s is %s", ref.Key.Namespace, ref.Key.Name, result.State)),
	}
	if result.Message != "" {
		annotations["message"] = model.LabelValue(result.Message)
	}

	alert := Alert{
		Status:      status,
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    startsAt.UTC(),
		Fingerprint: labels.Fingerprint().String(),
	}
	if endsAt != nil {
		t := endsAt.UTC()
		alert.EndsAt = &t
	}
	if externalURL != "" {
		alert.GeneratorURL = fmt.Sprintf("%s/monitors/%s/%s", externalURL, ref.Key.Namespace, ref.Key.Name)
	}
	return alert
}
