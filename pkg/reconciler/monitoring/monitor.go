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

package monitoring

import (
	"context"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/klog/v2"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/alerting"
	"github.com/yuptime/yuptime/pkg/cache"
	"github.com/yuptime/yuptime/pkg/health"
	"github.com/yuptime/yuptime/pkg/jobs"
)

func seconds(n int32) time.Duration {
	return time.Duration(n) * time.Second
}

func newCheck(key cache.Key, monitorType monitoringv1.MonitorType, schedule monitoringv1.MonitorSchedule, target, criteria *runtime.RawExtension) jobs.Check {
	return jobs.Check{
		Key:             key,
		Type:            monitorType,
		Target:          target.DeepCopy(),
		SuccessCriteria: criteria.DeepCopy(),
		Timeout:         seconds(schedule.Timeout()),
	}
}

// ReconcileMonitor schedules an enabled monitor or pauses a disabled one.
// It is idempotent: an unchanged interval keeps the phase of the schedule.
func (c *Controller) ReconcileMonitor(ctx context.Context, m *monitoringv1.Monitor) error {
	key := cache.KeyFor(m)
	logger := klog.FromContext(ctx).WithValues("monitor", key.String())
	ctx = klog.NewContext(ctx, logger)

	d := &definition{
		key:      key,
		owner:    key,
		uid:      m.UID,
		interval: seconds(m.Spec.Schedule.Interval()),
		ref: alerting.MonitorRef{
			Key:    key,
			Type:   m.Spec.Type,
			Labels: m.Labels,
		},
		check: newCheck(key, m.Spec.Type, m.Spec.Schedule, m.Spec.Target, m.Spec.SuccessCriteria),
	}
	if !m.Spec.IsEnabled() {
		logger.V(3).Info("Monitor disabled")
		c.pauseCheck(ctx, d)
	} else {
		c.ensureCheck(ctx, d)
	}
	return c.writeMonitorStatus(ctx, m)
}

// DeleteMonitor cancels the schedule and drops health and alert state.
func (c *Controller) DeleteMonitor(ctx context.Context, key cache.Key) error {
	klog.FromContext(ctx).V(3).Info("Monitor deleted", "monitor", key.String())
	c.forgetCheck(key)
	c.metrics.SetMonitorHealth(c.tracker.Summary())
	return nil
}

// monitorStatus derives the status of a monitor from its tracked health.
func monitorStatus(snap health.Snapshot, generation int64) monitoringv1.MonitorStatus {
	status := monitoringv1.MonitorStatus{
		Health:             truncatedHealth(snap),
		ObservedGeneration: generation,
	}
	if snap.State != monitoringv1.HealthPaused && snap.LastResult != nil {
		result := *snap.LastResult
		result.CheckedAt = result.CheckedAt.Rfc3339Copy()
		status.LastResult = &result
	}
	return status
}

// truncatedHealth matches the precision timestamps survive a round trip
// through the API server with.
func truncatedHealth(snap health.Snapshot) *monitoringv1.HealthStatus {
	status := snap.Status()
	if status.LastTransitionAt != nil {
		at := status.LastTransitionAt.Rfc3339Copy()
		status.LastTransitionAt = &at
	}
	return status
}

func (c *Controller) writeMonitorStatus(ctx context.Context, m *monitoringv1.Monitor) error {
	if c.commitMonitor == nil {
		return nil
	}
	snap, ok := c.tracker.Get(cache.KeyFor(m))
	if !ok {
		return nil
	}

	old := &monitorResource{ObjectMeta: m.ObjectMeta, Spec: m.Spec, Status: m.Status}
	obj := &monitorResource{ObjectMeta: m.ObjectMeta, Spec: m.Spec, Status: monitorStatus(snap, m.Generation)}
	return c.commitMonitor(ctx, old, obj)
}

// writeStatus persists the health of d into its owner's status.
func (c *Controller) writeStatus(ctx context.Context, d *definition) error {
	obj, ok := c.reader.Get(d.owner)
	if !ok {
		return nil
	}
	switch owner := obj.(type) {
	case *monitoringv1.Monitor:
		if owner.UID != d.uid {
			return nil
		}
		return c.writeMonitorStatus(ctx, owner)
	case *monitoringv1.MonitorSet:
		return c.writeMonitorSetStatus(ctx, owner)
	}
	return nil
}

func conditionTime(now time.Time) metav1.Time {
	return metav1.NewTime(now).Rfc3339Copy()
}
