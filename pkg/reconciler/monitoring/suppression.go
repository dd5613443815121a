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

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/alerting"
)

const (
	reasonValid   = "Valid"
	reasonInvalid = "InvalidSpec"
)

// validCondition reports the validation outcome of a suppression rule.
func (c *Controller) validCondition(generation int64, err error) metav1.Condition {
	cond := metav1.Condition{
		Type:               monitoringv1.ConditionValid,
		Status:             metav1.ConditionTrue,
		Reason:             reasonValid,
		Message:            "Rule is valid",
		ObservedGeneration: generation,
		LastTransitionTime: conditionTime(c.clock.Now()),
	}
	if err != nil {
		cond.Status = metav1.ConditionFalse
		cond.Reason = reasonInvalid
		cond.Message = err.Error()
	}
	return cond
}

func suppressionStatus(current monitoringv1.SuppressionStatus, cond metav1.Condition, generation int64) monitoringv1.SuppressionStatus {
	status := *current.DeepCopy()
	meta.SetStatusCondition(&status.Conditions, cond)
	status.ObservedGeneration = generation
	return status
}

// ReconcileMaintenanceWindow reports whether the window is valid in its
// Valid condition. Invalid windows never suppress.
func (c *Controller) ReconcileMaintenanceWindow(ctx context.Context, mw *monitoringv1.MaintenanceWindow) error {
	_, err := alerting.ParseWindow(mw)
	if err != nil {
		klog.FromContext(ctx).Info("Maintenance window is invalid and will not suppress alerts", "err", err.Error())
	}
	if c.commitWindow == nil {
		return nil
	}

	status := suppressionStatus(mw.Status, c.validCondition(mw.Generation, err), mw.Generation)
	old := &windowResource{ObjectMeta: mw.ObjectMeta, Spec: mw.Spec, Status: mw.Status}
	obj := &windowResource{ObjectMeta: mw.ObjectMeta, Spec: mw.Spec, Status: status}
	return c.commitWindow(ctx, old, obj)
}

// ReconcileSilence validates the silence.
func (c *Controller) ReconcileSilence(ctx context.Context, s *monitoringv1.Silence) error {
	err := alerting.ValidateSilence(s)
	if err != nil {
		klog.FromContext(ctx).Info("Silence is invalid and will not suppress alerts", "err", err.Error())
	}
	if c.commitSilence == nil {
		return nil
	}

	status := suppressionStatus(s.Status, c.validCondition(s.Generation, err), s.Generation)
	old := &silenceResource{ObjectMeta: s.ObjectMeta, Spec: s.Spec, Status: s.Status}
	obj := &silenceResource{ObjectMeta: s.ObjectMeta, Spec: s.Spec, Status: status}
	return c.commitSilence(ctx, old, obj)
}
