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

	"k8s.io/klog/v2"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/cache"
)

// ReconcileSettings applies the effective YuptimeSettings.
func (c *Controller) ReconcileSettings(ctx context.Context, _ *monitoringv1.YuptimeSettings) error {
	c.applySettings(ctx)
	return nil
}

// DeleteSettings falls back to another settings object or the defaults.
func (c *Controller) DeleteSettings(ctx context.Context, _ cache.Key) error {
	c.applySettings(ctx)
	return nil
}

// effectiveSettings picks the object named "default" or, failing that, the
// only existing object. Several objects without a "default" are ambiguous
// and ignored.
func (c *Controller) effectiveSettings(ctx context.Context) Settings {
	objs := c.reader.List(monitoringv1.KindYuptimeSettings)

	var selected *monitoringv1.YuptimeSettings
	for _, obj := range objs {
		if s := obj.(*monitoringv1.YuptimeSettings); s.Name == monitoringv1.DefaultSettingsName {
			selected = s
		}
	}
	if selected == nil && len(objs) == 1 {
		selected = objs[0].(*monitoringv1.YuptimeSettings)
	}
	if selected == nil {
		if len(objs) > 1 {
			klog.FromContext(ctx).Info("Ignoring ambiguous settings, name one of them "+monitoringv1.DefaultSettingsName, "count", len(objs))
		}
		return c.defaults
	}

	klog.FromContext(ctx).V(2).Info("Using settings", "name", selected.Name)
	return mergeSettings(klog.FromContext(ctx), c.defaults, selected.Spec)
}

// mergeSettings overlays the set fields of spec on defaults.
func mergeSettings(logger klog.Logger, defaults Settings, spec monitoringv1.YuptimeSettingsSpec) Settings {
	s := defaults
	if spec.Alerting.WebhookURL != "" {
		s.WebhookURL = spec.Alerting.WebhookURL
	}
	if spec.Alerting.TimeoutSeconds > 0 {
		s.WebhookTimeout = time.Duration(spec.Alerting.TimeoutSeconds) * time.Second
	}
	if spec.Alerting.ExternalURL != "" {
		s.ExternalURL = spec.Alerting.ExternalURL
	}
	switch threshold := spec.FlapDetection.Threshold; {
	case threshold >= monitoringv1.MinFlapThreshold:
		s.Flap.FlapThreshold = int(threshold)
	case threshold > 0:
		logger.Info("Ignoring flap threshold below the minimum", "threshold", threshold, "minimum", monitoringv1.MinFlapThreshold)
	}
	if spec.FlapDetection.WindowIntervals > 0 {
		s.Flap.FlapWindowIntervals = int(spec.FlapDetection.WindowIntervals)
	}
	if spec.Checker.Image != "" {
		s.Checker.Image = spec.Checker.Image
	}
	if spec.Checker.Namespace != "" {
		s.Checker.Namespace = spec.Checker.Namespace
	}
	if spec.Checker.ServiceAccountName != "" {
		s.Checker.ServiceAccountName = spec.Checker.ServiceAccountName
	}
	return s
}

func (c *Controller) applySettings(ctx context.Context) {
	s := c.effectiveSettings(ctx)

	if c.webhook != nil {
		c.webhook.SetTarget(s.WebhookURL, s.WebhookTimeout)
	}
	if c.checker != nil {
		c.checker.SetConfig(s.Checker)
	}
	c.alerts.SetExternalURL(s.ExternalURL)
	c.tracker.SetConfig(s.Flap)
}

// ApplyDefaults configures the runtime settings before any settings object
// has been observed.
func (c *Controller) ApplyDefaults(ctx context.Context) {
	c.applySettings(ctx)
}
