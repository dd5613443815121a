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

	"k8s.io/klog/v2"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/alerting"
	"github.com/yuptime/yuptime/pkg/cache"
)

// VirtualMonitor is one item of a MonitorSet resolved against the set's
// defaults.
type VirtualMonitor struct {
	Key      cache.Key
	Item     string
	Enabled  bool
	Type     monitoringv1.MonitorType
	Schedule monitoringv1.MonitorSchedule
	Labels   map[string]string
	check    monitoringv1.MonitorSetItem
}

// ItemKey is the identity of item name of set.
func ItemKey(set *monitoringv1.MonitorSet, item string) cache.Key {
	return cache.Key{Kind: monitoringv1.KindMonitorSet, Namespace: set.Namespace, Name: set.Name + "-" + item}
}

// Expand resolves the items of set. Items without a name and repeated names
// are dropped.
func Expand(set *monitoringv1.MonitorSet) []VirtualMonitor {
	defaults := set.Spec.Defaults
	seen := map[string]bool{}

	out := make([]VirtualMonitor, 0, len(set.Spec.Items))
	for _, item := range set.Spec.Items {
		if item.Name == "" || seen[item.Name] {
			continue
		}
		seen[item.Name] = true

		vm := VirtualMonitor{
			Key:      ItemKey(set, item.Name),
			Item:     item.Name,
			Enabled:  true,
			Type:     defaults.Type,
			Schedule: defaults.Schedule,
			check:    item,
		}
		if item.Type != "" {
			vm.Type = item.Type
		}
		if item.Schedule != nil {
			vm.Schedule = *item.Schedule
		}
		if item.Enabled != nil {
			vm.Enabled = *item.Enabled
		} else if defaults.Enabled != nil {
			vm.Enabled = *defaults.Enabled
		}
		if item.SuccessCriteria == nil {
			vm.check.SuccessCriteria = defaults.SuccessCriteria
		}

		vm.Labels = make(map[string]string, len(set.Labels)+len(item.Labels)+1)
		for k, v := range set.Labels {
			vm.Labels[k] = v
		}
		for k, v := range item.Labels {
			vm.Labels[k] = v
		}
		vm.Labels[monitoringv1.MonitorSetLabel] = set.Name
		out = append(out, vm)
	}
	return out
}

// ReconcileMonitorSet schedules every enabled item of set and drops items
// that disappeared from it.
func (c *Controller) ReconcileMonitorSet(ctx context.Context, set *monitoringv1.MonitorSet) error {
	setKey := cache.KeyFor(set)
	logger := klog.FromContext(ctx).WithValues("monitorset", setKey.String())
	ctx = klog.NewContext(ctx, logger)

	items := Expand(set)
	wanted := make(map[cache.Key]bool, len(items))
	for _, vm := range items {
		wanted[vm.Key] = true

		if prev, ok := c.definition(vm.Key); ok && prev.owner != setKey {
			logger.Info("Skipping item whose name collides with another set", "item", vm.Item, "owner", prev.owner.String())
			continue
		}
		d := &definition{
			key:      vm.Key,
			owner:    setKey,
			item:     vm.Item,
			uid:      set.UID,
			interval: seconds(vm.Schedule.Interval()),
			ref: alerting.MonitorRef{
				Key:    vm.Key,
				Type:   vm.Type,
				Labels: vm.Labels,
			},
			check: newCheck(vm.Key, vm.Type, vm.Schedule, vm.check.Target, vm.check.SuccessCriteria),
		}
		if vm.Enabled {
			c.ensureCheck(ctx, d)
		} else {
			c.pauseCheck(ctx, d)
		}
	}

	for _, d := range c.definitionsOwnedBy(setKey) {
		if !wanted[d.key] {
			logger.V(3).Info("Item removed from set", "item", d.item)
			c.forgetCheck(d.key)
		}
	}

	c.metrics.SetMonitorHealth(c.tracker.Summary())
	return c.writeMonitorSetStatus(ctx, set)
}

// DeleteMonitorSet drops every item of the set.
func (c *Controller) DeleteMonitorSet(ctx context.Context, key cache.Key) error {
	klog.FromContext(ctx).V(3).Info("MonitorSet deleted", "monitorset", key.String())
	for _, d := range c.definitionsOwnedBy(key) {
		c.forgetCheck(d.key)
	}

	c.setLocks.drop(key)

	c.metrics.SetMonitorHealth(c.tracker.Summary())
	return nil
}

func (c *Controller) writeMonitorSetStatus(ctx context.Context, set *monitoringv1.MonitorSet) error {
	if c.commitMonitorSet == nil {
		return nil
	}
	lock := c.setLock(cache.KeyFor(set))
	lock.Lock()
	defer lock.Unlock()

	// The cache may hold a newer copy than the caller.
	if obj, ok := c.reader.Get(cache.KeyFor(set)); ok {
		if cached := obj.(*monitoringv1.MonitorSet); cached.UID == set.UID {
			set = cached
		}
	}

	status := monitoringv1.MonitorSetStatus{ObservedGeneration: set.Generation}
	setKey := cache.KeyFor(set)
	for _, vm := range Expand(set) {
		if d, ok := c.definition(vm.Key); !ok || d.owner != setKey {
			continue
		}
		snap, ok := c.tracker.Get(vm.Key)
		if !ok {
			continue
		}
		ms := monitorStatus(snap, 0)
		status.Items = append(status.Items, monitoringv1.MonitorSetItemStatus{
			Name:       vm.Item,
			LastResult: ms.LastResult,
			Health:     ms.Health,
		})
	}

	old := &monitorSetResource{ObjectMeta: set.ObjectMeta, Spec: set.Spec, Status: set.Status}
	obj := &monitorSetResource{ObjectMeta: set.ObjectMeta, Spec: set.Spec, Status: status}
	return c.commitMonitorSet(ctx, old, obj)
}
