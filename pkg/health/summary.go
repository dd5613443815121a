/*
Copyright 2024 The KCP Authors.

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

package health

import (
	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
)

// Summary counts tracked monitors by state. Every state is present.
func (t *Tracker) Summary() map[string]int {
	t.mu.RLock()
	monitors := make([]*monitorHealth, 0, len(t.monitors))
	for _, h := range t.monitors {
		monitors = append(monitors, h)
	}
	t.mu.RUnlock()

	counts := map[string]int{
		string(monitoringv1.HealthPending):  0,
		string(monitoringv1.HealthUp):       0,
		string(monitoringv1.HealthDown):     0,
		string(monitoringv1.HealthFlapping): 0,
		string(monitoringv1.HealthPaused):   0,
	}
	for _, h := range monitors {
		h.mu.Lock()
		counts[string(h.state)]++
		h.mu.Unlock()
	}
	return counts
}
