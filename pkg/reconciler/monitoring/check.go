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
	"errors"

	"k8s.io/klog/v2"

	"github.com/yuptime/yuptime/pkg/cache"
	"github.com/yuptime/yuptime/pkg/health"
	"github.com/yuptime/yuptime/pkg/jobs"
)

// runCheck is called by the scheduler for every due monitor. It executes the
// check, feeds the result to the health tracker, persists the status and
// hands transitions to the alert engine.
func (c *Controller) runCheck(ctx context.Context, key cache.Key) {
	logger := klog.FromContext(ctx).WithValues("monitor", key.String())
	ctx = klog.NewContext(ctx, logger)

	d, ok := c.definition(key)
	if !ok || d.paused {
		return
	}

	result, err := c.runner.RunCheck(ctx, d.check)
	switch {
	case errors.Is(err, jobs.ErrInFlight), errors.Is(err, jobs.ErrSaturated):
		logger.V(4).Info("Check skipped", "reason", err.Error())
		return
	case ctx.Err() != nil:
		return
	case err != nil:
		logger.Error(err, "Check could not be executed")
		return
	}

	// The monitor may have been deleted or replaced while the job ran.
	current, ok := c.definition(key)
	if !ok || current.uid != d.uid || current.paused {
		logger.V(3).Info("Discarding result of removed monitor", "state", result.State)
		return
	}

	tr, err := c.tracker.Observe(key, d.generation, result)
	if errors.Is(err, health.ErrStale) {
		logger.V(3).Info("Discarding stale result", "state", result.State)
		return
	}
	if err != nil {
		logger.Error(err, "Recording check result")
		return
	}
	logger.V(4).Info("Check finished", "state", result.State, "reason", result.Reason, "latencyMs", result.LatencyMs)
	c.recordTransition(tr)

	if err := c.writeStatus(ctx, current); err != nil {
		logger.Error(err, "Writing monitor status")
	}

	if tr == nil {
		return
	}
	logger.V(2).Info("Monitor health changed", "from", tr.From, "to", tr.To, "reason", result.Reason)

	// forgetCheck holds the same lock. A monitor deleted during the status
	// write raises no alert.
	l := c.alertLocks.get(key)
	l.Lock()
	defer l.Unlock()
	if latest, ok := c.definition(key); !ok || latest.uid != d.uid || latest.paused {
		logger.V(3).Info("Discarding transition of removed monitor", "from", tr.From, "to", tr.To)
		return
	}
	c.alerts.Evaluate(ctx, current.ref, tr.From, tr.To, result)
}
