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

// Package monitoring holds the reconcilers of the monitoring.yuptime.io
// kinds and the check loop tying the scheduler, the job manager, the health
// tracker and the alert engine together.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/alerting"
	"github.com/yuptime/yuptime/pkg/cache"
	"github.com/yuptime/yuptime/pkg/health"
	"github.com/yuptime/yuptime/pkg/jobs"
	"github.com/yuptime/yuptime/pkg/metrics"
	"github.com/yuptime/yuptime/pkg/reconciler"
	"github.com/yuptime/yuptime/pkg/reconciler/committer"
	"github.com/yuptime/yuptime/pkg/scheduler"
)

// CheckRunner executes a single check.
type CheckRunner interface {
	RunCheck(ctx context.Context, check jobs.Check) (monitoringv1.CheckResult, error)
}

// WebhookConfigurer is the runtime configurable part of the alert sender.
type WebhookConfigurer interface {
	SetTarget(url string, timeout time.Duration)
}

// CheckerConfigurer is the runtime configurable part of the job executor.
type CheckerConfigurer interface {
	SetConfig(config jobs.CheckerConfig)
}

// Settings are the runtime settings a YuptimeSettings object overrides.
type Settings struct {
	WebhookURL     string
	WebhookTimeout time.Duration
	ExternalURL    string
	Flap           health.Config
	Checker        jobs.CheckerConfig
}

// Config wires a Controller.
type Config struct {
	Reader  cache.Reader
	Runner  CheckRunner
	Tracker *health.Tracker
	Alerts  *alerting.Engine

	// Client writes status subresources. Nil disables status writes.
	Client dynamic.Interface

	Webhook WebhookConfigurer
	Checker CheckerConfigurer

	// Defaults apply while no YuptimeSettings object exists.
	Defaults Settings

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// definition is everything needed to run one check. Monitors and the items
// of a MonitorSet both map to one definition.
type definition struct {
	key        cache.Key
	owner      cache.Key
	item       string
	uid        types.UID
	generation uint64
	paused     bool
	interval   time.Duration
	ref        alerting.MonitorRef
	check      jobs.Check
}

type (
	monitorResource    = committer.StatusResource[monitoringv1.MonitorSpec, monitoringv1.MonitorStatus]
	monitorSetResource = committer.StatusResource[monitoringv1.MonitorSetSpec, monitoringv1.MonitorSetStatus]
	windowResource     = committer.StatusResource[monitoringv1.MaintenanceWindowSpec, monitoringv1.SuppressionStatus]
	silenceResource    = committer.StatusResource[monitoringv1.SilenceSpec, monitoringv1.SuppressionStatus]
)

// Controller reconciles every monitoring kind.
type Controller struct {
	reader    cache.Reader
	runner    CheckRunner
	tracker   *health.Tracker
	alerts    *alerting.Engine
	scheduler *scheduler.Scheduler
	webhook   WebhookConfigurer
	checker   CheckerConfigurer
	defaults  Settings
	clock     clock.Clock
	metrics   *metrics.Metrics

	commitMonitor    committer.StatusCommitFunc[monitoringv1.MonitorSpec, monitoringv1.MonitorStatus]
	commitMonitorSet committer.StatusCommitFunc[monitoringv1.MonitorSetSpec, monitoringv1.MonitorSetStatus]
	commitWindow     committer.StatusCommitFunc[monitoringv1.MaintenanceWindowSpec, monitoringv1.SuppressionStatus]
	commitSilence    committer.StatusCommitFunc[monitoringv1.SilenceSpec, monitoringv1.SuppressionStatus]

	mu          sync.RWMutex
	definitions map[cache.Key]*definition

	// setLocks serializes status writes of one MonitorSet.
	setLocks keyLocks
	// alertLocks orders alert evaluation of a monitor against forgetting it.
	alertLocks keyLocks
}

// keyLocks hands out one mutex per key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[cache.Key]*sync.Mutex
}

func (l *keyLocks) get(key cache.Key) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[cache.Key]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

func (l *keyLocks) drop(key cache.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
}

// New creates a Controller from cfg.
func New(cfg Config) (*Controller, error) {
	if cfg.Reader == nil || cfg.Runner == nil || cfg.Tracker == nil || cfg.Alerts == nil {
		return nil, fmt.Errorf("reader, runner, tracker and alerts are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	c := &Controller{
		reader:      cfg.Reader,
		runner:      cfg.Runner,
		tracker:     cfg.Tracker,
		alerts:      cfg.Alerts,
		webhook:     cfg.Webhook,
		checker:     cfg.Checker,
		defaults:    cfg.Defaults,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		definitions: make(map[cache.Key]*definition),
	}
	c.scheduler = scheduler.New(c.runCheck, cfg.Clock)

	if cfg.Client != nil {
		c.commitMonitor = newCommitter[monitoringv1.MonitorSpec, monitoringv1.MonitorStatus](cfg.Client, monitoringv1.KindMonitor)
		c.commitMonitorSet = newCommitter[monitoringv1.MonitorSetSpec, monitoringv1.MonitorSetStatus](cfg.Client, monitoringv1.KindMonitorSet)
		c.commitWindow = newCommitter[monitoringv1.MaintenanceWindowSpec, monitoringv1.SuppressionStatus](cfg.Client, monitoringv1.KindMaintenanceWindow)
		c.commitSilence = newCommitter[monitoringv1.SilenceSpec, monitoringv1.SuppressionStatus](cfg.Client, monitoringv1.KindSilence)
	}
	return c, nil
}

func newCommitter[Sp any, St any](client dynamic.Interface, kind monitoringv1.ResourceKind) committer.StatusCommitFunc[Sp, St] {
	return committer.NewStatusCommitter[*unstructured.Unstructured, dynamic.ResourceInterface, Sp, St](
		client.Resource(kind.GroupVersionResource()), string(kind))
}

// Scheduler exposes the scheduler driving the checks.
func (c *Controller) Scheduler() *scheduler.Scheduler {
	return c.scheduler
}

// Run drives the checks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	logger := klog.FromContext(ctx).WithValues("component", "monitoring-controller")
	ctx = klog.NewContext(ctx, logger)
	c.scheduler.Run(ctx)
}

// Register installs the handlers of every kind in r.
func (c *Controller) Register(r *reconciler.Registry) error {
	if err := reconciler.Register(r, reconciler.Handler[*monitoringv1.Monitor]{
		Reconcile: c.ReconcileMonitor,
		Delete:    c.DeleteMonitor,
	}); err != nil {
		return err
	}
	if err := reconciler.Register(r, reconciler.Handler[*monitoringv1.MonitorSet]{
		Reconcile: c.ReconcileMonitorSet,
		Delete:    c.DeleteMonitorSet,
	}); err != nil {
		return err
	}
	if err := reconciler.Register(r, reconciler.Handler[*monitoringv1.MaintenanceWindow]{
		Reconcile: c.ReconcileMaintenanceWindow,
	}); err != nil {
		return err
	}
	if err := reconciler.Register(r, reconciler.Handler[*monitoringv1.Silence]{
		Reconcile: c.ReconcileSilence,
	}); err != nil {
		return err
	}
	return reconciler.Register(r, reconciler.Handler[*monitoringv1.YuptimeSettings]{
		Reconcile: c.ReconcileSettings,
		Delete:    c.DeleteSettings,
	})
}

func (c *Controller) definition(key cache.Key) (*definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.definitions[key]
	return d, ok
}

func (c *Controller) setDefinition(d *definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.definitions[d.key] = d
}

func (c *Controller) removeDefinition(key cache.Key) (*definition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.definitions[key]
	delete(c.definitions, key)
	return d, ok
}

// definitionsOwnedBy returns the definitions created for owner.
func (c *Controller) definitionsOwnedBy(owner cache.Key) []*definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*definition
	for _, d := range c.definitions {
		if d.owner == owner {
			out = append(out, d)
		}
	}
	return out
}

// replaceDefinition drops the state of a previous monitor with the key of d
// that belonged to another object.
func (c *Controller) replaceDefinition(ctx context.Context, d *definition) {
	if prev, ok := c.definition(d.key); ok && (prev.uid != d.uid || prev.owner != d.owner) {
		klog.FromContext(ctx).V(2).Info("Monitor was recreated, dropping previous state", "monitor", d.key.String())
		c.forgetCheck(d.key)
	}
}

// ensureCheck schedules d, replacing the previous definition of its key.
func (c *Controller) ensureCheck(ctx context.Context, d *definition) {
	c.replaceDefinition(ctx, d)

	generation, tr := c.tracker.Track(d.key, d.interval)
	d.generation = generation
	c.setDefinition(d)
	if c.scheduler.Ensure(d.key, d.interval) {
		klog.FromContext(ctx).V(3).Info("Scheduled monitor", "monitor", d.key.String(), "interval", d.interval)
	}
	c.recordTransition(tr)
}

// pauseCheck stops scheduling d and marks it paused. The definition stays
// so the owner keeps track of it.
func (c *Controller) pauseCheck(ctx context.Context, d *definition) {
	c.replaceDefinition(ctx, d)

	d.paused = true
	c.scheduler.Cancel(d.key)
	c.setDefinition(d)
	c.recordTransition(c.tracker.Pause(d.key))
}

// forgetCheck drops every trace of key. Results still in flight for it are
// discarded.
func (c *Controller) forgetCheck(key cache.Key) {
	l := c.alertLocks.get(key)
	l.Lock()
	defer l.Unlock()

	c.scheduler.Cancel(key)
	c.removeDefinition(key)
	c.tracker.Forget(key)
	c.alerts.Forget(key)
}

func (c *Controller) recordTransition(tr *health.Transition) {
	if tr == nil {
		return
	}
	c.metrics.RecordTransition(string(tr.From), string(tr.To))
	c.metrics.SetMonitorHealth(c.tracker.Summary())
}

func (c *Controller) setLock(key cache.Key) *sync.Mutex {
	return c.setLocks.get(key)
}
