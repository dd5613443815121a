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
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	clocktesting "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/alerting"
	"github.com/yuptime/yuptime/pkg/cache"
	"github.com/yuptime/yuptime/pkg/health"
	"github.com/yuptime/yuptime/pkg/jobs"
)

var origin = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type receiver struct {
	mu    sync.Mutex
	posts [][]alerting.Alert
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	var alerts []alerting.Alert
	if err := json.Unmarshal(body, &alerts); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts = append(r.posts, alerts)
}

func (r *receiver) statuses() []alerting.AlertStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alerting.AlertStatus
	for _, post := range r.posts {
		for _, a := range post {
			out = append(out, a.Status)
		}
	}
	return out
}

// scriptedRunner returns the next queued result of a monitor. before runs
// while the check is "in flight".
type scriptedRunner struct {
	mu      sync.Mutex
	results map[cache.Key][]monitoringv1.CheckResult
	calls   map[cache.Key]int
	before  func(check jobs.Check)
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{results: map[cache.Key][]monitoringv1.CheckResult{}, calls: map[cache.Key]int{}}
}

func (r *scriptedRunner) queue(key cache.Key, results ...monitoringv1.CheckResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[key] = append(r.results[key], results...)
}

func (r *scriptedRunner) RunCheck(_ context.Context, check jobs.Check) (monitoringv1.CheckResult, error) {
	r.mu.Lock()
	r.calls[check.Key]++
	before := r.before
	var result monitoringv1.CheckResult
	if queued := r.results[check.Key]; len(queued) > 0 {
		result, r.results[check.Key] = queued[0], queued[1:]
	}
	r.mu.Unlock()

	if before != nil {
		before(check)
	}
	return result, nil
}

func (r *scriptedRunner) callCount(key cache.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

type checkerConfig struct {
	mu     sync.Mutex
	config jobs.CheckerConfig
}

func (c *checkerConfig) SetConfig(config jobs.CheckerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = config
}

type fixture struct {
	cache      *cache.ResourceCache
	clock      *clocktesting.FakeClock
	tracker    *health.Tracker
	receiver   *receiver
	sender     *alerting.WebhookSender
	checker    *checkerConfig
	runner     *scriptedRunner
	client     *dynamicfake.FakeDynamicClient
	controller *Controller
}

type fixtureOption func(*Config)

func withRunner(runner CheckRunner) fixtureOption {
	return func(c *Config) { c.Runner = runner }
}

func withStatus(client *dynamicfake.FakeDynamicClient) fixtureOption {
	return func(c *Config) { c.Client = client }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		cache:    cache.New(),
		clock:    clocktesting.NewFakeClock(origin),
		receiver: &receiver{},
		checker:  &checkerConfig{},
		runner:   newScriptedRunner(),
	}
	server := httptest.NewServer(f.receiver)
	t.Cleanup(server.Close)

	f.tracker = health.NewTracker(f.clock, health.Config{})
	f.sender = alerting.NewWebhookSender(server.URL, time.Second)
	engine := alerting.NewEngine(alerting.NewSuppressor(f.cache, f.clock), f.sender, f.clock, nil)

	cfg := Config{
		Reader:   f.cache,
		Runner:   f.runner,
		Tracker:  f.tracker,
		Alerts:   engine,
		Webhook:  f.sender,
		Checker:  f.checker,
		Defaults: Settings{WebhookURL: server.URL, WebhookTimeout: time.Second},
		Clock:    f.clock,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if client, ok := cfg.Client.(*dynamicfake.FakeDynamicClient); ok {
		f.client = client
	}

	c, err := New(cfg)
	require.NoError(t, err)
	f.controller = c
	return f
}

func newDynamicClient(t *testing.T, objs ...monitoringv1.Object) *dynamicfake.FakeDynamicClient {
	t.Helper()
	listKinds := map[schema.GroupVersionResource]string{}
	for _, kind := range monitoringv1.Kinds {
		listKinds[kind.GroupVersionResource()] = kind.ListKind()
	}
	var initial []runtime.Object
	for _, obj := range objs {
		u, err := monitoringv1.ToUnstructured(obj)
		require.NoError(t, err)
		initial = append(initial, u)
	}
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds, initial...)
}

// stored reads obj back from the fake API server and refreshes the cache
// the way a watcher would.
func (f *fixture) stored(t *testing.T, obj monitoringv1.Object) monitoringv1.Object {
	t.Helper()
	kind := obj.ResourceKind()
	u, err := f.client.Resource(kind.GroupVersionResource()).Namespace(obj.GetNamespace()).Get(context.Background(), obj.GetName(), metav1.GetOptions{})
	require.NoError(t, err)
	typed, err := monitoringv1.FromUnstructured(u)
	require.NoError(t, err)
	f.cache.Upsert(typed)
	return typed
}

func monitor(namespace, name string, labels map[string]string) *monitoringv1.Monitor {
	return &monitoringv1.Monitor{
		ObjectMeta: metav1.ObjectMeta{
			Namespace:  namespace,
			Name:       name,
			UID:        types.UID(namespace + "-" + name),
			Generation: 1,
			Labels:     labels,
		},
		Spec: monitoringv1.MonitorSpec{
			Type:     monitoringv1.MonitorTypeHTTP,
			Schedule: monitoringv1.MonitorSchedule{IntervalSeconds: 30, TimeoutSeconds: 10},
			Target:   &runtime.RawExtension{Raw: []byte(`{"url":"https://example.com"}`)},
		},
	}
}

func disabled(m *monitoringv1.Monitor) *monitoringv1.Monitor {
	m = m.DeepCopy()
	m.Spec.Enabled = ptr.To(false)
	m.Generation++
	return m
}

func up() monitoringv1.CheckResult {
	return monitoringv1.CheckResult{State: monitoringv1.ResultUp, Reason: monitoringv1.ReasonHTTPOK, LatencyMs: 12, CheckedAt: metav1.NewTime(origin)}
}

func down() monitoringv1.CheckResult {
	return monitoringv1.CheckResult{State: monitoringv1.ResultDown, Reason: monitoringv1.ReasonConnectionRefused, LatencyMs: 3, CheckedAt: metav1.NewTime(origin)}
}

// reconcile stores m in the cache and reconciles it.
func (f *fixture) reconcile(t *testing.T, m *monitoringv1.Monitor) {
	t.Helper()
	f.cache.Upsert(m)
	require.NoError(t, f.controller.ReconcileMonitor(context.Background(), m))
}

func (f *fixture) state(key cache.Key) monitoringv1.HealthState {
	snap, ok := f.tracker.Get(key)
	if !ok {
		return ""
	}
	return snap.State
}
