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

package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	kubefake "k8s.io/client-go/kubernetes/fake"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/cmd/yuptime-controller/options"
	"github.com/yuptime/yuptime/pkg/metrics"
	"github.com/yuptime/yuptime/pkg/watcher"
)

func newDynamicClient() *dynamicfake.FakeDynamicClient {
	listKinds := map[schema.GroupVersionResource]string{}
	for _, kind := range monitoringv1.Kinds {
		listKinds[kind.GroupVersionResource()] = kind.ListKind()
	}
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds)
}

func TestCommandFlags(t *testing.T) {
	cmd := newCommand()
	for _, name := range []string{"config", "kubeconfig", "namespace", "max-concurrent-checks", "webhook-url", "install-crds", "metrics-bind-address", "v", "logging-format"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag --%s", name)
	}
}

func TestWire(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, err := wire(newDynamicClient(), kubefake.NewSimpleClientset(), options.NewOptions(), m)
	require.NoError(t, err)

	for _, kind := range monitoringv1.Kinds {
		assert.True(t, c.registry.Registered(kind), "handler for %s", kind)
	}
	assert.Equal(t, 0, c.controller.Scheduler().Len())
}

func TestWatchersSyncedCheck(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c, err := wire(newDynamicClient(), kubefake.NewSimpleClientset(), options.NewOptions(), m)
	require.NoError(t, err)

	watchers, err := watcher.NewSet(newDynamicClient(), monitoringv1.Kinds, watcher.Config{Store: c.store, Dispatcher: c.registry})
	require.NoError(t, err)

	check := watchersSynced(watchers)
	assert.Equal(t, "watchers-synced", check.Name())
	err = check.Check(httptest.NewRequest("GET", "/readyz", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Monitor")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchers.Run(ctx)
	}()
	require.Eventually(t, watchers.HasSynced, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, check.Check(httptest.NewRequest("GET", "/readyz", nil)))
	cancel()
	<-done
}
