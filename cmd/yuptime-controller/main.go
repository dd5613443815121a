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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	"k8s.io/apiserver/pkg/server/healthz"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	_ "k8s.io/component-base/logs/json/register"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/cmd/yuptime-controller/options"
	"github.com/yuptime/yuptime/pkg/alerting"
	"github.com/yuptime/yuptime/pkg/cache"
	"github.com/yuptime/yuptime/pkg/crds"
	"github.com/yuptime/yuptime/pkg/health"
	"github.com/yuptime/yuptime/pkg/jobs"
	"github.com/yuptime/yuptime/pkg/metrics"
	"github.com/yuptime/yuptime/pkg/reconciler"
	"github.com/yuptime/yuptime/pkg/reconciler/monitoring"
	"github.com/yuptime/yuptime/pkg/watcher"
)

func main() {
	cmd := newCommand()
	if err := cmd.ExecuteContext(setupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := options.NewOptions()

	cmd := &cobra.Command{
		Use:   "yuptime-controller",
		Short: "Kubernetes native uptime monitoring controller",
		Long: `The yuptime controller watches Monitor, MonitorSet, MaintenanceWindow,
Silence and YuptimeSettings resources, runs every check as a Kubernetes Job
on its schedule, tracks the health of each monitor and notifies an
Alertmanager compatible receiver about outages and recoveries.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.Complete(cmd.Flags()); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), opts)
		},
		SilenceUsage: true,
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, opts *options.Options) error {
	logger := klog.FromContext(ctx).WithName("yuptime-controller")
	ctx = klog.NewContext(ctx, logger)
	logger.Info("Starting yuptime controller", "namespace", opts.Namespace, "maxConcurrentChecks", opts.MaxConcurrentChecks)

	dynamicClient, err := dynamic.NewForConfig(opts.RestConfig)
	if err != nil {
		return fmt.Errorf("failed to create dynamic client: %w", err)
	}
	kubeClient, err := kubernetes.NewForConfig(opts.RestConfig)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	if opts.InstallCRDs {
		crdClient, err := apiextensionsclient.NewForConfig(opts.RestConfig)
		if err != nil {
			return fmt.Errorf("failed to create apiextensions client: %w", err)
		}
		if err := crds.Ensure(ctx, crdClient); err != nil {
			return fmt.Errorf("failed to install CRDs: %w", err)
		}
		if err := crds.WaitEstablished(ctx, crdClient, time.Second, crds.DefaultEstablishTimeout); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	c, err := wire(dynamicClient, kubeClient, opts, m)
	if err != nil {
		return err
	}
	c.controller.ApplyDefaults(ctx)

	watchers, err := watcher.NewSet(dynamicClient, monitoringv1.Kinds, watcher.Config{
		Store:        c.store,
		Dispatcher:   c.registry,
		Namespace:    opts.Namespace,
		ResyncPeriod: opts.ResyncPeriod.Duration,
		Metrics:      m,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.registry.Start(ctx)
		return nil
	})
	g.Go(func() error {
		watchers.Run(ctx)
		return nil
	})
	g.Go(func() error {
		c.controller.Run(ctx)
		return nil
	})
	if opts.MetricsAddress != "" {
		server := metrics.NewServer(opts.MetricsAddress, reg, c.tracker.Summary, watchersSynced(watchers))
		g.Go(func() error {
			return server.Run(ctx)
		})
	}

	err = g.Wait()
	logger.Info("Yuptime controller stopped")
	return err
}

type components struct {
	store      *cache.ResourceCache
	registry   *reconciler.Registry
	tracker    *health.Tracker
	controller *monitoring.Controller
}

// wire builds the check pipeline on top of the given clients.
func wire(dynamicClient dynamic.Interface, kubeClient kubernetes.Interface, opts *options.Options, m *metrics.Metrics) (*components, error) {
	clk := clock.RealClock{}
	store := cache.New()

	executor := jobs.NewKubernetesExecutor(kubeClient, opts.CheckerConfig())
	executor.SetSlack(opts.JobSlack.Duration)
	manager := jobs.NewManager(executor, jobs.Options{
		Clock:       clk,
		Slack:       opts.JobSlack.Duration,
		MaxInFlight: opts.MaxConcurrentChecks,
		Metrics:     m,
	})

	tracker := health.NewTracker(clk, opts.FlapConfig())
	sender := alerting.NewWebhookSender(opts.WebhookURL, opts.WebhookTimeout.Duration)
	engine := alerting.NewEngine(alerting.NewSuppressor(store, clk), sender, clk, m)
	engine.SetExternalURL(opts.ExternalURL)

	controller, err := monitoring.New(monitoring.Config{
		Reader:  store,
		Runner:  manager,
		Tracker: tracker,
		Alerts:  engine,
		Client:  dynamicClient,
		Webhook: sender,
		Checker: executor,
		Defaults: monitoring.Settings{
			WebhookURL:     opts.WebhookURL,
			WebhookTimeout: opts.WebhookTimeout.Duration,
			ExternalURL:    opts.ExternalURL,
			Flap:           opts.FlapConfig(),
			Checker:        opts.CheckerConfig(),
		},
		Clock:   clk,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	registry := reconciler.NewRegistry(store, opts.WorkersPerKind, m)
	if err := controller.Register(registry); err != nil {
		return nil, err
	}

	return &components{
		store:      store,
		registry:   registry,
		tracker:    tracker,
		controller: controller,
	}, nil
}

func watchersSynced(watchers watcher.Set) healthz.HealthChecker {
	return healthz.NamedCheck("watchers-synced", func(*http.Request) error {
		if unsynced := watchers.Unsynced(); len(unsynced) > 0 {
			kinds := make([]string, 0, len(unsynced))
			for _, kind := range unsynced {
				kinds = append(kinds, string(kind))
			}
			return fmt.Errorf("waiting for initial list of %s", strings.Join(kinds, ", "))
		}
		return nil
	})
}

// setupSignalHandler registers signal handlers and returns a context that is
// cancelled on the first signal.
func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1) // second signal. Exit directly.
	}()
	return ctx
}
