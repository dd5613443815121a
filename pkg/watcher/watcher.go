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

// Package watcher keeps the resource cache in sync with the API server.
//
// A Watcher lists one kind, then watches it from the list's resource
// version. Every observed change becomes a message on an ordered channel
// that a single consumer applies to the cache before dispatching it to the
// reconciler registry. Whenever the stream fails or closes, the watcher
// lists again; it only returns when its context is cancelled.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/cache"
	"github.com/yuptime/yuptime/pkg/reconciler"
)

var errWatchClosed = errors.New("watch channel closed")

// Store is the write side of the resource cache.
type Store interface {
	Upsert(obj monitoringv1.Object) cache.Key
	Delete(key cache.Key) bool
	Replace(kind monitoringv1.ResourceKind, objs []monitoringv1.Object) []cache.Key
}

// RestartRecorder records relists.
type RestartRecorder interface {
	RecordWatchRestart(kind string)
}

// Config holds the dependencies of a Watcher.
type Config struct {
	Kind       monitoringv1.ResourceKind
	Client     dynamic.Interface
	Store      Store
	Dispatcher reconciler.Dispatcher

	// Namespace restricts namespaced kinds to one namespace. Empty watches
	// all namespaces.
	Namespace string

	// ResyncPeriod forces a relist at this period. Zero disables resyncs.
	ResyncPeriod time.Duration

	// Backoff spaces relists after failures. Defaults to DefaultBackoff.
	Backoff *wait.Backoff

	Clock   clock.Clock
	Metrics RestartRecorder
}

// DefaultBackoff is used between relists after a failure.
var DefaultBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    8,
	Cap:      2 * time.Minute,
}

type messageKind int

const (
	messageReplace messageKind = iota
	messageUpsert
	messageDelete
)

type message struct {
	kind      messageKind
	eventType reconciler.EventType
	objects   []monitoringv1.Object
	key       cache.Key
}

// Watcher mirrors one kind into the cache.
type Watcher struct {
	kind         monitoringv1.ResourceKind
	resource     dynamic.NamespaceableResourceInterface
	namespace    string
	store        Store
	dispatcher   reconciler.Dispatcher
	resyncPeriod time.Duration
	backoff      wait.Backoff
	clock        clock.Clock
	metrics      RestartRecorder

	messages chan message
	synced   atomic.Bool
}

// New creates a watcher from cfg.
func New(cfg Config) (*Watcher, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.Store == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("store and dispatcher are required")
	}
	backoff := DefaultBackoff
	if cfg.Backoff != nil {
		backoff = *cfg.Backoff
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	namespace := cfg.Namespace
	if !cfg.Kind.Namespaced() {
		namespace = ""
	}
	return &Watcher{
		kind:         cfg.Kind,
		resource:     cfg.Client.Resource(cfg.Kind.GroupVersionResource()),
		namespace:    namespace,
		store:        cfg.Store,
		dispatcher:   cfg.Dispatcher,
		resyncPeriod: cfg.ResyncPeriod,
		backoff:      backoff,
		clock:        clk,
		metrics:      cfg.Metrics,
		messages:     make(chan message, 128),
	}, nil
}

// Kind returns the watched kind.
func (w *Watcher) Kind() monitoringv1.ResourceKind {
	return w.kind
}

// HasSynced reports whether the first list was applied and a watch opened.
func (w *Watcher) HasSynced() bool {
	return w.synced.Load()
}

// Run lists and watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	logger := klog.FromContext(ctx).WithValues("component", "watcher", "kind", w.kind)
	ctx = klog.NewContext(ctx, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.consume(ctx)
	}()

	logger.Info("Starting watcher")
	backoff := w.backoff
	for {
		err := w.listAndWatch(ctx, &backoff)
		if ctx.Err() != nil {
			break
		}

		delay := time.Duration(0)
		switch {
		case err == nil:
			logger.V(4).Info("Resync, relisting")
		case errors.Is(err, errWatchClosed):
			// API servers end watches after a timeout.
			logger.V(4).Info("Watch stream closed, relisting")
		default:
			delay = backoff.Step()
			logger.Error(err, "Watch ended, relisting", "delay", delay)
			if w.metrics != nil {
				w.metrics.RecordWatchRestart(string(w.kind))
			}
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
			case <-w.clock.After(delay):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	close(w.messages)
	wg.Wait()
	logger.Info("Watcher stopped")
}

func (w *Watcher) client() dynamic.ResourceInterface {
	if w.namespace != "" {
		return w.resource.Namespace(w.namespace)
	}
	return w.resource
}

// listAndWatch returns nil when a resync is due or ctx ended, an error
// otherwise.
func (w *Watcher) listAndWatch(ctx context.Context, backoff *wait.Backoff) error {
	logger := klog.FromContext(ctx)

	list, err := w.client().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.kind.Plural(), err)
	}
	*backoff = w.backoff

	objs := make([]monitoringv1.Object, 0, len(list.Items))
	for i := range list.Items {
		item := &list.Items[i]
		if item.GetKind() == "" {
			item.SetGroupVersionKind(w.kind.GroupVersionKind())
		}
		obj, err := monitoringv1.FromUnstructured(item)
		if err != nil {
			logger.Error(err, "Skipping undecodable object", "namespace", item.GetNamespace(), "name", item.GetName())
			continue
		}
		objs = append(objs, obj)
	}
	if !w.send(ctx, message{kind: messageReplace, objects: objs}) {
		return nil
	}
	logger.V(2).Info("Listed resources", "count", len(objs), "resourceVersion", list.GetResourceVersion())

	stream, err := w.client().Watch(ctx, metav1.ListOptions{
		ResourceVersion:     list.GetResourceVersion(),
		AllowWatchBookmarks: true,
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.kind.Plural(), err)
	}
	defer stream.Stop()
	w.synced.Store(true)

	var resync <-chan time.Time
	if w.resyncPeriod > 0 {
		timer := w.clock.NewTimer(w.resyncPeriod)
		defer timer.Stop()
		resync = timer.C()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-resync:
			return nil
		case event, ok := <-stream.ResultChan():
			if !ok {
				return errWatchClosed
			}
			if err := w.handleEvent(ctx, event); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event watch.Event) error {
	logger := klog.FromContext(ctx)

	switch event.Type {
	case watch.Added, watch.Modified:
		u, ok := event.Object.(*unstructured.Unstructured)
		if !ok {
			return fmt.Errorf("unexpected object type %T", event.Object)
		}
		if u.GetKind() == "" {
			u.SetGroupVersionKind(w.kind.GroupVersionKind())
		}
		obj, err := monitoringv1.FromUnstructured(u)
		if err != nil {
			logger.Error(err, "Skipping undecodable object", "namespace", u.GetNamespace(), "name", u.GetName())
			return nil
		}
		eventType := reconciler.Added
		if event.Type == watch.Modified {
			eventType = reconciler.Modified
		}
		w.send(ctx, message{kind: messageUpsert, eventType: eventType, objects: []monitoringv1.Object{obj}})
	case watch.Deleted:
		accessor, err := meta.Accessor(event.Object)
		if err != nil {
			return fmt.Errorf("failed to access deleted object: %w", err)
		}
		w.send(ctx, message{
			kind:      messageDelete,
			eventType: reconciler.Deleted,
			key:       cache.Key{Kind: w.kind, Namespace: accessor.GetNamespace(), Name: accessor.GetName()},
		})
	case watch.Bookmark:
	case watch.Error:
		return apierrors.FromObject(event.Object)
	default:
		logger.V(4).Info("Ignoring unknown watch event", "type", event.Type)
	}
	return nil
}

func (w *Watcher) send(ctx context.Context, msg message) bool {
	select {
	case w.messages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// consume is the only writer of this kind's cache entries.
func (w *Watcher) consume(ctx context.Context) {
	for msg := range w.messages {
		switch msg.kind {
		case messageReplace:
			removed := w.store.Replace(w.kind, msg.objects)
			for _, obj := range msg.objects {
				w.dispatcher.Dispatch(ctx, reconciler.Event{Type: reconciler.Added, Key: cache.KeyFor(obj)})
			}
			for _, key := range removed {
				w.dispatcher.Dispatch(ctx, reconciler.Event{Type: reconciler.Deleted, Key: key})
			}
		case messageUpsert:
			key := w.store.Upsert(msg.objects[0])
			w.dispatcher.Dispatch(ctx, reconciler.Event{Type: msg.eventType, Key: key})
		case messageDelete:
			w.store.Delete(msg.key)
			w.dispatcher.Dispatch(ctx, reconciler.Event{Type: reconciler.Deleted, Key: msg.key})
		}
	}
}
