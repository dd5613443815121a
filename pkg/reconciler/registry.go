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

// Package reconciler dispatches resource lifecycle events to the handler
// registered for the resource kind.
//
// The Registry is the fault containment boundary of the controller: a
// handler that returns an error or panics is logged with the identity of the
// resource and never affects the watcher or other resources.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/cache"
)

// EventType is the lifecycle change observed by a watcher.
type EventType string

const (
	Added    EventType = "Added"
	Modified EventType = "Modified"
	Deleted  EventType = "Deleted"
)

// Event is a lifecycle change of one resource.
type Event struct {
	Type EventType
	Key  cache.Key
}

// Dispatcher receives events from watchers.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event)
}

// Handler is the typed reconcile/delete pair of one kind. T is the pointer
// type of the kind, e.g. *monitoringv1.Monitor.
type Handler[T monitoringv1.Object] struct {
	// Reconcile is called for added and modified resources with the cached
	// object. It must be idempotent.
	Reconcile func(ctx context.Context, obj T) error

	// Delete is called once the resource is gone from the cache. Optional.
	Delete func(ctx context.Context, key cache.Key) error
}

// MetricsRecorder records handler outcomes.
type MetricsRecorder interface {
	RecordReconcile(kind, result string)
}

// ErrAlreadyStarted is returned when registering after Start.
var ErrAlreadyStarted = errors.New("registry already started")

type kindHandler struct {
	kind      monitoringv1.ResourceKind
	reconcile func(ctx context.Context, obj monitoringv1.Object) error
	delete    func(ctx context.Context, key cache.Key) error
	queue     workqueue.TypedInterface[cache.Key]
}

// Registry maps resource kinds to their handlers. Each kind has its own
// queue; a key is never handled by two workers at the same time, which keeps
// the events of one resource in order while unrelated resources proceed in
// parallel.
type Registry struct {
	reader  cache.Reader
	workers int
	metrics MetricsRecorder

	mu       sync.RWMutex
	handlers map[monitoringv1.ResourceKind]*kindHandler
	started  bool
}

var _ Dispatcher = &Registry{}

// NewRegistry creates a registry reading objects from reader and running
// workersPerKind workers for every registered kind.
func NewRegistry(reader cache.Reader, workersPerKind int, metrics MetricsRecorder) *Registry {
	if workersPerKind <= 0 {
		workersPerKind = 1
	}
	return &Registry{
		reader:   reader,
		workers:  workersPerKind,
		metrics:  metrics,
		handlers: make(map[monitoringv1.ResourceKind]*kindHandler),
	}
}

// Register installs the handler for the kind of T.
func Register[T monitoringv1.Object](r *Registry, h Handler[T]) error {
	var zero T
	kind := zero.ResourceKind()

	if h.Reconcile == nil {
		return fmt.Errorf("reconcile function for %s is required", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler for %s already registered", kind)
	}

	r.handlers[kind] = &kindHandler{
		kind: kind,
		reconcile: func(ctx context.Context, obj monitoringv1.Object) error {
			typed, ok := obj.(T)
			if !ok {
				return fmt.Errorf("expected %T, got %T", zero, obj)
			}
			return h.Reconcile(ctx, typed)
		},
		delete: h.Delete,
		queue: workqueue.NewTypedWithConfig(workqueue.TypedQueueConfig[cache.Key]{
			Name: "yuptime-" + string(kind),
		}),
	}
	return nil
}

// Registered reports whether a handler exists for kind.
func (r *Registry) Registered(kind monitoringv1.ResourceKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Dispatch queues the resource of event for handling. Several events for the
// same key that arrive before a worker picks it up collapse into one handler
// call that sees the latest cached state.
func (r *Registry) Dispatch(ctx context.Context, event Event) {
	r.mu.RLock()
	h, ok := r.handlers[event.Key.Kind]
	r.mu.RUnlock()

	if !ok {
		klog.FromContext(ctx).V(4).Info("no handler registered, ignoring event", "kind", event.Key.Kind, "event", event.Type, "key", event.Key.String())
		return
	}
	h.queue.Add(event.Key)
}

// Start runs the workers of every registered kind and blocks until ctx is
// cancelled and all in-progress handlers returned.
func (r *Registry) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithValues("component", "registry")

	r.mu.Lock()
	r.started = true
	handlers := make([]*kindHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		for i := 0; i < r.workers; i++ {
			wg.Add(1)
			go func(h *kindHandler) {
				defer wg.Done()
				for r.processNextWorkItem(ctx, h) {
				}
			}(h)
		}
	}
	logger.Info("Started reconcile workers", "kinds", len(handlers), "workersPerKind", r.workers)

	<-ctx.Done()
	for _, h := range handlers {
		h.queue.ShutDown()
	}
	wg.Wait()
	logger.Info("Reconcile workers stopped")
}

func (r *Registry) processNextWorkItem(ctx context.Context, h *kindHandler) bool {
	key, quit := h.queue.Get()
	if quit {
		return false
	}
	defer h.queue.Done(key)

	r.handle(ctx, h, key)
	return true
}

// handle runs the reconcile or delete function of key. Errors and panics end
// here.
func (r *Registry) handle(ctx context.Context, h *kindHandler, key cache.Key) {
	logger := klog.FromContext(ctx).WithValues("kind", key.Kind, "namespace", key.Namespace, "name", key.Name)
	ctx = klog.NewContext(ctx, logger)

	obj, exists := r.reader.Get(key)
	op := "reconcile"
	if !exists {
		op = "delete"
	}

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic in %s handler: %v", op, p)
			}
		}()
		if exists {
			return h.reconcile(ctx, obj)
		}
		if h.delete == nil {
			return nil
		}
		return h.delete(ctx, key)
	}()

	if err != nil {
		logger.Error(err, "Handler failed, resource keeps its last known state", "operation", op)
		r.record(key.Kind, "error")
		return
	}
	logger.V(4).Info("Handler succeeded", "operation", op)
	r.record(key.Kind, "success")
}

func (r *Registry) record(kind monitoringv1.ResourceKind, result string) {
	if r.metrics != nil {
		r.metrics.RecordReconcile(string(kind), result)
	}
}
