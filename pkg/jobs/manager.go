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

// Package jobs runs checks as isolated workloads and normalizes their
// outcome into a CheckResult.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/cache"
)

var (
	// ErrInFlight is returned when the previous check of the same monitor is
	// still running. The tick is skipped.
	ErrInFlight = errors.New("previous check still in flight")

	// ErrSaturated is returned when the global limit of concurrent checks is
	// reached. The tick is skipped.
	ErrSaturated = errors.New("too many checks in flight")
)

const (
	// DefaultSlack is added to the check timeout before the manager gives up
	// on an execution.
	DefaultSlack = 5 * time.Second

	// DefaultCleanupTimeout bounds the removal of a finished execution.
	DefaultCleanupTimeout = 30 * time.Second
)

// Check is a single execution request.
type Check struct {
	Key             cache.Key
	Type            monitoringv1.MonitorType
	Target          *runtime.RawExtension
	SuccessCriteria *runtime.RawExtension
	Timeout         time.Duration
}

// Handle identifies a started execution.
type Handle struct {
	Namespace string
	Name      string
	RunID     string
}

// Executor starts and observes a single check execution.
type Executor interface {
	// Start launches the execution. A returned Handle with a non-empty Name
	// is cleaned up even when an error is returned.
	Start(ctx context.Context, check Check, runID string) (Handle, error)

	// Wait blocks until the execution terminated and returns the raw result
	// document it produced. It must return when ctx is cancelled.
	Wait(ctx context.Context, h Handle) ([]byte, error)

	// Cleanup removes every trace of the execution.
	Cleanup(ctx context.Context, h Handle) error
}

// MetricsRecorder receives check outcomes and skips.
type MetricsRecorder interface {
	RecordCheck(monitorType, state, reason string, took time.Duration)
	RecordSkip(reason string)
	SetJobsInFlight(n int)
}

// Options configures a Manager.
type Options struct {
	Clock          clock.Clock
	Slack          time.Duration
	CleanupTimeout time.Duration

	// MaxInFlight caps concurrent executions across all monitors. Zero means
	// unlimited.
	MaxInFlight int

	Metrics MetricsRecorder
}

// Manager runs at most one execution per monitor at a time.
type Manager struct {
	executor       Executor
	clock          clock.Clock
	slack          time.Duration
	cleanupTimeout time.Duration
	maxInFlight    int
	metrics        MetricsRecorder

	mu       sync.Mutex
	inFlight map[cache.Key]struct{}
}

// NewManager creates a Manager using executor.
func NewManager(executor Executor, opts Options) *Manager {
	m := &Manager{
		executor:       executor,
		clock:          opts.Clock,
		slack:          opts.Slack,
		cleanupTimeout: opts.CleanupTimeout,
		maxInFlight:    opts.MaxInFlight,
		metrics:        opts.Metrics,
		inFlight:       make(map[cache.Key]struct{}),
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	if m.slack <= 0 {
		m.slack = DefaultSlack
	}
	if m.cleanupTimeout <= 0 {
		m.cleanupTimeout = DefaultCleanupTimeout
	}
	return m
}

// InFlight reports whether an execution for key is running.
func (m *Manager) InFlight(key cache.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[key]
	return ok
}

func (m *Manager) acquire(key cache.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inFlight[key]; ok {
		return ErrInFlight
	}
	if m.maxInFlight > 0 && len(m.inFlight) >= m.maxInFlight {
		return ErrSaturated
	}
	m.inFlight[key] = struct{}{}
	m.setInFlight(len(m.inFlight))
	return nil
}

func (m *Manager) release(key cache.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, key)
	m.setInFlight(len(m.inFlight))
}

func (m *Manager) setInFlight(n int) {
	if m.metrics != nil {
		m.metrics.SetJobsInFlight(n)
	}
}

type waitResult struct {
	output []byte
	err    error
}

// RunCheck executes check and returns its normalized result. Check level
// failures, including timeouts and crashed executions, are reported as a
// down result, never as an error. An error is returned only when the tick
// was skipped (ErrInFlight, ErrSaturated) or ctx was cancelled.
func (m *Manager) RunCheck(ctx context.Context, check Check) (monitoringv1.CheckResult, error) {
	logger := klog.FromContext(ctx).WithValues("monitor", check.Key.String())

	if err := m.acquire(check.Key); err != nil {
		reason := "in_flight"
		if errors.Is(err, ErrSaturated) {
			reason = "saturated"
		}
		if m.metrics != nil {
			m.metrics.RecordSkip(reason)
		}
		logger.V(2).Info("Skipping check", "reason", err.Error())
		return monitoringv1.CheckResult{}, err
	}
	defer m.release(check.Key)

	runID := uuid.NewString()
	logger = logger.WithValues("runID", runID)
	ctx = klog.NewContext(ctx, logger)

	started := m.clock.Now()
	result, err := m.execute(ctx, check, runID)
	if err != nil {
		return monitoringv1.CheckResult{}, err
	}
	if m.metrics != nil {
		m.metrics.RecordCheck(string(check.Type), string(result.State), result.Reason, m.clock.Since(started))
	}
	logger.V(2).Info("Check finished", "state", result.State, "reason", result.Reason, "latencyMs", result.LatencyMs)
	return result, nil
}

func (m *Manager) execute(ctx context.Context, check Check, runID string) (monitoringv1.CheckResult, error) {
	logger := klog.FromContext(ctx)
	started := m.clock.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle, err := m.executor.Start(runCtx, check, runID)
	if handle.Name != "" {
		defer m.cleanup(logger, handle)
	}
	if err != nil {
		if ctx.Err() != nil {
			return monitoringv1.CheckResult{}, ctx.Err()
		}
		return m.internalError(started, fmt.Sprintf("failed to start check: %v", err)), nil
	}

	done := make(chan waitResult, 1)
	go func() {
		output, err := m.executor.Wait(runCtx, handle)
		done <- waitResult{output: output, err: err}
	}()

	deadline := check.Timeout + m.slack
	timer := m.clock.NewTimer(deadline)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return monitoringv1.CheckResult{}, ctx.Err()
			}
			return m.internalError(started, r.err.Error()), nil
		}
		result, err := ParseResult(r.output, m.clock.Now())
		if err != nil {
			return m.internalError(started, err.Error()), nil
		}
		return result, nil
	case <-timer.C():
		cancel()
		<-done
		return monitoringv1.CheckResult{
			State:     monitoringv1.ResultDown,
			Reason:    monitoringv1.ReasonTimeout,
			Message:   fmt.Sprintf("check did not finish within %s", check.Timeout),
			LatencyMs: deadline.Milliseconds(),
			CheckedAt: metav1Time(m.clock.Now()),
		}, nil
	case <-ctx.Done():
		cancel()
		<-done
		return monitoringv1.CheckResult{}, ctx.Err()
	}
}

func (m *Manager) internalError(started time.Time, message string) monitoringv1.CheckResult {
	now := m.clock.Now()
	return monitoringv1.CheckResult{
		State:     monitoringv1.ResultDown,
		Reason:    monitoringv1.ReasonInternalError,
		Message:   message,
		LatencyMs: now.Sub(started).Milliseconds(),
		CheckedAt: metav1Time(now),
	}
}

func (m *Manager) cleanup(logger logr.Logger, h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cleanupTimeout)
	defer cancel()

	if err := m.executor.Cleanup(ctx, h); err != nil {
		logger.Error(err, "Failed to clean up check execution", "namespace", h.Namespace, "name", h.Name)
	}
}
