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

package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	clocktesting "k8s.io/utils/clock/testing"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/cache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeExecutor struct {
	startErr   error
	output     []byte
	waitErr    error
	cleanupErr error

	// block makes Wait block until it is closed or ctx is done.
	block chan struct{}

	started  atomic.Int32
	cleanups atomic.Int32
}

func (f *fakeExecutor) Start(_ context.Context, check Check, runID string) (Handle, error) {
	f.started.Add(1)
	return Handle{Namespace: check.Key.Namespace, Name: JobName(check, runID), RunID: runID}, f.startErr
}

func (f *fakeExecutor) Wait(ctx context.Context, _ Handle) ([]byte, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.output, f.waitErr
}

func (f *fakeExecutor) Cleanup(context.Context, Handle) error {
	f.cleanups.Add(1)
	return f.cleanupErr
}

type recorder struct {
	mu     sync.Mutex
	skips  map[string]int
	checks map[string]int
}

func newRecorder() *recorder {
	return &recorder{skips: map[string]int{}, checks: map[string]int{}}
}

func (r *recorder) RecordCheck(_, _, reason string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[reason]++
}

func (r *recorder) RecordSkip(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skips[reason]++
}

func (r *recorder) SetJobsInFlight(int) {}

func (r *recorder) skipCount(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skips[reason]
}

func testCheck(name string) Check {
	return Check{
		Key:     cache.Key{Kind: monitoringv1.KindMonitor, Namespace: "default", Name: name},
		Type:    monitoringv1.MonitorTypeHTTP,
		Timeout: 10 * time.Second,
	}
}

const upOutput = `{"state":"up","reason":"HTTP_OK","latencyMs":12,"checkedAt":"2025-01-01T00:00:00Z"}`

func TestRunCheckSuccess(t *testing.T) {
	executor := &fakeExecutor{output: []byte(upOutput)}
	metrics := newRecorder()
	m := NewManager(executor, Options{Metrics: metrics})

	result, err := m.RunCheck(context.Background(), testCheck("web"))
	require.NoError(t, err)
	assert.Equal(t, monitoringv1.ResultUp, result.State)
	assert.Equal(t, monitoringv1.ReasonHTTPOK, result.Reason)
	assert.EqualValues(t, 12, result.LatencyMs)
	assert.EqualValues(t, 1, executor.cleanups.Load())
	assert.False(t, m.InFlight(testCheck("web").Key))
	assert.Equal(t, 1, metrics.checks[monitoringv1.ReasonHTTPOK])
}

func TestRunCheckSkipsWhileInFlight(t *testing.T) {
	executor := &fakeExecutor{output: []byte(upOutput), block: make(chan struct{})}
	metrics := newRecorder()
	m := NewManager(executor, Options{Metrics: metrics})
	check := testCheck("web")

	done := make(chan error, 1)
	go func() {
		_, err := m.RunCheck(context.Background(), check)
		done <- err
	}()
	require.Eventually(t, func() bool { return m.InFlight(check.Key) }, time.Second, time.Millisecond)

	_, err := m.RunCheck(context.Background(), check)
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, 1, metrics.skipCount("in_flight"))
	assert.EqualValues(t, 1, executor.started.Load(), "a skipped tick must not start a job")

	close(executor.block)
	require.NoError(t, <-done)
	assert.False(t, m.InFlight(check.Key))
}

func TestRunCheckSaturated(t *testing.T) {
	executor := &fakeExecutor{output: []byte(upOutput), block: make(chan struct{})}
	metrics := newRecorder()
	m := NewManager(executor, Options{Metrics: metrics, MaxInFlight: 1})

	done := make(chan error, 1)
	go func() {
		_, err := m.RunCheck(context.Background(), testCheck("a"))
		done <- err
	}()
	require.Eventually(t, func() bool { return m.InFlight(testCheck("a").Key) }, time.Second, time.Millisecond)

	_, err := m.RunCheck(context.Background(), testCheck("b"))
	assert.ErrorIs(t, err, ErrSaturated)
	assert.Equal(t, 1, metrics.skipCount("saturated"))

	close(executor.block)
	require.NoError(t, <-done)
}

func TestRunCheckTimeout(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	executor := &fakeExecutor{block: make(chan struct{})}
	m := NewManager(executor, Options{Clock: clk, Slack: 5 * time.Second})

	type outcome struct {
		result monitoringv1.CheckResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := m.RunCheck(context.Background(), testCheck("slow"))
		done <- outcome{result, err}
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(15 * time.Second)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, monitoringv1.ResultDown, got.result.State)
		assert.Equal(t, monitoringv1.ReasonTimeout, got.result.Reason)
		assert.EqualValues(t, 15000, got.result.LatencyMs)
	case <-time.After(5 * time.Second):
		t.Fatal("RunCheck did not return after the timeout elapsed")
	}
	assert.EqualValues(t, 1, executor.cleanups.Load())
	assert.False(t, m.InFlight(testCheck("slow").Key))
}

func TestRunCheckInternalErrors(t *testing.T) {
	tests := map[string]*fakeExecutor{
		"start failure":    {startErr: errors.New("forbidden")},
		"crashed checker":  {waitErr: errors.New("checker exited with code 137")},
		"malformed output": {output: []byte("segfault")},
		"empty output":     {output: nil},
		"unknown state":    {output: []byte(`{"state":"sideways","reason":"X","latencyMs":1}`)},
	}
	for name, executor := range tests {
		t.Run(name, func(t *testing.T) {
			m := NewManager(executor, Options{})
			result, err := m.RunCheck(context.Background(), testCheck("web"))
			require.NoError(t, err)
			assert.Equal(t, monitoringv1.ResultDown, result.State)
			assert.Equal(t, monitoringv1.ReasonInternalError, result.Reason)
			assert.NotEmpty(t, result.Message)
			assert.EqualValues(t, 1, executor.cleanups.Load(), "cleanup must run on every path")
		})
	}
}

func TestRunCheckCleanupFailureDoesNotChangeResult(t *testing.T) {
	executor := &fakeExecutor{output: []byte(upOutput), cleanupErr: errors.New("boom")}
	m := NewManager(executor, Options{})

	result, err := m.RunCheck(context.Background(), testCheck("web"))
	require.NoError(t, err)
	assert.Equal(t, monitoringv1.ResultUp, result.State)
}

func TestRunCheckContextCancelled(t *testing.T) {
	executor := &fakeExecutor{block: make(chan struct{})}
	m := NewManager(executor, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.RunCheck(ctx, testCheck("web"))
		done <- err
	}()
	require.Eventually(t, func() bool { return executor.started.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.EqualValues(t, 1, executor.cleanups.Load())
}

func TestParseResult(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := map[string]struct {
		output      string
		wantErr     bool
		want        monitoringv1.ResultState
		wantChecked time.Time
	}{
		"up":                {output: upOutput, want: monitoringv1.ResultUp, wantChecked: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		"down with message": {output: `{"state":"down","reason":"CONNECTION_REFUSED","message":"dial tcp: refused","latencyMs":3}`, want: monitoringv1.ResultDown, wantChecked: now},
		"surrounding space": {output: "\n" + upOutput + "\n", want: monitoringv1.ResultUp, wantChecked: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		"not json":          {output: "oops", wantErr: true},
		"missing reason":    {output: `{"state":"up","latencyMs":1}`, wantErr: true},
		"negative latency":  {output: `{"state":"up","reason":"HTTP_OK","latencyMs":-1}`, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := ParseResult([]byte(tc.output), now)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, result.State)
			assert.True(t, tc.wantChecked.Equal(result.CheckedAt.Time), "checkedAt %s", result.CheckedAt)
		})
	}
}
