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

package scheduler

import (
	"context"
	"fmt"
	"sync"
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

type runCounter struct {
	mu   sync.Mutex
	runs map[cache.Key]int
}

func (c *runCounter) run(_ context.Context, key cache.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[key]++
}

func (c *runCounter) count(key cache.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[key]
}

func monitorKey(name string) cache.Key {
	return cache.Key{Kind: monitoringv1.KindMonitor, Namespace: "default", Name: name}
}

func newTestScheduler(t *testing.T) (*Scheduler, *clocktesting.FakeClock, *runCounter) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	counter := &runCounter{runs: map[cache.Key]int{}}
	s := New(counter.run, clk)
	s.SetInitialJitter(0)
	return s, clk, counter
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRunsEveryInterval(t *testing.T) {
	s, clk, counter := newTestScheduler(t)
	key := monitorKey("web")
	require.True(t, s.Ensure(key, time.Minute))
	start(t, s)

	require.Eventually(t, func() bool { return counter.count(key) == 1 }, time.Second, time.Millisecond)

	for i := 2; i <= 3; i++ {
		require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
		clk.Step(time.Minute)
		want := i
		require.Eventually(t, func() bool { return counter.count(key) == want }, time.Second, time.Millisecond)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	s, clk, _ := newTestScheduler(t)
	key := monitorKey("web")

	require.True(t, s.Ensure(key, time.Minute))
	first, ok := s.Next(key)
	require.True(t, ok)

	clk.Step(10 * time.Second)
	assert.False(t, s.Ensure(key, time.Minute), "same interval must keep the phase")
	again, _ := s.Next(key)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, s.Len())
}

func TestEnsureRejectsNonPositiveInterval(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	assert.False(t, s.Ensure(monitorKey("web"), 0))
	assert.Equal(t, 0, s.Len())
}

func TestIntervalChangeReschedulesFromLastRun(t *testing.T) {
	s, clk, counter := newTestScheduler(t)
	key := monitorKey("web")
	s.Ensure(key, time.Minute)
	start(t, s)

	require.Eventually(t, func() bool { return counter.count(key) == 1 }, time.Second, time.Millisecond)
	lastRun := clk.Now()

	clk.Step(10 * time.Second)
	require.True(t, s.Ensure(key, 30*time.Second))

	next, ok := s.Next(key)
	require.True(t, ok)
	assert.Equal(t, lastRun.Add(30*time.Second), next)
	interval, _ := s.Interval(key)
	assert.Equal(t, 30*time.Second, interval)
}

func TestCancelStopsRuns(t *testing.T) {
	s, clk, counter := newTestScheduler(t)
	key := monitorKey("web")
	s.Ensure(key, time.Minute)
	start(t, s)

	require.Eventually(t, func() bool { return counter.count(key) == 1 }, time.Second, time.Millisecond)
	require.True(t, s.Cancel(key))
	assert.False(t, s.Cancel(key))

	clk.Step(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, counter.count(key))
	_, ok := s.Next(key)
	assert.False(t, ok)
}

func TestMissedTicksAreSkipped(t *testing.T) {
	s, clk, counter := newTestScheduler(t)
	key := monitorKey("web")
	s.Ensure(key, time.Minute)
	start(t, s)

	require.Eventually(t, func() bool { return counter.count(key) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)

	origin := clk.Now()
	clk.Step(5*time.Minute + 30*time.Second)
	require.Eventually(t, func() bool { return counter.count(key) == 2 }, time.Second, time.Millisecond)

	next, _ := s.Next(key)
	assert.Equal(t, origin.Add(6*time.Minute), next)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, counter.count(key))
}

func TestInitialJitterStaysWithinBound(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	s := New(func(context.Context, cache.Key) {}, clk)

	for i := 0; i < 50; i++ {
		key := monitorKey(fmt.Sprintf("web-%d", i))
		s.Ensure(key, 100*time.Second)
		next, ok := s.Next(key)
		require.True(t, ok)
		delay := next.Sub(clk.Now())
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.Less(t, delay, 10*time.Second)
	}
}
