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

// Package scheduler keeps the next due time of every enabled monitor and
// fires a callback when it elapses.
package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/yuptime/yuptime/pkg/cache"
)

// RunFunc is invoked in its own goroutine every time key is due.
type RunFunc func(ctx context.Context, key cache.Key)

// DefaultInitialJitter spreads the first run of new entries over this
// fraction of their interval.
const DefaultInitialJitter = 0.1

type entry struct {
	interval time.Duration
	next     time.Time
	lastRun  time.Time
}

// Scheduler is a timer wheel keyed by monitor identity.
type Scheduler struct {
	run    RunFunc
	clock  clock.Clock
	jitter float64

	mu      sync.Mutex
	entries map[cache.Key]*entry
	wake    chan struct{}
}

// New creates a scheduler invoking run. A nil clock uses the real clock.
func New(run RunFunc, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		run:     run,
		clock:   clk,
		jitter:  DefaultInitialJitter,
		entries: make(map[cache.Key]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// SetInitialJitter changes the jitter fraction applied to new entries.
func (s *Scheduler) SetInitialJitter(fraction float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jitter = fraction
}

// Ensure schedules key every interval. An existing entry with the same
// interval is left alone so its phase is kept. A changed interval is
// applied relative to the last run. It reports whether anything changed.
func (s *Scheduler) Ensure(key cache.Key, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		if e.interval == interval {
			return false
		}
		base := e.lastRun
		if base.IsZero() {
			base = now
		}
		e.interval = interval
		e.next = base.Add(interval)
		if e.next.Before(now) {
			e.next = now
		}
		s.signal()
		return true
	}

	delay := time.Duration(0)
	if s.jitter > 0 {
		delay = time.Duration(rand.Float64() * s.jitter * float64(interval))
	}
	s.entries[key] = &entry{interval: interval, next: now.Add(delay)}
	s.signal()
	return true
}

// Cancel removes key. It reports whether key was scheduled.
func (s *Scheduler) Cancel(key cache.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	s.signal()
	return true
}

// Next returns the next due time of key.
func (s *Scheduler) Next(key cache.Key) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Interval returns the interval key is scheduled at.
func (s *Scheduler) Interval(key cache.Key) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	return e.interval, true
}

// Len returns the number of scheduled keys.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run fires due entries until ctx is cancelled, then waits for the running
// callbacks to return.
func (s *Scheduler) Run(ctx context.Context) {
	logger := klog.FromContext(ctx).WithValues("component", "scheduler")
	logger.Info("Starting scheduler")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		due, wait := s.collectDue()
		for _, key := range due {
			wg.Add(1)
			go func(key cache.Key) {
				defer wg.Done()
				s.run(ctx, key)
			}(key)
		}

		var timer clock.Timer
		var fire <-chan time.Time
		if wait >= 0 {
			timer = s.clock.NewTimer(wait)
			fire = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("Scheduler stopped")
			return
		case <-fire:
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// collectDue advances every due entry past now and returns the due keys and
// the time until the earliest remaining entry, or -1 when nothing is
// scheduled. Ticks missed while a process was stalled are skipped.
func (s *Scheduler) collectDue() ([]cache.Key, time.Duration) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []cache.Key
	var earliest time.Time
	for key, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, key)
			e.lastRun = now
			missed := now.Sub(e.next) / e.interval
			e.next = e.next.Add((missed + 1) * e.interval)
		}
		if earliest.IsZero() || e.next.Before(earliest) {
			earliest = e.next
		}
	}
	if earliest.IsZero() {
		return due, -1
	}
	return due, earliest.Sub(now)
}
