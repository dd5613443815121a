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

package health

import (
	"errors"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/clock"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/cache"
)

const (
	// DefaultFlapThreshold is the number of toggles within the window that
	// marks a monitor as flapping.
	DefaultFlapThreshold = 3

	// DefaultFlapWindowIntervals is the length of the flap window in check
	// intervals.
	DefaultFlapWindowIntervals = 5

	defaultInterval = time.Duration(monitoringv1.DefaultIntervalSeconds) * time.Second
)

// ErrStale is returned for results of a monitor that was deleted or
// recreated after the check started.
var ErrStale = errors.New("result belongs to a previous incarnation of the monitor")

// Config tunes flap detection.
type Config struct {
	FlapThreshold       int
	FlapWindowIntervals int
}

func (c Config) withDefaults() Config {
	if c.FlapThreshold < monitoringv1.MinFlapThreshold {
		c.FlapThreshold = DefaultFlapThreshold
	}
	if c.FlapWindowIntervals <= 0 {
		c.FlapWindowIntervals = DefaultFlapWindowIntervals
	}
	return c
}

// Transition is a logical state change of one monitor.
type Transition struct {
	Key    cache.Key
	From   monitoringv1.HealthState
	To     monitoringv1.HealthState
	Result monitoringv1.CheckResult
	At     time.Time
}

// Snapshot is a copy of the health of one monitor.
type Snapshot struct {
	State                monitoringv1.HealthState
	LastResult           *monitoringv1.CheckResult
	LastTransitionAt     time.Time
	ConsecutiveSameState int32
	Generation           uint64
}

// Status converts the snapshot to its API form.
func (s Snapshot) Status() *monitoringv1.HealthStatus {
	status := &monitoringv1.HealthStatus{
		State:                s.State,
		ConsecutiveSameState: s.ConsecutiveSameState,
	}
	if !s.LastTransitionAt.IsZero() {
		at := metav1.NewTime(s.LastTransitionAt)
		status.LastTransitionAt = &at
	}
	return status
}

type monitorHealth struct {
	mu sync.Mutex

	generation       uint64
	removed          bool
	interval         time.Duration
	state            monitoringv1.HealthState
	lastRaw          monitoringv1.ResultState
	lastResult       *monitoringv1.CheckResult
	consecutive      int32
	lastTransitionAt time.Time
	toggles          []time.Time
}

func (h *monitorHealth) snapshot() Snapshot {
	s := Snapshot{
		State:                h.state,
		LastTransitionAt:     h.lastTransitionAt,
		ConsecutiveSameState: h.consecutive,
		Generation:           h.generation,
	}
	if h.lastResult != nil {
		r := *h.lastResult
		s.LastResult = &r
	}
	return s
}

// Tracker holds the health of every known monitor. Updates of one monitor
// are serialized; different monitors are updated in parallel.
type Tracker struct {
	clock clock.Clock

	mu             sync.RWMutex
	config         Config
	monitors       map[cache.Key]*monitorHealth
	lastGeneration uint64
}

// NewTracker creates an empty tracker. A nil clock uses the real clock.
func NewTracker(clk clock.Clock, config Config) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{
		clock:    clk,
		config:   config.withDefaults(),
		monitors: make(map[cache.Key]*monitorHealth),
	}
}

// SetConfig changes flap detection for subsequent results.
func (t *Tracker) SetConfig(config Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = config.withDefaults()
}

// Config returns the effective flap detection settings.
func (t *Tracker) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.config
}

func (t *Tracker) lookup(key cache.Key) (*monitorHealth, Config, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.monitors[key]
	return h, t.config, ok
}

func (t *Tracker) getOrCreate(key cache.Key) *monitorHealth {
	if h, _, ok := t.lookup(key); ok {
		return h
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.monitors[key]; ok {
		return h
	}
	t.lastGeneration++
	h := &monitorHealth{
		generation:       t.lastGeneration,
		state:            monitoringv1.HealthPending,
		lastTransitionAt: t.clock.Now(),
	}
	t.monitors[key] = h
	return h
}

// Track makes key known with the given check interval and returns the
// generation results must carry. A paused monitor becomes pending again.
func (t *Tracker) Track(key cache.Key, interval time.Duration) (uint64, *Transition) {
	h := t.getOrCreate(key)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.interval = interval
	if h.state != monitoringv1.HealthPaused {
		return h.generation, nil
	}
	return h.generation, t.transition(key, h, monitoringv1.HealthPending, monitoringv1.CheckResult{})
}

// Pause marks key paused. Results are ignored until Track is called again.
func (t *Tracker) Pause(key cache.Key) *Transition {
	h := t.getOrCreate(key)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastRaw = ""
	h.lastResult = nil
	h.consecutive = 0
	h.toggles = nil
	if h.state == monitoringv1.HealthPaused {
		return nil
	}
	return t.transition(key, h, monitoringv1.HealthPaused, monitoringv1.CheckResult{})
}

// Forget drops key. Results still in flight for it become stale.
func (t *Tracker) Forget(key cache.Key) bool {
	t.mu.Lock()
	h, ok := t.monitors[key]
	delete(t.monitors, key)
	t.mu.Unlock()

	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = true
	return true
}

// Get returns the health of key.
func (t *Tracker) Get(key cache.Key) (Snapshot, bool) {
	h, _, ok := t.lookup(key)
	if !ok {
		return Snapshot{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot(), true
}

// Observe applies result to key. It returns the resulting transition, or nil
// when the logical state did not change. ErrStale is returned when key is
// unknown or generation does not match.
func (t *Tracker) Observe(key cache.Key, generation uint64, result monitoringv1.CheckResult) (*Transition, error) {
	h, config, ok := t.lookup(key)
	if !ok {
		return nil, ErrStale
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed || h.generation != generation {
		return nil, ErrStale
	}
	if h.state == monitoringv1.HealthPaused {
		return nil, nil
	}

	now := t.clock.Now()
	raw := result.State

	if h.lastRaw != "" && raw != h.lastRaw {
		h.toggles = append(h.toggles, now)
	}
	h.toggles = pruneToggles(h.toggles, now.Add(-flapWindow(h.interval, config)))

	if raw == h.lastRaw {
		h.consecutive++
	} else {
		h.consecutive = 1
	}
	h.lastRaw = raw
	stored := result
	h.lastResult = &stored

	next := monitoringv1.HealthState(raw)
	if len(h.toggles) >= config.FlapThreshold {
		next = monitoringv1.HealthFlapping
	}
	if next == h.state {
		return nil, nil
	}
	return t.transition(key, h, next, result), nil
}

func (t *Tracker) transition(key cache.Key, h *monitorHealth, to monitoringv1.HealthState, result monitoringv1.CheckResult) *Transition {
	now := t.clock.Now()
	tr := &Transition{Key: key, From: h.state, To: to, Result: result, At: now}
	h.state = to
	h.lastTransitionAt = now
	return tr
}

func flapWindow(interval time.Duration, config Config) time.Duration {
	if interval <= 0 {
		interval = defaultInterval
	}
	return interval * time.Duration(config.FlapWindowIntervals)
}

// pruneToggles drops toggles at or before cutoff.
func pruneToggles(toggles []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(toggles) && !toggles[i].After(cutoff) {
		i++
	}
	return toggles[i:]
}
