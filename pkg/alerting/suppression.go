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

package alerting

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
	"github.com/yuptime/yuptime/pkg/cache"
)

// Window is a parsed maintenance window.
type Window struct {
	Start    time.Time
	Duration time.Duration

	// Recurrence is nil for a one-time window.
	Recurrence Recurrence
}

// Active reports whether now falls into an occurrence of the window.
func (w Window) Active(now time.Time) bool {
	if w.Duration <= 0 {
		return false
	}
	if w.Recurrence == nil {
		return !now.Before(w.Start) && now.Before(w.Start.Add(w.Duration))
	}
	// An occurrence o covers now iff now-duration < o <= now.
	occ := w.Recurrence.Next(now.Add(-w.Duration))
	return !occ.IsZero() && !occ.After(now)
}

// ParseWindow validates mw and returns its window.
func ParseWindow(mw *monitoringv1.MaintenanceWindow) (Window, error) {
	spec := mw.Spec
	if spec.Schedule.Start.IsZero() {
		return Window{}, fmt.Errorf("spec.schedule.start is required")
	}
	if spec.DurationMinutes <= 0 {
		return Window{}, fmt.Errorf("spec.durationMinutes must be positive, got %d", spec.DurationMinutes)
	}
	if spec.Selector.IsEmpty() {
		return Window{}, fmt.Errorf("spec.selector must set matchNamespaces or matchLabels")
	}

	loc := time.UTC
	if spec.Schedule.TimeZone != "" {
		var err error
		loc, err = time.LoadLocation(spec.Schedule.TimeZone)
		if err != nil {
			return Window{}, fmt.Errorf("invalid spec.schedule.timeZone %q: %w", spec.Schedule.TimeZone, err)
		}
	}

	w := Window{
		Start:    spec.Schedule.Start.Time.In(loc),
		Duration: time.Duration(spec.DurationMinutes) * time.Minute,
	}
	if spec.Schedule.Recurrence != "" {
		rec, err := ParseRecurrence(spec.Schedule.Recurrence, w.Start, loc)
		if err != nil {
			return Window{}, fmt.Errorf("invalid spec.schedule.recurrence: %w", err)
		}
		w.Recurrence = rec
	}
	return w, nil
}

// ValidateSilence checks that s can suppress anything at all.
func ValidateSilence(s *monitoringv1.Silence) error {
	if s.Spec.StartsAt.IsZero() || s.Spec.EndsAt.IsZero() {
		return fmt.Errorf("spec.startsAt and spec.endsAt are required")
	}
	if !s.Spec.EndsAt.After(s.Spec.StartsAt.Time) {
		return fmt.Errorf("spec.endsAt must be after spec.startsAt")
	}
	if s.Spec.Selector.IsEmpty() {
		return fmt.Errorf("spec.selector must set matchNamespaces or matchLabels")
	}
	return nil
}

// SilenceActive reports whether startsAt <= now < endsAt.
func SilenceActive(s *monitoringv1.Silence, now time.Time) bool {
	return !now.Before(s.Spec.StartsAt.Time) && now.Before(s.Spec.EndsAt.Time)
}

// Suppression names the rule that suppressed an alert.
type Suppression struct {
	Kind      monitoringv1.ResourceKind
	Namespace string
	Name      string
}

func (s Suppression) String() string {
	return fmt.Sprintf("%s %s/%s", s.Kind, s.Namespace, s.Name)
}

// Suppressor evaluates maintenance windows and silences held in the cache.
// Nothing is memoized; every call sees the rules as they are now.
type Suppressor struct {
	reader cache.Reader
	clock  clock.PassiveClock
}

// NewSuppressor creates a Suppressor reading rules from reader.
func NewSuppressor(reader cache.Reader, clk clock.PassiveClock) *Suppressor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Suppressor{reader: reader, clock: clk}
}

// Suppressed returns the first active rule selecting the monitor. Invalid
// rules never suppress.
func (s *Suppressor) Suppressed(namespace string, labels map[string]string) (Suppression, bool) {
	now := s.clock.Now()

	for _, obj := range s.reader.List(monitoringv1.KindMaintenanceWindow) {
		mw := obj.(*monitoringv1.MaintenanceWindow)
		if !mw.Spec.Selector.Matches(namespace, labels) {
			continue
		}
		w, err := ParseWindow(mw)
		if err != nil {
			klog.V(5).Info("Ignoring invalid maintenance window", "namespace", mw.Namespace, "name", mw.Name, "err", err)
			continue
		}
		if w.Active(now) {
			return Suppression{Kind: monitoringv1.KindMaintenanceWindow, Namespace: mw.Namespace, Name: mw.Name}, true
		}
	}

	for _, obj := range s.reader.List(monitoringv1.KindSilence) {
		silence := obj.(*monitoringv1.Silence)
		if !silence.Spec.Selector.Matches(namespace, labels) || ValidateSilence(silence) != nil {
			continue
		}
		if SilenceActive(silence, now) {
			return Suppression{Kind: monitoringv1.KindSilence, Namespace: silence.Namespace, Name: silence.Name}, true
		}
	}
	return Suppression{}, false
}
