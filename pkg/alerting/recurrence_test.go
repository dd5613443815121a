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
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	monitoringv1 "github.com/yuptime/yuptime/apis/monitoring/v1"
)

func maintenanceWindow(name, start, recurrence string, minutes int32) *monitoringv1.MaintenanceWindow {
	t, err := time.Parse(time.RFC3339, start)
	if err != nil {
		panic(err)
	}
	return &monitoringv1.MaintenanceWindow{
		ObjectMeta: metav1.ObjectMeta{Namespace: "ops", Name: name},
		Spec: monitoringv1.MaintenanceWindowSpec{
			Schedule: monitoringv1.MaintenanceSchedule{
				Start:      metav1.NewTime(t),
				Recurrence: recurrence,
			},
			DurationMinutes: minutes,
			Selector:        monitoringv1.Selector{MatchNamespaces: []string{"prod"}},
		},
	}
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestWindowActive(t *testing.T) {
	tests := []struct {
		name       string
		start      string
		recurrence string
		minutes    int32
		active     []string
		inactive   []string
	}{
		{
			name:     "one-time",
			start:    "2025-01-01T02:00:00Z",
			minutes:  60,
			active:   []string{"2025-01-01T02:00:00Z", "2025-01-01T02:59:59Z"},
			inactive: []string{"2025-01-01T01:59:59Z", "2025-01-01T03:00:00Z", "2025-01-02T02:30:00Z"},
		},
		{
			name:       "daily",
			start:      "2025-01-01T02:00:00Z",
			recurrence: "FREQ=DAILY",
			minutes:    60,
			active:     []string{"2025-01-01T02:30:00Z", "2025-03-10T02:00:00Z", "2027-06-01T02:59:00Z"},
			inactive:   []string{"2024-12-31T02:30:00Z", "2025-03-10T03:00:00Z", "2025-03-10T01:59:00Z"},
		},
		{
			name:       "weekends",
			start:      "2025-01-06T00:00:00Z",
			recurrence: "RRULE:FREQ=WEEKLY;BYDAY=SA,SU",
			minutes:    24 * 60,
			active:     []string{"2025-01-11T12:00:00Z", "2025-01-12T23:59:00Z", "2025-06-08T08:00:00Z"},
			inactive:   []string{"2025-01-10T12:00:00Z", "2025-01-13T00:00:00Z", "2025-01-05T12:00:00Z"},
		},
		{
			name:       "every other hour",
			start:      "2025-01-01T00:00:00Z",
			recurrence: "FREQ=HOURLY;INTERVAL=2",
			minutes:    10,
			active:     []string{"2025-01-01T02:05:00Z", "2025-02-01T22:00:00Z"},
			inactive:   []string{"2025-01-01T01:05:00Z", "2025-01-01T02:10:00Z"},
		},
		{
			name:       "count limits occurrences",
			start:      "2025-01-01T02:00:00Z",
			recurrence: "FREQ=DAILY;COUNT=2",
			minutes:    60,
			active:     []string{"2025-01-01T02:30:00Z", "2025-01-02T02:30:00Z"},
			inactive:   []string{"2025-01-03T02:30:00Z"},
		},
		{
			name:       "until limits occurrences",
			start:      "2025-01-01T02:00:00Z",
			recurrence: "FREQ=DAILY;UNTIL=20250102T020000Z",
			minutes:    60,
			active:     []string{"2025-01-02T02:30:00Z"},
			inactive:   []string{"2025-01-03T02:30:00Z"},
		},
		{
			name:       "monthly skips short months",
			start:      "2025-01-31T00:00:00Z",
			recurrence: "FREQ=MONTHLY",
			minutes:    60,
			active:     []string{"2025-01-31T00:30:00Z", "2025-03-31T00:30:00Z"},
			inactive:   []string{"2025-02-28T00:30:00Z", "2025-03-03T00:30:00Z"},
		},
		{
			name:       "first monday of the month",
			start:      "2025-01-01T06:00:00Z",
			recurrence: "FREQ=MONTHLY;BYDAY=1MO",
			minutes:    60,
			active:     []string{"2025-01-06T06:30:00Z", "2025-02-03T06:00:00Z", "2025-03-03T06:59:00Z"},
			inactive:   []string{"2025-01-13T06:30:00Z", "2025-02-10T06:30:00Z", "2025-03-03T07:00:00Z"},
		},
		{
			name:       "cron",
			start:      "2025-01-01T00:00:00Z",
			recurrence: "cron:0 3 * * *",
			minutes:    30,
			active:     []string{"2025-01-01T03:00:00Z", "2025-05-05T03:29:00Z"},
			inactive:   []string{"2024-12-31T03:10:00Z", "2025-05-05T03:30:00Z", "2025-05-05T02:59:00Z"},
		},
		{
			name:       "cron never precedes the anchor",
			start:      "2025-01-10T12:00:00Z",
			recurrence: "cron:@daily",
			minutes:    60,
			active:     []string{"2025-01-11T00:30:00Z"},
			inactive:   []string{"2025-01-10T00:30:00Z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWindow(maintenanceWindow("mw", tt.start, tt.recurrence, tt.minutes))
			require.NoError(t, err)
			for _, s := range tt.active {
				assert.True(t, w.Active(at(s)), "expected active at %s", s)
			}
			for _, s := range tt.inactive {
				assert.False(t, w.Active(at(s)), "expected inactive at %s", s)
			}
		})
	}
}

func TestWindowTimeZone(t *testing.T) {
	mw := maintenanceWindow("mw", "2025-01-01T08:00:00Z", "FREQ=DAILY", 60)
	mw.Spec.Schedule.TimeZone = "Europe/Berlin"

	w, err := ParseWindow(mw)
	require.NoError(t, err)

	// 09:00 Berlin is 08:00 UTC in winter and 07:00 UTC in summer.
	assert.True(t, w.Active(at("2025-01-15T08:30:00Z")))
	assert.True(t, w.Active(at("2025-07-15T07:30:00Z")))
	assert.False(t, w.Active(at("2025-07-15T08:30:00Z")))
}

func TestParseWindowRejectsInvalidRules(t *testing.T) {
	tests := map[string]func(mw *monitoringv1.MaintenanceWindow){
		"secondly frequency": func(mw *monitoringv1.MaintenanceWindow) { mw.Spec.Schedule.Recurrence = "FREQ=SECONDLY" },
		"negative interval":  func(mw *monitoringv1.MaintenanceWindow) { mw.Spec.Schedule.Recurrence = "FREQ=DAILY;INTERVAL=-1" },
		"unknown part":       func(mw *monitoringv1.MaintenanceWindow) { mw.Spec.Schedule.Recurrence = "FREQ=DAILY;BYFOO=1" },
		"missing frequency":  func(mw *monitoringv1.MaintenanceWindow) { mw.Spec.Schedule.Recurrence = "INTERVAL=2" },
		"own dtstart": func(mw *monitoringv1.MaintenanceWindow) {
			mw.Spec.Schedule.Recurrence = "DTSTART:20240101T000000Z\nRRULE:FREQ=DAILY"
		},
		"count and until": func(mw *monitoringv1.MaintenanceWindow) {
			mw.Spec.Schedule.Recurrence = "FREQ=DAILY;COUNT=2;UNTIL=20250301"
		},
		"bad cron":          func(mw *monitoringv1.MaintenanceWindow) { mw.Spec.Schedule.Recurrence = "cron:every day" },
		"zero duration":     func(mw *monitoringv1.MaintenanceWindow) { mw.Spec.DurationMinutes = 0 },
		"empty selector":    func(mw *monitoringv1.MaintenanceWindow) { mw.Spec.Selector = monitoringv1.Selector{} },
		"missing start":     func(mw *monitoringv1.MaintenanceWindow) { mw.Spec.Schedule.Start = metav1.Time{} },
		"unknown time zone": func(mw *monitoringv1.MaintenanceWindow) { mw.Spec.Schedule.TimeZone = "Mars/Olympus" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			mw := maintenanceWindow("mw", "2025-01-01T00:00:00Z", "", 60)
			mutate(mw)
			_, err := ParseWindow(mw)
			assert.Error(t, err)
		})
	}
}

func TestRecurrenceUntilIsInclusive(t *testing.T) {
	r, err := ParseRecurrence("FREQ=HOURLY;UNTIL=20250101T230000Z", at("2025-01-01T00:00:00Z"), time.UTC)
	require.NoError(t, err)

	assert.Equal(t, at("2025-01-01T23:00:00Z"), r.Next(at("2025-01-01T22:30:00Z")))
	assert.True(t, r.Next(at("2025-01-01T23:00:00Z")).IsZero())
	assert.Equal(t, at("2025-01-01T00:00:00Z"), r.Next(at("2024-06-01T00:00:00Z")), "occurrences never precede the anchor")
}
