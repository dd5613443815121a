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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

// CronPrefix marks a recurrence written as a cron expression instead of an
// RRULE.
const CronPrefix = "cron:"

// Recurrence yields the start times of a repeating window.
type Recurrence interface {
	// Next returns the first occurrence strictly after t, or the zero time
	// when there is none.
	Next(t time.Time) time.Time
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseRecurrence parses rule anchored at start in loc. Occurrences never
// precede start. Supported are "cron:<expr>" with a five field expression or
// a descriptor such as @daily, and RFC 5545 RRULEs with a frequency of
// MINUTELY or coarser. The anchor is start; a DTSTART inside the rule is
// rejected.
func ParseRecurrence(rule string, start time.Time, loc *time.Location) (Recurrence, error) {
	if loc == nil {
		loc = time.UTC
	}
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil, fmt.Errorf("empty recurrence")
	}

	if expr, ok := strings.CutPrefix(rule, CronPrefix); ok {
		schedule, err := cronParser.Parse(strings.TrimSpace(expr))
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return &cronRecurrence{schedule: schedule, start: start, loc: loc}, nil
	}
	return parseRRule(rule, start.In(loc))
}

type cronRecurrence struct {
	schedule cron.Schedule
	start    time.Time
	loc      *time.Location
}

func (c *cronRecurrence) Next(t time.Time) time.Time {
	// cron schedules return activations strictly after their argument.
	if floor := c.start.Add(-time.Nanosecond); t.Before(floor) {
		t = floor
	}
	return c.schedule.Next(t.In(c.loc))
}

type rruleRecurrence struct {
	rule *rrule.RRule
}

func parseRRule(rule string, start time.Time) (*rruleRecurrence, error) {
	opt, err := rrule.StrToROptionInLocation(rule, start.Location())
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence %q: %w", rule, err)
	}
	switch {
	case !opt.Dtstart.IsZero():
		return nil, errors.New("DTSTART is taken from schedule.start and must not be part of the recurrence")
	case opt.Freq == rrule.SECONDLY:
		return nil, errors.New("FREQ=SECONDLY is not supported")
	case opt.Interval < 0:
		return nil, fmt.Errorf("invalid INTERVAL %d", opt.Interval)
	case opt.Count < 0:
		return nil, fmt.Errorf("invalid COUNT %d", opt.Count)
	case opt.Count > 0 && !opt.Until.IsZero():
		return nil, errors.New("COUNT and UNTIL are mutually exclusive")
	}

	opt.Dtstart = start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence %q: %w", rule, err)
	}
	return &rruleRecurrence{rule: r}, nil
}

func (r *rruleRecurrence) Next(t time.Time) time.Time {
	return r.rule.After(t, false)
}
