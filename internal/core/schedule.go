package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks that exactly the fields required by the schedule type are set.
func (s Schedule) Validate() error {
	if s.StartTime.IsZero() {
		return invalid("start_time", "must be set")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return invalid("timezone", "unknown time zone %q", s.Timezone)
		}
	}
	if s.EndTime != nil && !s.EndTime.After(s.StartTime) {
		return invalid("end_time", "must be after start_time")
	}
	switch s.Type {
	case ScheduleOnce, ScheduleDaily:
		if s.Interval != nil {
			return invalid("interval", "only allowed for custom schedules")
		}
		if len(s.DaysOfWeek) > 0 {
			return invalid("days_of_week", "only allowed for weekly schedules")
		}
	case ScheduleWeekly:
		if s.Interval != nil {
			return invalid("interval", "only allowed for custom schedules")
		}
		if len(s.DaysOfWeek) == 0 {
			return invalid("days_of_week", "required for weekly schedules")
		}
		seen := make(map[int]bool, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			if d < 0 || d > 6 {
				return invalid("days_of_week", "values must be 0-6 (0 = Monday), got %d", d)
			}
			if seen[d] {
				return invalid("days_of_week", "duplicate day %d", d)
			}
			seen[d] = true
		}
	case ScheduleCustom:
		if len(s.DaysOfWeek) > 0 {
			return invalid("days_of_week", "only allowed for weekly schedules")
		}
		if s.Interval == nil {
			return invalid("interval", "required for custom schedules")
		}
		if s.Interval.Std() < time.Second {
			return invalid("interval", "must be at least 1s, got %s", s.Interval)
		}
	default:
		return invalid("schedule_type", "unknown schedule type %q", s.Type)
	}
	if s.Trigger != nil {
		if err := s.Trigger.Validate(); err != nil {
			return prefixField("conditional_trigger", err)
		}
	}
	return nil
}

// NextExecution returns the first activation strictly after from, or nil when
// the schedule has none left. Daily and weekly activations follow the wall
// clock of the schedule's time zone (start_time's location when unset), so
// they stay at the same local time across DST changes.
func (s Schedule) NextExecution(from time.Time) *time.Time {
	if s.EndTime != nil && !from.Before(*s.EndTime) {
		return nil
	}
	var next time.Time
	switch s.Type {
	case ScheduleOnce:
		if !from.Before(s.StartTime) {
			return nil
		}
		next = s.StartTime
	case ScheduleDaily, ScheduleWeekly:
		spec, err := s.cronSpec()
		if err != nil {
			return nil
		}
		anchor := s.StartTime.Truncate(time.Second)
		base := from
		if from.Before(anchor) {
			base = anchor.Add(-time.Nanosecond)
		}
		next = spec.Next(base.In(s.location()))
		if next.IsZero() {
			return nil
		}
	case ScheduleCustom:
		if s.Interval == nil || *s.Interval <= 0 {
			return nil
		}
		if from.Before(s.StartTime) {
			next = s.StartTime
			break
		}
		step := s.Interval.Std()
		n := from.Sub(s.StartTime) / step
		next = s.StartTime.Add((n + 1) * step)
	default:
		return nil
	}
	if s.EndTime != nil && next.After(*s.EndTime) {
		return nil
	}
	return &next
}

// Preview lists up to count upcoming activations after from.
func (s Schedule) Preview(from time.Time, count int) []time.Time {
	if count <= 0 {
		return nil
	}
	out := make([]time.Time, 0, count)
	cursor := from
	for len(out) < count {
		next := s.NextExecution(cursor)
		if next == nil {
			break
		}
		out = append(out, *next)
		cursor = *next
	}
	return out
}

// cronSpec builds the second-precision cron schedule for daily and weekly types.
// days_of_week counts from Monday = 0 while cron counts from Sunday = 0.
func (s Schedule) cronSpec() (cron.Schedule, error) {
	t := s.StartTime.In(s.location())
	dow := "*"
	if s.Type == ScheduleWeekly {
		if len(s.DaysOfWeek) == 0 {
			return nil, fmt.Errorf("weekly schedule without days")
		}
		parts := make([]string, 0, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			parts = append(parts, strconv.Itoa((d+1)%7))
		}
		dow = strings.Join(parts, ",")
	}
	expr := fmt.Sprintf("%d %d %d * * %s", t.Second(), t.Minute(), t.Hour(), dow)
	return specParser.Parse(expr)
}

func (s Schedule) location() *time.Location {
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}
	return s.StartTime.Location()
}
