package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ConditionContext is a snapshot of the desktop taken once per evaluation.
type ConditionContext struct {
	WindowTitles []string      `json:"window_titles"`
	WindowApps   []string      `json:"window_apps"`
	Processes    []string      `json:"processes"`
	Now          time.Time     `json:"now"`
	Idle         time.Duration `json:"idle"`
}

// ContextProvider captures condition snapshots from the running desktop.
type ContextProvider interface {
	Snapshot(ctx context.Context) (ConditionContext, error)
}

// Validate rejects condition values that could never be evaluated.
func (t ConditionalTrigger) Validate() error {
	switch t.Type {
	case ConditionWindowTitleContains, ConditionWindowTitleEquals, ConditionWindowExists, ConditionProcessRunning:
		if strings.TrimSpace(t.Value) == "" {
			return invalid("condition_value", "must not be empty")
		}
	case ConditionTimeRange:
		if _, _, err := parseTimeRange(t.Value); err != nil {
			return invalid("condition_value", "%v", err)
		}
	case ConditionSystemIdle:
		if _, err := parseIdleMinutes(t.Value); err != nil {
			return invalid("condition_value", "%v", err)
		}
	default:
		return invalid("condition_type", "unknown condition type %q", t.Type)
	}
	return nil
}

// Evaluate reports whether trigger lets a due task run given snapshot c.
// A nil or disabled trigger always passes.
func Evaluate(trigger *ConditionalTrigger, c ConditionContext) bool {
	if trigger == nil || !trigger.Enabled {
		return true
	}
	value := trigger.Value
	switch trigger.Type {
	case ConditionWindowTitleContains:
		needle := strings.ToLower(value)
		for _, title := range c.WindowTitles {
			if strings.Contains(strings.ToLower(title), needle) {
				return true
			}
		}
		return false
	case ConditionWindowTitleEquals:
		for _, title := range c.WindowTitles {
			if strings.EqualFold(title, value) {
				return true
			}
		}
		return false
	case ConditionWindowExists:
		return containsFold(c.WindowApps, value)
	case ConditionProcessRunning:
		return containsFold(c.Processes, value)
	case ConditionTimeRange:
		start, end, err := parseTimeRange(value)
		if err != nil {
			return false
		}
		cur := c.Now.Hour()*60 + c.Now.Minute()
		if start <= end {
			return cur >= start && cur <= end
		}
		return cur >= start || cur <= end
	case ConditionSystemIdle:
		minutes, err := parseIdleMinutes(value)
		if err != nil {
			return false
		}
		return c.Idle >= time.Duration(minutes)*time.Minute
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// parseTimeRange parses "HH:MM-HH:MM" into minutes since midnight.
func parseTimeRange(value string) (int, int, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok {
		return 0, 0, fmt.Errorf("time range must look like HH:MM-HH:MM, got %q", value)
	}
	start, err := parseClock(from)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(to)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseIdleMinutes(value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("idle minutes must be a non-negative integer, got %q", value)
	}
	return n, nil
}
