package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deskcron/internal/core"
)

// Error categories recorded for failed runs.
const (
	ErrorCategoryNetwork    = "network"
	ErrorCategoryTimeout    = "timeout"
	ErrorCategoryPermission = "permission"
	ErrorCategoryNotFound   = "not_found"
	ErrorCategoryOther      = "other"
)

// errorCategory buckets a failure message by the first keyword group it contains.
func errorCategory(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "network"), strings.Contains(m, "connection"):
		return ErrorCategoryNetwork
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"):
		return ErrorCategoryTimeout
	case strings.Contains(m, "permission"), strings.Contains(m, "access"):
		return ErrorCategoryPermission
	case strings.Contains(m, "not found"), strings.Contains(m, "missing"):
		return ErrorCategoryNotFound
	}
	return ErrorCategoryOther
}

// LogStatistics aggregates the execution logs matching a filter. Rates are
// percentages.
type LogStatistics struct {
	Total           int                           `json:"total_executions"`
	Succeeded       int                           `json:"successful_executions"`
	Failed          int                           `json:"failed_executions"`
	SuccessRate     float64                       `json:"success_rate"`
	AverageDuration core.Duration                 `json:"average_duration"`
	MinDuration     core.Duration                 `json:"min_duration"`
	MaxDuration     core.Duration                 `json:"max_duration"`
	P95Duration     core.Duration                 `json:"p95_duration"`
	Schedules       map[string]ScheduleStatistics `json:"schedule_stats"`
	Errors          map[string]ErrorStatistics    `json:"error_stats"`
	Daily           map[string]int                `json:"daily"`
	Hourly          map[int]int                   `json:"hourly"`
}

// ScheduleStatistics summarizes the runs of one schedule name.
type ScheduleStatistics struct {
	Executions      int           `json:"executions"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration core.Duration `json:"avg_duration"`
}

// ErrorStatistics summarizes the failures of one error category.
type ErrorStatistics struct {
	Count          int       `json:"count"`
	Percentage     float64   `json:"percentage"`
	LastOccurrence time.Time `json:"last_occurrence"`
}

// Statistics computes aggregates over the indexed logs matching filter.
func (s *LogStore) Statistics(ctx context.Context, filter LogFilter) (LogStatistics, error) {
	stats := LogStatistics{
		Schedules: make(map[string]ScheduleStatistics),
		Errors:    make(map[string]ErrorStatistics),
		Daily:     make(map[string]int),
		Hourly:    make(map[int]int),
	}
	where, args := filter.clause()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var avg float64
	var minNS, maxNS int64
	if err := s.index.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(success), 0), COALESCE(AVG(duration_ns), 0),
		       COALESCE(MIN(duration_ns), 0), COALESCE(MAX(duration_ns), 0)
		FROM log_index`+where, args...,
	).Scan(&stats.Total, &stats.Succeeded, &avg, &minNS, &maxNS); err != nil {
		return stats, fmt.Errorf("aggregate logs: %w", err)
	}
	if stats.Total == 0 {
		return stats, nil
	}
	stats.Failed = stats.Total - stats.Succeeded
	stats.SuccessRate = percent(stats.Succeeded, stats.Total)
	stats.AverageDuration = core.Duration(avg)
	stats.MinDuration = core.Duration(minNS)
	stats.MaxDuration = core.Duration(maxNS)

	p95 := min(stats.Total*95/100, stats.Total-1)
	var p95NS int64
	if err := s.index.QueryRowContext(ctx, `
		SELECT duration_ns FROM log_index`+where+`
		ORDER BY duration_ns LIMIT 1 OFFSET ?
	`, append(append([]any(nil), args...), p95)...).Scan(&p95NS); err != nil {
		return stats, fmt.Errorf("duration percentile: %w", err)
	}
	stats.P95Duration = core.Duration(p95NS)

	rows, err := s.index.QueryContext(ctx, `
		SELECT schedule_name, COUNT(1), SUM(success), AVG(duration_ns)
		FROM log_index`+where+` GROUP BY schedule_name`, args...)
	if err != nil {
		return stats, fmt.Errorf("aggregate schedules: %w", err)
	}
	for rows.Next() {
		var name string
		var n, succeeded int
		var avgNS float64
		if err := rows.Scan(&name, &n, &succeeded, &avgNS); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan schedule stats: %w", err)
		}
		stats.Schedules[name] = ScheduleStatistics{
			Executions:      n,
			SuccessRate:     percent(succeeded, n),
			AverageDuration: core.Duration(avgNS),
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	failedWhere := " WHERE success = 0"
	if where != "" {
		failedWhere = where + " AND success = 0"
	}
	rows, err = s.index.QueryContext(ctx, `
		SELECT error_category, COUNT(1), MAX(exec_ns)
		FROM log_index`+failedWhere+` GROUP BY error_category`, args...)
	if err != nil {
		return stats, fmt.Errorf("aggregate errors: %w", err)
	}
	for rows.Next() {
		var category string
		var n int
		var lastNS int64
		if err := rows.Scan(&category, &n, &lastNS); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan error stats: %w", err)
		}
		if category == "" {
			category = ErrorCategoryOther
		}
		e := stats.Errors[category]
		e.Count += n
		if last := time.Unix(0, lastNS).UTC(); last.After(e.LastOccurrence) {
			e.LastOccurrence = last
		}
		stats.Errors[category] = e
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}
	for category, e := range stats.Errors {
		e.Percentage = percent(e.Count, stats.Failed)
		stats.Errors[category] = e
	}

	if err := s.countBy(ctx, "day", where, args, func(key any, n int) {
		if day, ok := key.(string); ok {
			stats.Daily[day] = n
		}
	}); err != nil {
		return stats, err
	}
	if err := s.countBy(ctx, "hour", where, args, func(key any, n int) {
		if hour, ok := key.(int64); ok {
			stats.Hourly[int(hour)] = n
		}
	}); err != nil {
		return stats, err
	}
	return stats, nil
}

// countBy runs a COUNT grouped by column. The caller holds s.mu.
func (s *LogStore) countBy(ctx context.Context, column, where string, args []any, fn func(key any, n int)) error {
	rows, err := s.index.QueryContext(ctx,
		`SELECT `+column+`, COUNT(1) FROM log_index`+where+` GROUP BY `+column, args...)
	if err != nil {
		return fmt.Errorf("count logs by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key any
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s counts: %w", column, err)
		}
		if b, ok := key.([]byte); ok {
			key = string(b)
		}
		fn(key, n)
	}
	return rows.Err()
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
