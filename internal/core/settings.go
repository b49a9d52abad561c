package core

import (
	"fmt"
	"time"
)

// Settings are the runtime options the scheduler applies at each tick.
type Settings struct {
	CheckFrequency       time.Duration
	NotificationsEnabled bool
	LogRecordingEnabled  bool
	LogRetentionDays     int
	MaxRetryAttempts     int
}

// AllowedCheckFrequencies lists the tick intervals the scheduler accepts.
var AllowedCheckFrequencies = []time.Duration{
	time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	time.Minute,
}

// DefaultSettings returns the settings used before any file is loaded.
func DefaultSettings() Settings {
	return Settings{
		CheckFrequency:       time.Second,
		NotificationsEnabled: true,
		LogRecordingEnabled:  true,
		LogRetentionDays:     30,
		MaxRetryAttempts:     3,
	}
}

func (s Settings) Validate() error {
	allowed := false
	for _, f := range AllowedCheckFrequencies {
		if s.CheckFrequency == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return invalid("schedule_check_frequency", "must be one of 1, 5, 10, 30 or 60 seconds, got %s", s.CheckFrequency)
	}
	if s.LogRetentionDays < 0 {
		return invalid("log_retention_days", "must be >= 0, got %d", s.LogRetentionDays)
	}
	if s.MaxRetryAttempts < 0 || s.MaxRetryAttempts > 10 {
		return invalid("max_retry_attempts", "must be between 0 and 10, got %d", s.MaxRetryAttempts)
	}
	return nil
}

func (s Settings) String() string {
	return fmt.Sprintf("check=%s notify=%t record=%t retention=%dd retries=%d",
		s.CheckFrequency, s.NotificationsEnabled, s.LogRecordingEnabled, s.LogRetentionDays, s.MaxRetryAttempts)
}
