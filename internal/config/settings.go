package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"deskcron/internal/core"
)

// settingsFile is the on-disk shape of the runtime settings.
type settingsFile struct {
	ScheduleCheckFrequency int  `yaml:"schedule_check_frequency"`
	NotificationsEnabled   bool `yaml:"notifications_enabled"`
	LogRecordingEnabled    bool `yaml:"log_recording_enabled"`
	LogRetentionDays       int  `yaml:"log_retention_days"`
	MaxRetryAttempts       int  `yaml:"max_retry_attempts"`
}

func toFile(s core.Settings) settingsFile {
	return settingsFile{
		ScheduleCheckFrequency: int(s.CheckFrequency / time.Second),
		NotificationsEnabled:   s.NotificationsEnabled,
		LogRecordingEnabled:    s.LogRecordingEnabled,
		LogRetentionDays:       s.LogRetentionDays,
		MaxRetryAttempts:       s.MaxRetryAttempts,
	}
}

func (f settingsFile) settings() core.Settings {
	return core.Settings{
		CheckFrequency:       time.Duration(f.ScheduleCheckFrequency) * time.Second,
		NotificationsEnabled: f.NotificationsEnabled,
		LogRecordingEnabled:  f.LogRecordingEnabled,
		LogRetentionDays:     f.LogRetentionDays,
		MaxRetryAttempts:     f.MaxRetryAttempts,
	}
}

// ParseSettings decodes YAML settings. Keys left out keep their defaults;
// unknown keys and out-of-range values are rejected.
func ParseSettings(data []byte) (core.Settings, error) {
	f := toFile(core.DefaultSettings())
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return core.Settings{}, fmt.Errorf("%w: settings: %w", core.ErrValidation, err)
	}
	s := f.settings()
	if err := s.Validate(); err != nil {
		return core.Settings{}, err
	}
	return s, nil
}

// LoadSettings reads the settings file, writing the defaults when it does not exist.
func LoadSettings(path string) (core.Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s := core.DefaultSettings()
		if err := SaveSettings(path, s); err != nil {
			return core.Settings{}, err
		}
		return s, nil
	}
	if err != nil {
		return core.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return ParseSettings(data)
}

// SaveSettings validates s and writes it to path atomically.
func SaveSettings(path string, s core.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(toFile(s))
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure settings dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

const (
	settingsDebounce   = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// SettingsWatcher reloads the settings file on change and publishes every
// accepted value on Updates. Invalid edits are logged and ignored, keeping
// the previous settings in effect.
type SettingsWatcher struct {
	path    string
	logger  *slog.Logger
	updates chan core.Settings

	mu      sync.RWMutex
	current core.Settings
}

// NewSettingsWatcher creates a watcher starting from the given settings.
func NewSettingsWatcher(path string, initial core.Settings, logger *slog.Logger) *SettingsWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsWatcher{
		path:    path,
		logger:  logger,
		updates: make(chan core.Settings, 1),
		current: initial,
	}
}

// Updates delivers accepted settings. Only the newest pending value is kept.
func (w *SettingsWatcher) Updates() <-chan core.Settings { return w.updates }

// Current returns the last accepted settings.
func (w *SettingsWatcher) Current() core.Settings {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Update validates s, writes it to the settings file and publishes it.
func (w *SettingsWatcher) Update(s core.Settings) error {
	if err := SaveSettings(w.path, s); err != nil {
		return err
	}
	w.commit(s)
	return nil
}

// Reload rereads the file and publishes the result when it changed.
func (w *SettingsWatcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	s, err := ParseSettings(data)
	if err != nil {
		return err
	}
	w.commit(s)
	return nil
}

func (w *SettingsWatcher) commit(s core.Settings) {
	w.mu.Lock()
	changed := s != w.current
	w.current = s
	w.mu.Unlock()
	if !changed {
		return
	}
	// Drop a stale pending value so the newest always fits.
	select {
	case <-w.updates:
	default:
	}
	select {
	case w.updates <- s:
	default:
	}
	w.logger.Info("settings updated", "settings", s.String())
}

// Watch follows the settings file until ctx ends. A broken fsnotify watcher
// is recreated with jittered exponential backoff.
func (w *SettingsWatcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(settingsDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn("settings rejected", "path", w.path, "err", err)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("settings watch init failed", "err", err, "dir", dir)
			if !wait() {
				return nil
			}
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			w.logger.Warn("settings watch add failed", "err", err, "dir", dir)
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		w.logger.Debug("settings watcher started", "path", w.path)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					w.logger.Warn("settings watch overflow, forcing reload", "dir", dir)
					debounce()
					continue
				}
				w.logger.Warn("settings watch error", "err", err, "dir", dir)
			}
		}
		fw.Close()
		w.logger.Warn("settings watcher stopped, restarting", "path", w.path)
		if !wait() {
			return nil
		}
	}
	return nil
}
