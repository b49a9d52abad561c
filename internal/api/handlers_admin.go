package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"deskcron/internal/core"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "time": s.now().UTC()}
	if s.scheduler != nil {
		status["paused"] = s.scheduler.Paused()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	paths, err := s.store.ListBackups()
	if err != nil {
		s.writeDomainError(w, "list backups", err)
		return
	}
	files := make([]string, 0, len(paths))
	for _, p := range paths {
		files = append(files, filepath.Base(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": files})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	path, err := s.store.Backup(r.Context())
	if err != nil {
		s.writeDomainError(w, "create backup", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"file": filepath.Base(path)})
}

const restoreDrainTimeout = 30 * time.Second

type restoreRequest struct {
	File string `json:"file"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON payload")
		return
	}
	name := filepath.Base(req.File)
	if req.File == "" || name != req.File || name == "." || name == ".." {
		writeError(w, http.StatusBadRequest, "invalid_input", "file must be a backup file name")
		return
	}
	path := filepath.Join(s.store.BackupDir(), name)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "not_found", "backup not found")
		return
	}

	if s.scheduler != nil {
		ctx, cancel := context.WithTimeout(r.Context(), restoreDrainTimeout)
		resume, err := s.scheduler.Quiesce(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("restore refused, scheduler busy", "err", err)
			writeError(w, http.StatusServiceUnavailable, "busy", "tasks are still running, try again later")
			return
		}
		defer resume()
	}
	n, err := s.store.Restore(r.Context(), path)
	if err != nil {
		s.writeDomainError(w, "restore backup", err)
		return
	}
	s.logger.Info("tasks restored", "file", name, "tasks", n)
	writeJSON(w, http.StatusOK, map[string]any{"file": name, "restored": n})
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler is not running")
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler is not running")
		return
	}
	s.scheduler.Pause()
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler is not running")
		return
	}
	s.scheduler.Resume()
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

// settingsPayload is the JSON form of core.Settings. The check frequency is
// expressed in seconds, as in settings.yaml.
type settingsPayload struct {
	CheckFrequency       int  `json:"schedule_check_frequency"`
	NotificationsEnabled bool `json:"notifications_enabled"`
	LogRecordingEnabled  bool `json:"log_recording_enabled"`
	LogRetentionDays     int  `json:"log_retention_days"`
	MaxRetryAttempts     int  `json:"max_retry_attempts"`
}

func toSettingsPayload(st core.Settings) settingsPayload {
	return settingsPayload{
		CheckFrequency:       int(st.CheckFrequency / time.Second),
		NotificationsEnabled: st.NotificationsEnabled,
		LogRecordingEnabled:  st.LogRecordingEnabled,
		LogRetentionDays:     st.LogRetentionDays,
		MaxRetryAttempts:     st.MaxRetryAttempts,
	}
}

func (p settingsPayload) settings() core.Settings {
	return core.Settings{
		CheckFrequency:       time.Duration(p.CheckFrequency) * time.Second,
		NotificationsEnabled: p.NotificationsEnabled,
		LogRecordingEnabled:  p.LogRecordingEnabled,
		LogRetentionDays:     p.LogRetentionDays,
		MaxRetryAttempts:     p.MaxRetryAttempts,
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "settings are not configured")
		return
	}
	writeJSON(w, http.StatusOK, toSettingsPayload(s.settings.Current()))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "settings are not configured")
		return
	}
	payload := toSettingsPayload(s.settings.Current())
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON payload")
		return
	}
	if err := s.settings.Update(payload.settings()); err != nil {
		s.writeDomainError(w, "update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsPayload(s.settings.Current()))
}
