package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"deskcron/internal/core"
	"deskcron/internal/store"
)

type logPageResponse struct {
	Logs     []core.ExecutionLog `json:"logs"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	Total    int                 `json:"total"`
}

// parseLogFilter reads schedule, task_id, success, day, from and to.
func parseLogFilter(r *http.Request) (store.LogFilter, error) {
	q := r.URL.Query()
	f := store.LogFilter{
		ScheduleName: q.Get("schedule"),
		TaskID:       q.Get("task_id"),
		Day:          q.Get("day"),
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("success must be true or false")
		}
		f.Success = &b
	}
	if f.Day != "" {
		if _, err := time.Parse(time.DateOnly, f.Day); err != nil {
			return f, fmt.Errorf("day must be YYYY-MM-DD")
		}
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s must be an RFC 3339 time", name)
			}
			*dst = t
		}
	}
	return f, nil
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	s.writeLogPage(w, r, filter)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.manager.Get(r.Context(), taskID); err != nil {
		s.writeDomainError(w, "load task", err)
		return
	}
	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	filter.TaskID = taskID
	s.writeLogPage(w, r, filter)
}

func (s *Server) writeLogPage(w http.ResponseWriter, r *http.Request, filter store.LogFilter) {
	page := max(parseIntDefault(r.URL.Query().Get("page"), 1), 1)
	pageSize := parseIntDefault(r.URL.Query().Get("page_size"), 50)
	logs, err := s.logs.Load(r.Context(), page, pageSize, filter)
	if err != nil {
		s.writeDomainError(w, "load logs", err)
		return
	}
	total, err := s.logs.Count(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, "count logs", err)
		return
	}
	if logs == nil {
		logs = []core.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, logPageResponse{Logs: logs, Page: page, PageSize: pageSize, Total: total})
}

func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	logs, err := s.logs.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeDomainError(w, "search logs", err)
		return
	}
	if logs == nil {
		logs = []core.ExecutionLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	stats, err := s.logs.Statistics(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, "log statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = store.FormatJSON
	}
	contentType := map[string]string{
		store.FormatJSON: "application/json",
		store.FormatCSV:  "text/csv; charset=utf-8",
		store.FormatText: "text/plain; charset=utf-8",
	}[format]
	if contentType == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "format must be json, csv or txt")
		return
	}
	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	logs, err := s.logs.All(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, "export logs", err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="deskcron-logs-%s.%s"`, s.now().UTC().Format("20060102-150405"), format))
	if err := store.WriteLogs(w, logs, format); err != nil {
		s.logger.Error("write log export", "err", err)
	}
}

func (s *Server) handleDeleteLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var cutoff time.Time
	switch {
	case q.Get("before") != "":
		t, err := time.Parse(time.RFC3339, q.Get("before"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "before must be an RFC 3339 time")
			return
		}
		cutoff = t
	case q.Get("older_than_days") != "":
		days, err := strconv.Atoi(q.Get("older_than_days"))
		if err != nil || days < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "older_than_days must be a non-negative integer")
			return
		}
		cutoff = s.now().AddDate(0, 0, -days)
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", "before or older_than_days is required")
		return
	}
	removed, err := s.logs.DeleteBefore(r.Context(), cutoff)
	if err != nil {
		s.writeDomainError(w, "delete logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "before": cutoff.UTC()})
}

func (s *Server) handleRotateLogs(w http.ResponseWriter, r *http.Request) {
	active, err := s.logs.Rotate()
	if err != nil {
		s.writeDomainError(w, "rotate logs", err)
		return
	}
	segments, err := s.logs.Segments()
	if err != nil {
		s.writeDomainError(w, "list segments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "segments": segments})
}

func (s *Server) handleReindexLogs(w http.ResponseWriter, r *http.Request) {
	n, err := s.logs.RebuildIndex(r.Context())
	if err != nil {
		s.writeDomainError(w, "rebuild log index", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": n})
}
