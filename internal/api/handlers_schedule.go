package api

import (
	"net/http"
	"time"

	"deskcron/internal/core"
)

type schedulePreviewRequest struct {
	Schedule core.Schedule `json:"schedule"`
	From     *time.Time    `json:"from,omitempty"`
	Count    int           `json:"count,omitempty"`
}

type schedulePreviewResponse struct {
	Valid     bool        `json:"valid"`
	NextTimes []time.Time `json:"next_times"`
	Message   string      `json:"message,omitempty"`
}

func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req schedulePreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, schedulePreviewResponse{Valid: false, NextTimes: []time.Time{}, Message: "invalid JSON payload"})
		return
	}
	from := s.now()
	if req.From != nil {
		from = *req.From
	}
	times, err := core.PreviewSchedule(req.Schedule, from, req.Count)
	if err != nil {
		writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: false, NextTimes: []time.Time{}, Message: err.Error()})
		return
	}
	if times == nil {
		times = []time.Time{}
	}
	writeJSON(w, http.StatusOK, schedulePreviewResponse{Valid: true, NextTimes: times})
}
