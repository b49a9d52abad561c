package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"deskcron/internal/core"
)

type taskListResponse struct {
	Tasks []*core.Task `json:"tasks"`
	Count int          `json:"count"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var draft core.TaskDraft
	if err := decodeJSON(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	task, err := s.manager.Create(r.Context(), draft)
	if err != nil {
		s.writeDomainError(w, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter core.TaskStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		statusFilter = core.TaskStatus(status)
		if !statusFilter.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "status must be pending, running, disabled or completed")
			return
		}
	}
	tasks, err := s.manager.List(r.Context())
	if err != nil {
		s.writeDomainError(w, "list tasks", err)
		return
	}
	out := make([]*core.Task, 0, len(tasks))
	for _, t := range tasks {
		if statusFilter == "" || t.Status == statusFilter {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	writeJSON(w, http.StatusOK, taskListResponse{Tasks: out, Count: len(out)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.manager.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeDomainError(w, "load task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var draft core.TaskDraft
	if err := decodeJSON(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	task, err := s.manager.Update(r.Context(), chi.URLParam(r, "taskID"), draft)
	if err != nil {
		s.writeDomainError(w, "update task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.writeDomainError(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.manager.RunNow(r.Context(), taskID); err != nil {
		s.writeDomainError(w, "start task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "queued"})
}

func (s *Server) handleEnableTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.manager.Enable(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeDomainError(w, "enable task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDisableTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.manager.Disable(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeDomainError(w, "disable task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type actionInfo struct {
	Kind     core.ActionKind `json:"action_type"`
	Required []string        `json:"required_params"`
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	kinds := core.ActionKinds()
	out := make([]actionInfo, 0, len(kinds))
	for _, k := range kinds {
		required, _ := core.RequiredParams(k)
		out = append(out, actionInfo{Kind: k, Required: required})
	}
	writeJSON(w, http.StatusOK, out)
}
