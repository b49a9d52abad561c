package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deskcron/internal/capability"
	"deskcron/internal/config"
	"deskcron/internal/core"
	"deskcron/internal/store"
)

type testEnv struct {
	server    *Server
	store     *store.Store
	logs      *store.LogStore
	scheduler *core.Scheduler
	settings  *config.SettingsWatcher
	handler   http.Handler
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(ctx, dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	logs, err := store.OpenLogStore(ctx, filepath.Join(dir, "logs"), 0, logger)
	if err != nil {
		t.Fatalf("OpenLogStore: %v", err)
	}
	t.Cleanup(func() { logs.Close() })

	local := capability.NewLocal(capability.Options{Logger: logger})
	runner := core.NewSequenceRunner(local, logs, logger)
	// Not started: manual runs stay queued, which keeps their locks held.
	sched := core.NewScheduler(st, logs, runner, logger, core.SchedulerOptions{Workers: 1, QueueSize: 4})
	settings := config.NewSettingsWatcher(filepath.Join(dir, "settings.yaml"), core.DefaultSettings(), logger)

	srv := NewServer(Options{
		AuthToken: token,
		Manager:   core.NewManager(st, sched, logger),
		Scheduler: sched,
		Store:     st,
		Logs:      logs,
		Settings:  settings,
		Logger:    logger,
	})
	srv.now = func() time.Time { return time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC) }
	return &testEnv{server: srv, store: st, logs: logs, scheduler: sched, settings: settings, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const notepadDraft = `{
	"name": "Morning notes",
	"target_app": "notepad",
	"action_sequence": [
		{"action_type": "launch_app", "action_params": {"app_name": "notepad"}, "delay_after": "0s"},
		{"action_type": "type_text", "action_params": {"app_name": "notepad", "text": "good morning", "x": 10, "y": 10}}
	],
	"schedule": {"schedule_type": "daily", "start_time": "2030-01-02T09:00:00Z", "repeat_enabled": true}
}`

func createTask(t *testing.T, e *testEnv) core.Task {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/tasks", notepadDraft)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[core.Task](t, rec)
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, "secret")
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "ok" || body["paused"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t, "secret")
	if rec := e.do(t, http.MethodGet, "/v1/tasks", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/v1/tasks?token=wrong", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/v1/tasks?token=secret", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer status = %d", rec.Code)
	}
}

func TestTaskLifecycle(t *testing.T) {
	e := newTestEnv(t, "")
	task := createTask(t, e)
	if task.ID == "" || task.Status != core.TaskStatusPending {
		t.Fatalf("created task = %+v", task)
	}
	if len(task.Actions) != 2 || task.Actions[0].ID == "" {
		t.Fatalf("actions = %+v", task.Actions)
	}
	if task.NextExecution == nil || !task.NextExecution.Equal(time.Date(2030, 1, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("next_execution = %v", task.NextExecution)
	}

	rec := e.do(t, http.MethodGet, "/v1/tasks/"+task.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	list := decodeBody[taskListResponse](t, e.do(t, http.MethodGet, "/v1/tasks?status=pending", nil))
	if list.Count != 1 || list.Tasks[0].ID != task.ID {
		t.Fatalf("list = %+v", list)
	}
	list = decodeBody[taskListResponse](t, e.do(t, http.MethodGet, "/v1/tasks?status=disabled", nil))
	if list.Count != 0 {
		t.Fatalf("disabled list = %+v", list)
	}
	if rec := e.do(t, http.MethodGet, "/v1/tasks?status=sleeping", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", rec.Code)
	}

	disabled := decodeBody[core.Task](t, e.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/disable", nil))
	if disabled.Status != core.TaskStatusDisabled {
		t.Fatalf("status after disable = %s", disabled.Status)
	}
	enabled := decodeBody[core.Task](t, e.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/enable", nil))
	if enabled.Status != core.TaskStatusPending || enabled.NextExecution == nil {
		t.Fatalf("after enable = %+v", enabled)
	}

	updated := strings.Replace(notepadDraft, "Morning notes", "Evening notes", 1)
	rec = e.do(t, http.MethodPut, "/v1/tasks/"+task.ID, updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[core.Task](t, rec); got.Name != "Evening notes" || got.ID != task.ID {
		t.Fatalf("updated = %+v", got)
	}

	if rec := e.do(t, http.MethodDelete, "/v1/tasks/"+task.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/v1/tasks/"+task.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rec.Code)
	}
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	e := newTestEnv(t, "")
	cases := map[string]string{
		"malformed":     `{"name":`,
		"unknown field": `{"name":"x","target_app":"notepad","colour":"red"}`,
		"unknown action": `{"name":"x","target_app":"notepad","action_sequence":[{"action_type":"teleport","action_params":{}}],
			"schedule":{"schedule_type":"once","start_time":"2030-01-02T09:00:00Z"}}`,
		"empty name": strings.Replace(notepadDraft, "Morning notes", "", 1),
		"weekly without days": `{"name":"x","target_app":"notepad","action_sequence":[{"action_type":"wait","action_params":{"duration":"1s"}}],
			"schedule":{"schedule_type":"weekly","start_time":"2030-01-02T09:00:00Z","repeat_enabled":true}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/tasks", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRunTaskConflictsWhileQueued(t *testing.T) {
	e := newTestEnv(t, "")
	task := createTask(t, e)

	if rec := e.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/run", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("run status = %d body %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(t, http.MethodPost, "/v1/tasks/"+task.ID+"/run", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second run status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodDelete, "/v1/tasks/"+task.ID, nil); rec.Code != http.StatusConflict {
		t.Fatalf("delete while queued = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/v1/tasks/missing/run", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("run missing = %d", rec.Code)
	}

	stats := decodeBody[core.Stats](t, e.do(t, http.MethodGet, "/v1/scheduler", nil))
	if stats.Queued != 1 {
		t.Fatalf("queued = %d", stats.Queued)
	}
}

func TestListActions(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, http.MethodGet, "/v1/actions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"scrape_webpage"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestSchedulePreview(t *testing.T) {
	e := newTestEnv(t, "")
	rec := e.do(t, http.MethodPost, "/v1/schedule/preview", map[string]any{
		"schedule": map[string]any{
			"schedule_type":  "weekly",
			"start_time":     "2030-01-01T09:30:00Z",
			"days_of_week":   []int{0, 2},
			"repeat_enabled": true,
		},
		"count": 3,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody[schedulePreviewResponse](t, rec)
	if !got.Valid || len(got.NextTimes) != 3 {
		t.Fatalf("preview = %+v", got)
	}
	for _, ts := range got.NextTimes {
		if wd := ts.Weekday(); wd != time.Monday && wd != time.Wednesday {
			t.Fatalf("unexpected weekday %s in %v", wd, got.NextTimes)
		}
	}

	rec = e.do(t, http.MethodPost, "/v1/schedule/preview", map[string]any{
		"schedule": map[string]any{"schedule_type": "custom", "start_time": "2030-01-01T09:30:00Z", "repeat_enabled": true},
	})
	got = decodeBody[schedulePreviewResponse](t, rec)
	if got.Valid || got.Message == "" || len(got.NextTimes) != 0 {
		t.Fatalf("invalid preview = %+v", got)
	}
}

func saveLog(t *testing.T, e *testEnv, id, taskID, name string, success bool, at time.Time, message string) {
	t.Helper()
	err := e.logs.Save(context.Background(), &core.ExecutionLog{
		ID:            id,
		TaskID:        taskID,
		ScheduleName:  name,
		ExecutionTime: at,
		Result: core.ExecutionResult{
			Success:   success,
			Message:   message,
			Timestamp: at,
			Operation: "execute_sequence",
			Target:    "notepad",
		},
		Duration: core.Duration(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("Save log: %v", err)
	}
}

func TestLogsEndpoints(t *testing.T) {
	e := newTestEnv(t, "")
	task := createTask(t, e)
	day := time.Date(2029, 12, 20, 9, 0, 0, 0, time.UTC)
	saveLog(t, e, "log-1", task.ID, task.Name, true, day, "Sequence completed")
	saveLog(t, e, "log-2", task.ID, task.Name, false, day.Add(time.Hour), "Window not found: notepad")
	saveLog(t, e, "log-3", "other", "Backup", true, day.AddDate(0, 0, 5), "Sequence completed")

	page := decodeBody[logPageResponse](t, e.do(t, http.MethodGet, "/v1/logs?page_size=2", nil))
	if page.Total != 3 || len(page.Logs) != 2 || page.Logs[0].ID != "log-3" {
		t.Fatalf("page = %+v", page)
	}
	page = decodeBody[logPageResponse](t, e.do(t, http.MethodGet, "/v1/logs?success=false", nil))
	if page.Total != 1 || page.Logs[0].ID != "log-2" {
		t.Fatalf("failures = %+v", page)
	}
	page = decodeBody[logPageResponse](t, e.do(t, http.MethodGet, "/v1/logs?day=2029-12-20", nil))
	if page.Total != 2 {
		t.Fatalf("day filter = %+v", page)
	}
	if rec := e.do(t, http.MethodGet, "/v1/logs?success=maybe", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad success filter = %d", rec.Code)
	}

	page = decodeBody[logPageResponse](t, e.do(t, http.MethodGet, "/v1/tasks/"+task.ID+"/logs", nil))
	if page.Total != 2 {
		t.Fatalf("task logs = %+v", page)
	}

	search := decodeBody[map[string]any](t, e.do(t, http.MethodGet, "/v1/logs/search?q=window", nil))
	if search["count"] != float64(1) {
		t.Fatalf("search = %v", search)
	}

	stats := decodeBody[store.LogStatistics](t, e.do(t, http.MethodGet, "/v1/logs/stats", nil))
	if stats.Total != 3 || stats.Succeeded != 2 || stats.Errors[store.ErrorCategoryNotFound].Count != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	stats = decodeBody[store.LogStatistics](t, e.do(t, http.MethodGet, "/v1/logs/stats?task_id="+task.ID, nil))
	if stats.Total != 2 || len(stats.Schedules) != 1 || stats.Schedules[task.Name].SuccessRate != 50 {
		t.Fatalf("task stats = %+v", stats)
	}
	if rec := e.do(t, http.MethodGet, "/v1/logs/stats?day=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad day filter = %d", rec.Code)
	}

	rec := e.do(t, http.MethodGet, "/v1/logs/export?format=csv", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("export status = %d type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), ".csv") {
		t.Fatalf("disposition = %q", rec.Header().Get("Content-Disposition"))
	}
	if lines := strings.Count(strings.TrimSpace(rec.Body.String()), "\n"); lines != 3 {
		t.Fatalf("csv has %d data lines:\n%s", lines, rec.Body.String())
	}
	if rec := e.do(t, http.MethodGet, "/v1/logs/export?format=xml", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad format = %d", rec.Code)
	}

	rec = e.do(t, http.MethodDelete, "/v1/logs?before=2029-12-22T00:00:00Z", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[map[string]any](t, rec); got["removed"] != float64(2) {
		t.Fatalf("delete = %v", got)
	}
	if rec := e.do(t, http.MethodDelete, "/v1/logs", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("delete without cutoff = %d", rec.Code)
	}

	if rec := e.do(t, http.MethodPost, "/v1/logs/rotate", nil); rec.Code != http.StatusOK {
		t.Fatalf("rotate = %d", rec.Code)
	}
	reindex := decodeBody[map[string]int](t, e.do(t, http.MethodPost, "/v1/logs/reindex", nil))
	if reindex["indexed"] != 1 {
		t.Fatalf("reindex = %v", reindex)
	}
}

func TestBackupAndRestore(t *testing.T) {
	e := newTestEnv(t, "")
	task := createTask(t, e)

	rec := e.do(t, http.MethodPost, "/v1/backup", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("backup status = %d body %s", rec.Code, rec.Body.String())
	}
	file := decodeBody[map[string]string](t, rec)["file"]

	list := decodeBody[map[string][]string](t, e.do(t, http.MethodGet, "/v1/backups", nil))
	if len(list["backups"]) != 1 || list["backups"][0] != file {
		t.Fatalf("backups = %v, want %s", list, file)
	}

	if rec := e.do(t, http.MethodDelete, "/v1/tasks/"+task.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/v1/restore", restoreRequest{File: file})
	if rec.Code != http.StatusOK {
		t.Fatalf("restore status = %d body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[map[string]any](t, rec); got["restored"] != float64(1) {
		t.Fatalf("restore = %v", got)
	}
	if rec := e.do(t, http.MethodGet, "/v1/tasks/"+task.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("restored task missing: %d", rec.Code)
	}
	if e.scheduler.Paused() {
		t.Fatalf("scheduler left paused after restore")
	}

	if rec := e.do(t, http.MethodPost, "/v1/restore", restoreRequest{File: "../tasks.sqlite"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("traversal = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/v1/restore", restoreRequest{File: "missing.sqlite"}); rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", rec.Code)
	}
}

func TestPauseResume(t *testing.T) {
	e := newTestEnv(t, "")
	stats := decodeBody[core.Stats](t, e.do(t, http.MethodPost, "/v1/scheduler/pause", nil))
	if !stats.Paused || !e.scheduler.Paused() {
		t.Fatalf("pause = %+v", stats)
	}
	stats = decodeBody[core.Stats](t, e.do(t, http.MethodPost, "/v1/scheduler/resume", nil))
	if stats.Paused {
		t.Fatalf("resume = %+v", stats)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	e := newTestEnv(t, "")
	got := decodeBody[settingsPayload](t, e.do(t, http.MethodGet, "/v1/settings", nil))
	if got != toSettingsPayload(core.DefaultSettings()) {
		t.Fatalf("settings = %+v", got)
	}

	rec := e.do(t, http.MethodPut, "/v1/settings", `{"schedule_check_frequency": 30, "max_retry_attempts": 2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d body %s", rec.Code, rec.Body.String())
	}
	got = decodeBody[settingsPayload](t, rec)
	if got.CheckFrequency != 30 || got.MaxRetryAttempts != 2 || got.LogRetentionDays != core.DefaultSettings().LogRetentionDays {
		t.Fatalf("updated = %+v", got)
	}
	select {
	case s := <-e.settings.Updates():
		if s.CheckFrequency != 30*time.Second {
			t.Fatalf("published = %v", s)
		}
	default:
		t.Fatalf("no settings update published")
	}

	if rec := e.do(t, http.MethodPut, "/v1/settings", `{"schedule_check_frequency": 7}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid frequency = %d", rec.Code)
	}
	if e.settings.Current().CheckFrequency != 30*time.Second {
		t.Fatalf("invalid update was applied")
	}
}
