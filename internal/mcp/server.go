package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"deskcron/internal/core"
	"deskcron/internal/store"
)

const serverVersion = "1.0.0"

// MCPServer exposes task management to MCP clients. It shares the Manager
// with the HTTP API, so both surfaces apply the same rules.
type MCPServer struct {
	manager   *core.Manager
	scheduler *core.Scheduler
	logs      *store.LogStore
	logger    *slog.Logger
	now       func() time.Time
	srv       *server.MCPServer
}

// NewMCPServer creates the server and registers its tools. scheduler and logs
// may be nil; the tools that need them then report an error.
func NewMCPServer(manager *core.Manager, scheduler *core.Scheduler, logs *store.LogStore, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		manager:   manager,
		scheduler: scheduler,
		logs:      logs,
		logger:    logger,
		now:       time.Now,
	}
	s.srv = server.NewMCPServer(
		"deskcron",
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// ServeStdio serves MCP over r and w until ctx ends or the input closes.
func (s *MCPServer) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	s.logger.Info("mcp server starting on stdio")
	stdio := server.NewStdioServer(s.srv)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	err := stdio.Listen(ctx, r, w)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// HTTPHandler serves MCP over the streamable HTTP transport.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.srv)
}

func (s *MCPServer) registerTools() {
	draftOptions := []mcp.ToolOption{
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Task name"),
		),
		mcp.WithString("target_app",
			mcp.Required(),
			mcp.Description("Application the task drives, for example 'notepad'"),
		),
		mcp.WithArray("action_sequence",
			mcp.Required(),
			mcp.Description(`Ordered steps: {"action_type": "click", "action_params": {...}, "delay_after": "1s", "continue_on_error": true}. Call list_actions for the parameter names.`),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithObject("schedule",
			mcp.Required(),
			mcp.Description(`{"schedule_type": "once|daily|weekly|custom", "start_time": RFC 3339, "interval": "15m", "days_of_week": [0..6, 0 = Monday], "repeat_enabled": bool, "end_time": RFC 3339, "timezone": IANA name}`),
		),
		mcp.WithObject("execution_options",
			mcp.Description(`{"stop_on_first_error": bool, "default_delay_between_actions": "1s", "max_execution_time": "5m", "retry_failed_actions": bool}`),
		),
		mcp.WithBoolean("disabled",
			mcp.Description("Create or keep the task disabled"),
		),
	}

	s.srv.AddTool(mcp.NewTool("create_task",
		append([]mcp.ToolOption{mcp.WithDescription("Create a scheduled desktop automation task")}, draftOptions...)...,
	), s.handleCreateTask)

	s.srv.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List scheduled tasks"),
		mcp.WithString("status",
			mcp.Description("Only list tasks with this status"),
			mcp.Enum(string(core.TaskStatusPending), string(core.TaskStatusRunning), string(core.TaskStatusDisabled), string(core.TaskStatusCompleted)),
		),
	), s.handleListTasks)

	s.srv.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Show a task with its schedule and action sequence"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleGetTask)

	s.srv.AddTool(mcp.NewTool("update_task",
		append([]mcp.ToolOption{
			mcp.WithDescription("Replace a task's definition. The next execution is recomputed."),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		}, draftOptions...)...,
	), s.handleUpdateTask)

	s.srv.AddTool(mcp.NewTool("delete_task",
		mcp.WithDescription("Delete a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithDestructiveHintAnnotation(true),
	), s.handleDeleteTask)

	s.srv.AddTool(mcp.NewTool("run_task",
		mcp.WithDescription("Run a task now, regardless of its schedule"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleRunTask)

	s.srv.AddTool(mcp.NewTool("enable_task",
		mcp.WithDescription("Enable a disabled task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleEnableTask)

	s.srv.AddTool(mcp.NewTool("disable_task",
		mcp.WithDescription("Disable a task so it no longer runs on schedule"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
	), s.handleDisableTask)

	s.srv.AddTool(mcp.NewTool("preview_schedule",
		mcp.WithDescription("Validate a schedule and list its next execution times"),
		mcp.WithObject("schedule", mcp.Required(), mcp.Description("Schedule, same shape as in create_task")),
		mcp.WithNumber("count",
			mcp.Description("Number of times to list, default 5"),
			mcp.Min(1),
			mcp.Max(50),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handlePreviewSchedule)

	s.srv.AddTool(mcp.NewTool("list_actions",
		mcp.WithDescription("List the supported action types and their required parameters"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListActions)

	s.srv.AddTool(mcp.NewTool("list_logs",
		mcp.WithDescription("Show execution logs, newest first"),
		mcp.WithString("task_id", mcp.Description("Only logs of this task")),
		mcp.WithString("outcome",
			mcp.Description("Only successful or failed runs"),
			mcp.Enum("success", "failure"),
		),
		mcp.WithNumber("page", mcp.Description("Page number, default 1"), mcp.Min(1)),
		mcp.WithNumber("page_size", mcp.Description("Entries per page, default 20"), mcp.Min(1), mcp.Max(100)),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListLogs)

	s.srv.AddTool(mcp.NewTool("search_logs",
		mcp.WithDescription(`Full-text search over execution logs. Words are ANDed; use "quotes" for phrases.`),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum results, default 20"), mcp.Min(1), mcp.Max(100)),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleSearchLogs)

	s.srv.AddTool(mcp.NewTool("log_statistics",
		mcp.WithDescription("Summarize execution logs: success rate, durations, per-task results and error categories"),
		mcp.WithString("task_id", mcp.Description("Only logs of this task")),
		mcp.WithString("day", mcp.Description("Only runs on this day, YYYY-MM-DD")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleLogStatistics)

	s.srv.AddTool(mcp.NewTool("scheduler_status",
		mcp.WithDescription("Show scheduler counters and settings"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleSchedulerStatus)

	s.logger.Debug("mcp tools registered", "count", 14)
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	draft, err := draftFromArguments(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, err := s.manager.Create(ctx, draft)
	if err != nil {
		return s.toolError("create task", err), nil
	}
	return mcp.NewToolResultText("Task created\n" + formatTask(task)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := core.TaskStatus(mcp.ParseString(request, "status", ""))
	tasks, err := s.manager.List(ctx)
	if err != nil {
		return s.toolError("list tasks", err), nil
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	var b strings.Builder
	n := 0
	for _, t := range tasks {
		if status != "" && t.Status != status {
			continue
		}
		n++
		fmt.Fprintf(&b, "[%s] %s  %s\n", t.Status, t.ID, t.Name)
		fmt.Fprintf(&b, "  app: %s  schedule: %s  next: %s\n\n", t.TargetApp, describeSchedule(t.Schedule), formatTime(t.NextExecution))
	}
	if n == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Found %d tasks:\n\n%s", n, b.String())), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.manager.Get(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return s.toolError("load task", err), nil
	}
	var b strings.Builder
	b.WriteString(formatTask(task))
	fmt.Fprintf(&b, "Created: %s\n", formatTime(&task.CreatedAt))
	if task.LastExecuted != nil {
		fmt.Fprintf(&b, "Last executed: %s\n", formatTime(task.LastExecuted))
	}
	b.WriteString("Actions:\n")
	for i, step := range task.Actions {
		params, _ := json.Marshal(step.Action)
		fmt.Fprintf(&b, "  %d. %s %s (delay %s", i+1, step.Kind(), params, step.DelayAfter)
		if !step.ContinueOnError {
			b.WriteString(", stop on error")
		}
		b.WriteString(")\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	taskID := mcp.ParseString(request, "task_id", "")
	delete(args, "task_id")
	draft, err := draftFromArguments(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, err := s.manager.Update(ctx, taskID, draft)
	if err != nil {
		return s.toolError("update task", err), nil
	}
	return mcp.NewToolResultText("Task updated\n" + formatTask(task)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.manager.Delete(ctx, taskID); err != nil {
		return s.toolError("delete task", err), nil
	}
	return mcp.NewToolResultText("Task deleted: " + taskID), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.manager.RunNow(ctx, taskID); err != nil {
		return s.toolError("run task", err), nil
	}
	return mcp.NewToolResultText("Task queued: " + taskID + "\nUse list_logs to see the result."), nil
}

func (s *MCPServer) handleEnableTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.manager.Enable(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return s.toolError("enable task", err), nil
	}
	return mcp.NewToolResultText("Task enabled\n" + formatTask(task)), nil
}

func (s *MCPServer) handleDisableTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.manager.Disable(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return s.toolError("disable task", err), nil
	}
	return mcp.NewToolResultText("Task disabled\n" + formatTask(task)), nil
}

func (s *MCPServer) handlePreviewSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var schedule core.Schedule
	if err := decodeArgument(request.GetArguments(), "schedule", &schedule); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	times, err := core.PreviewSchedule(schedule, s.now(), count)
	if err != nil {
		return mcp.NewToolResultError("Invalid schedule: " + err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Schedule: %s\n", describeSchedule(schedule))
	if len(times) == 0 {
		b.WriteString("No upcoming executions\n")
	} else {
		b.WriteString("Upcoming executions:\n")
	}
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05 MST"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListActions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	for _, kind := range core.ActionKinds() {
		required, _ := core.RequiredParams(kind)
		fmt.Fprintf(&b, "%s: %s\n", kind, strings.Join(required, ", "))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.logs == nil {
		return mcp.NewToolResultError("Execution logs are not available"), nil
	}
	filter := store.LogFilter{TaskID: mcp.ParseString(request, "task_id", "")}
	switch mcp.ParseString(request, "outcome", "") {
	case "success":
		filter.Success = ptr(true)
	case "failure":
		filter.Success = ptr(false)
	}
	page := max(int(mcp.ParseFloat64(request, "page", 1)), 1)
	pageSize := int(mcp.ParseFloat64(request, "page_size", 20))

	logs, err := s.logs.Load(ctx, page, pageSize, filter)
	if err != nil {
		return s.toolError("load logs", err), nil
	}
	total, err := s.logs.Count(ctx, filter)
	if err != nil {
		return s.toolError("count logs", err), nil
	}
	if len(logs) == 0 {
		return mcp.NewToolResultText("No execution logs found"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Page %d, %d logs in total:\n\n%s", page, total, formatLogs(logs))), nil
}

func (s *MCPServer) handleSearchLogs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.logs == nil {
		return mcp.NewToolResultError("Execution logs are not available"), nil
	}
	query := mcp.ParseString(request, "query", "")
	limit := int(mcp.ParseFloat64(request, "limit", 20))
	logs, err := s.logs.Search(ctx, query, limit)
	if err != nil {
		return s.toolError("search logs", err), nil
	}
	if len(logs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No logs match %q", query)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Found %d logs:\n\n%s", len(logs), formatLogs(logs))), nil
}

func (s *MCPServer) handleLogStatistics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.logs == nil {
		return mcp.NewToolResultError("Execution logs are not available"), nil
	}
	filter := store.LogFilter{
		TaskID: mcp.ParseString(request, "task_id", ""),
		Day:    mcp.ParseString(request, "day", ""),
	}
	st, err := s.logs.Statistics(ctx, filter)
	if err != nil {
		return s.toolError("log statistics", err), nil
	}
	if st.Total == 0 {
		return mcp.NewToolResultText("No execution logs found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Executions: %d (succeeded %d, failed %d)\n", st.Total, st.Succeeded, st.Failed)
	fmt.Fprintf(&b, "Success rate: %.1f%%\n", st.SuccessRate)
	fmt.Fprintf(&b, "Duration: avg %s, min %s, max %s, p95 %s\n",
		st.AverageDuration.Std().Round(time.Millisecond), st.MinDuration, st.MaxDuration, st.P95Duration)

	names := make([]string, 0, len(st.Schedules))
	for name := range st.Schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteString("\nBy task:\n")
	for _, name := range names {
		sc := st.Schedules[name]
		fmt.Fprintf(&b, "- %s: %d runs, %.1f%% succeeded, avg %s\n",
			name, sc.Executions, sc.SuccessRate, sc.AverageDuration.Std().Round(time.Millisecond))
	}

	if len(st.Errors) > 0 {
		categories := make([]string, 0, len(st.Errors))
		for c := range st.Errors {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		b.WriteString("\nErrors:\n")
		for _, c := range categories {
			e := st.Errors[c]
			fmt.Fprintf(&b, "- %s: %d (%.1f%%), last %s\n", c, e.Count, e.Percentage, e.LastOccurrence.Format(time.DateTime))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleSchedulerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("Scheduler is not running"), nil
	}
	st := s.scheduler.Stats()
	var b strings.Builder
	state := "running"
	if st.Paused {
		state = "paused"
	}
	fmt.Fprintf(&b, "State: %s\n", state)
	fmt.Fprintf(&b, "Check frequency: %s\n", st.CheckFrequency)
	fmt.Fprintf(&b, "Workers: %d (in flight %d, queued %d)\n", st.Workers, st.InFlight, st.Queued)
	fmt.Fprintf(&b, "Runs: %d (succeeded %d, failed %d)\n", st.Runs, st.Succeeded, st.Failed)
	fmt.Fprintf(&b, "Last tick: %s\n", formatTime(st.LastTick))
	if st.PendingWrites > 0 {
		fmt.Fprintf(&b, "Pending state writes: %d\n", st.PendingWrites)
	}
	b.WriteString("Settings: " + s.scheduler.Settings().String() + "\n")
	return mcp.NewToolResultText(b.String()), nil
}

// toolError turns a domain error into a tool error result. Unexpected errors
// are logged and reported without internals.
func (s *MCPServer) toolError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return mcp.NewToolResultError("Not found: " + err.Error())
	case errors.Is(err, core.ErrValidation):
		return mcp.NewToolResultError("Invalid input: " + err.Error())
	case errors.Is(err, core.ErrAlreadyRunning):
		return mcp.NewToolResultError("Task is running: " + err.Error())
	case errors.Is(err, core.ErrQueueFull):
		return mcp.NewToolResultError("Scheduler is busy, try again later")
	default:
		s.logger.Error(op, "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s", op))
	}
}

// draftFromArguments decodes tool arguments into a TaskDraft. Object and array
// arguments may also arrive as JSON strings.
func draftFromArguments(args map[string]any) (core.TaskDraft, error) {
	fields := make(map[string]json.RawMessage, len(args))
	for key, value := range args {
		raw, err := rawArgument(value)
		if err != nil {
			return core.TaskDraft{}, fmt.Errorf("argument %s: %w", key, err)
		}
		fields[key] = raw
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return core.TaskDraft{}, err
	}
	var draft core.TaskDraft
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&draft); err != nil {
		return core.TaskDraft{}, fmt.Errorf("invalid task definition: %w", err)
	}
	return draft, nil
}

func decodeArgument(args map[string]any, key string, v any) error {
	value, ok := args[key]
	if !ok {
		return fmt.Errorf("missing argument %s", key)
	}
	raw, err := rawArgument(value)
	if err != nil {
		return fmt.Errorf("argument %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("argument %s: %w", key, err)
	}
	return nil
}

func rawArgument(value any) (json.RawMessage, error) {
	if str, ok := value.(string); ok {
		trimmed := strings.TrimSpace(str)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			if !json.Valid([]byte(trimmed)) {
				return nil, errors.New("malformed JSON")
			}
			return json.RawMessage(trimmed), nil
		}
	}
	return json.Marshal(value)
}

func formatTask(t *core.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\n", t.ID)
	fmt.Fprintf(&b, "Name: %s\n", t.Name)
	fmt.Fprintf(&b, "Status: %s\n", t.Status)
	fmt.Fprintf(&b, "Target app: %s\n", t.TargetApp)
	fmt.Fprintf(&b, "Schedule: %s\n", describeSchedule(t.Schedule))
	fmt.Fprintf(&b, "Next execution: %s\n", formatTime(t.NextExecution))
	return b.String()
}

var weekdayNames = [...]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

func describeSchedule(s core.Schedule) string {
	var b strings.Builder
	b.WriteString(string(s.Type))
	switch s.Type {
	case core.ScheduleCustom:
		if s.Interval != nil {
			fmt.Fprintf(&b, " every %s", s.Interval)
		}
	case core.ScheduleWeekly:
		days := make([]string, 0, len(s.DaysOfWeek))
		for _, d := range s.DaysOfWeek {
			if d >= 0 && d < len(weekdayNames) {
				days = append(days, weekdayNames[d])
			}
		}
		fmt.Fprintf(&b, " on %s", strings.Join(days, ","))
	}
	fmt.Fprintf(&b, " from %s", s.StartTime.Format("2006-01-02 15:04"))
	if s.EndTime != nil {
		fmt.Fprintf(&b, " until %s", s.EndTime.Format("2006-01-02 15:04"))
	}
	if s.Trigger != nil && s.Trigger.Enabled {
		fmt.Fprintf(&b, " when %s %q", s.Trigger.Type, s.Trigger.Value)
	}
	return b.String()
}

func formatLogs(logs []core.ExecutionLog) string {
	var b strings.Builder
	for _, l := range logs {
		outcome := "OK"
		if !l.Result.Success {
			outcome = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %s %s (%s, %s)\n", outcome, l.ExecutionTime.Format("2006-01-02 15:04:05"), l.ScheduleName, l.Duration, l.ID)
		fmt.Fprintf(&b, "  %s\n", l.Result.Message)
		if l.RetryCount > 0 {
			fmt.Fprintf(&b, "  retries: %d\n", l.RetryCount)
		}
	}
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func ptr[T any](v T) *T { return &v }
