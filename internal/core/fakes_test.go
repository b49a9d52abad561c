package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// fakeCapability succeeds unless onCall says otherwise. Steps built with
// keyStep("fail...") fail by default.
type fakeCapability struct {
	mu     sync.Mutex
	calls  []Action
	onCall func(ctx context.Context, a Action) ExecutionResult
}

func (f *fakeCapability) call(ctx context.Context, a Action) ExecutionResult {
	f.mu.Lock()
	f.calls = append(f.calls, a)
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, a)
	}
	if p, ok := a.(PressKeyParams); ok && strings.HasPrefix(p.Key, "fail") {
		return FailureResult(string(a.Kind()), a.Target(), "key rejected: "+p.Key, nil)
	}
	return SuccessResult(string(a.Kind()), a.Target(), "ok")
}

func (f *fakeCapability) Calls() []Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Action(nil), f.calls...)
}

func (f *fakeCapability) LaunchApp(ctx context.Context, p LaunchAppParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) CloseApp(ctx context.Context, p CloseAppParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) SwitchApp(ctx context.Context, p SwitchAppParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) ResizeWindow(ctx context.Context, p ResizeWindowParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) MoveWindow(ctx context.Context, p MoveWindowParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) MinimizeWindow(ctx context.Context, p MinimizeWindowParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) MaximizeWindow(ctx context.Context, p MaximizeWindowParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) RestoreWindow(ctx context.Context, p RestoreWindowParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) FocusWindow(ctx context.Context, p FocusWindowParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) Click(ctx context.Context, p ClickParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) Drag(ctx context.Context, p DragParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) MoveMouse(ctx context.Context, p MoveMouseParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) Scroll(ctx context.Context, p ScrollParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) TypeText(ctx context.Context, p TypeTextParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) SendKeys(ctx context.Context, p SendKeysParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) PressKey(ctx context.Context, p PressKeyParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) ClipboardCopy(ctx context.Context, p ClipboardCopyParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) ClipboardPaste(ctx context.Context, p ClipboardPasteParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) GetDesktopState(ctx context.Context, p GetDesktopStateParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) Wait(ctx context.Context, p WaitParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) ScrapeWebpage(ctx context.Context, p ScrapeWebpageParams) ExecutionResult {
	return f.call(ctx, p)
}
func (f *fakeCapability) CustomCommand(ctx context.Context, p CustomCommandParams) ExecutionResult {
	return f.call(ctx, p)
}

func keyStep(key string) ActionStep {
	step := NewActionStep(PressKeyParams{Key: key})
	step.DelayAfter = 0
	return step
}

type memTaskStore struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	failLoads   int
	failUpdates int
	updates     []RunState
}

func newMemTaskStore(tasks ...*Task) *memTaskStore {
	s := &memTaskStore{tasks: make(map[string]*Task)}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

var errDiskGone = errors.New("disk gone")

func (s *memTaskStore) Load(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memTaskStore) LoadAll(context.Context) ([]*Task, error) {
	return s.load(func(*Task) bool { return true })
}

func (s *memTaskStore) LoadDue(_ context.Context, now time.Time) ([]*Task, error) {
	return s.load(func(t *Task) bool { return t.IsDue(now) })
}

func (s *memTaskStore) load(keep func(*Task) bool) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLoads > 0 {
		s.failLoads--
		return nil, errDiskGone
	}
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !keep(t) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memTaskStore) UpdateRunState(_ context.Context, id string, state RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdates > 0 {
		s.failUpdates--
		return errDiskGone
	}
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = state.Status
	t.LastExecuted = state.LastExecuted
	t.NextExecution = state.NextExecution
	s.updates = append(s.updates, state)
	return nil
}

func (s *memTaskStore) Save(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *memTaskStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memTaskStore) get(t *testing.T, id string) Task {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		t.Fatalf("task %s not in store", id)
	}
	return *task
}

type memLogStore struct {
	mu        sync.Mutex
	logs      []ExecutionLog
	failSaves int
	deletes   []time.Time
}

func (s *memLogStore) Save(_ context.Context, log *ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return errDiskGone
	}
	s.logs = append(s.logs, *log)
	return nil
}

func (s *memLogStore) DeleteBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, before)
	kept := s.logs[:0]
	removed := 0
	for _, l := range s.logs {
		if l.ExecutionTime.Before(before) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return removed, nil
}

func (s *memLogStore) all() []ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecutionLog(nil), s.logs...)
}

type staticProbe struct {
	snapshot ConditionContext
	err      error
}

func (p staticProbe) Snapshot(context.Context) (ConditionContext, error) {
	return p.snapshot, p.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Send(_ context.Context, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

func newTestRunner(capability Capability, logs LogStore, clk *fakeClock) *SequenceRunner {
	r := NewSequenceRunner(capability, logs, discardLogger())
	r.clock = clk
	r.executor.clock = clk
	return r
}

var testStart = time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)

func onceTask(t *testing.T, at time.Time, steps ...ActionStep) *Task {
	t.Helper()
	task, err := NewTask("once", "notepad", steps, Schedule{Type: ScheduleOnce, StartTime: at}, DefaultExecutionOptions(), at.Add(-time.Minute))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	return task
}
