package capability

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"deskcron/internal/core"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	return NewLocal(Options{AllowCommands: true, ScreenWidth: 1280, ScreenHeight: 720})
}

func mustSucceed(t *testing.T, res core.ExecutionResult) core.ExecutionResult {
	t.Helper()
	if !res.Success {
		t.Fatalf("%s failed: %s", res.Operation, res.Message)
	}
	return res
}

func mustFail(t *testing.T, res core.ExecutionResult) core.ExecutionResult {
	t.Helper()
	if res.Success {
		t.Fatalf("%s unexpectedly succeeded: %s", res.Operation, res.Message)
	}
	if res.Details["error_class"] == nil {
		t.Fatalf("%s failure has no error class", res.Operation)
	}
	return res
}

func TestWindowLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	mustFail(t, l.FocusWindow(ctx, core.FocusWindowParams{AppName: "notepad"}))
	mustSucceed(t, l.LaunchApp(ctx, core.LaunchAppParams{AppName: "Notepad"}))
	mustSucceed(t, l.LaunchApp(ctx, core.LaunchAppParams{AppName: "notepad"}))
	if n := len(l.State().Windows); n != 1 {
		t.Fatalf("relaunch opened %d windows", n)
	}

	mustSucceed(t, l.ResizeWindow(ctx, core.ResizeWindowParams{AppName: "notepad", Width: 400, Height: 300}))
	mustSucceed(t, l.MoveWindow(ctx, core.MoveWindowParams{AppName: "notepad", X: 100, Y: 50}))
	mustFail(t, l.ResizeWindow(ctx, core.ResizeWindowParams{AppName: "notepad", Width: 5000, Height: 300}))

	mustSucceed(t, l.MaximizeWindow(ctx, core.MaximizeWindowParams{AppName: "notepad"}))
	w := l.State().Windows[0]
	if w.State != StateMaximized || w.Width != 1280 || w.Height != 720 {
		t.Fatalf("maximized window = %+v", w)
	}
	mustSucceed(t, l.RestoreWindow(ctx, core.RestoreWindowParams{AppName: "notepad"}))
	w = l.State().Windows[0]
	if w.X != 100 || w.Y != 50 || w.Width != 400 || w.Height != 300 {
		t.Fatalf("restored geometry = %+v", w)
	}

	mustSucceed(t, l.MinimizeWindow(ctx, core.MinimizeWindowParams{AppName: "notepad"}))
	mustFail(t, l.TypeText(ctx, core.TypeTextParams{AppName: "notepad", Text: "hi", X: 1, Y: 1}))
	mustSucceed(t, l.SwitchApp(ctx, core.SwitchAppParams{AppName: "notepad"}))

	mustSucceed(t, l.CloseApp(ctx, core.CloseAppParams{AppName: "notepad"}))
	mustFail(t, l.CloseApp(ctx, core.CloseAppParams{AppName: "notepad"}))
}

func TestTypingKeysAndClipboard(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	mustSucceed(t, l.LaunchApp(ctx, core.LaunchAppParams{AppName: "editor"}))

	mustSucceed(t, l.TypeText(ctx, core.TypeTextParams{AppName: "editor", Text: "hello", X: 10, Y: 10}))
	mustSucceed(t, l.PressKey(ctx, core.PressKeyParams{Key: "Enter"}))
	mustSucceed(t, l.SendKeys(ctx, core.SendKeysParams{Keys: []string{"ctrl", "c"}}))
	if got := l.State().Clipboard; got != "hello\n" {
		t.Fatalf("clipboard = %q", got)
	}
	mustSucceed(t, l.ClipboardCopy(ctx, core.ClipboardCopyParams{Text: "world"}))
	mustSucceed(t, l.ClipboardPaste(ctx, core.ClipboardPasteParams{AppName: "editor", X: 10, Y: 10}))
	if got := l.State().Windows[0].Text; got != "hello\nworld" {
		t.Fatalf("text = %q", got)
	}
}

func TestPointerActions(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	mustSucceed(t, l.LaunchApp(ctx, core.LaunchAppParams{AppName: "browser"}))
	mustSucceed(t, l.MoveWindow(ctx, core.MoveWindowParams{AppName: "browser", X: 0, Y: 0}))

	res := mustSucceed(t, l.Click(ctx, core.ClickParams{X: 20, Y: 20}))
	if res.Target != "browser" || res.Details["button"] != "left" {
		t.Fatalf("click = %+v", res)
	}
	mustFail(t, l.Click(ctx, core.ClickParams{X: 5000, Y: 20}))
	mustSucceed(t, l.MoveMouse(ctx, core.MoveMouseParams{X: 300, Y: 200}))
	mustSucceed(t, l.Scroll(ctx, core.ScrollParams{AppName: "browser", X: 30, Y: 30, WheelTimes: 3}))
	mustSucceed(t, l.Scroll(ctx, core.ScrollParams{AppName: "browser", X: 30, Y: 30, Direction: "up"}))
	if got := l.State().Windows[0].Scroll; got != 2 {
		t.Fatalf("scroll = %d", got)
	}
	mustFail(t, l.Scroll(ctx, core.ScrollParams{AppName: "browser", X: 1200, Y: 700}))
	mustSucceed(t, l.Drag(ctx, core.DragParams{AppName: "browser", FromX: 10, FromY: 10, ToX: 200, ToY: 200}))
	s := l.State()
	if s.PointerX != 200 || s.PointerY != 200 {
		t.Fatalf("pointer = (%d,%d)", s.PointerX, s.PointerY)
	}
}

func TestSnapshotFeedsConditions(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	mustSucceed(t, l.LaunchApp(ctx, core.LaunchAppParams{AppName: "notepad"}))
	l.SetTitle("notepad", "Untitled - Notepad")
	now = now.Add(20 * time.Minute)

	snap, err := l.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	cases := []struct {
		trigger core.ConditionalTrigger
		want    bool
	}{
		{core.ConditionalTrigger{Type: core.ConditionWindowTitleContains, Value: "untitled", Enabled: true}, true},
		{core.ConditionalTrigger{Type: core.ConditionWindowExists, Value: "NOTEPAD", Enabled: true}, true},
		{core.ConditionalTrigger{Type: core.ConditionProcessRunning, Value: "chrome", Enabled: true}, false},
		{core.ConditionalTrigger{Type: core.ConditionSystemIdle, Value: "15", Enabled: true}, true},
		{core.ConditionalTrigger{Type: core.ConditionSystemIdle, Value: "30", Enabled: true}, false},
	}
	for _, tc := range cases {
		tr := tc.trigger
		if got := core.Evaluate(&tr, snap); got != tc.want {
			t.Errorf("%s %q = %v, want %v", tr.Type, tr.Value, got, tc.want)
		}
	}
}

func TestDesktopStateAndWait(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	mustSucceed(t, l.LaunchApp(ctx, core.LaunchAppParams{AppName: "a"}))
	mustSucceed(t, l.LaunchApp(ctx, core.LaunchAppParams{AppName: "b"}))
	res := mustSucceed(t, l.GetDesktopState(ctx, core.GetDesktopStateParams{UseVision: true}))
	state := res.Details["state"].(DesktopState)
	if len(state.Windows) != 2 || state.Focused != "b" {
		t.Fatalf("state = %+v", state)
	}

	mustSucceed(t, l.Wait(ctx, core.WaitParams{Duration: core.Duration(10 * time.Millisecond)}))
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	mustFail(t, l.Wait(cctx, core.WaitParams{Duration: core.Duration(time.Hour)}))
}

func TestCustomCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	ctx := context.Background()
	l := newTestLocal(t)

	res := mustSucceed(t, l.CustomCommand(ctx, core.CustomCommandParams{Command: "echo hello"}))
	if out := res.Details["output"].(string); strings.TrimSpace(out) != "hello" {
		t.Fatalf("output = %q", out)
	}
	res = mustFail(t, l.CustomCommand(ctx, core.CustomCommandParams{Command: "exit 3"}))
	if res.Details["exit_code"] != 3 {
		t.Fatalf("exit code = %v", res.Details["exit_code"])
	}
	res = mustFail(t, l.CustomCommand(ctx, core.CustomCommandParams{Command: "sleep 5", Timeout: core.Duration(100 * time.Millisecond)}))
	if res.Details["error_class"] != core.ErrorClassTimeout || !strings.HasPrefix(res.Message, "TimeoutError") {
		t.Fatalf("timeout result = %+v", res)
	}

	disabled := NewLocal(Options{})
	mustFail(t, disabled.CustomCommand(ctx, core.CustomCommandParams{Command: "echo hi"}))
}

func TestCustomCommandTruncatesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	l := NewLocal(Options{AllowCommands: true, OutputLimit: 4})
	res := mustSucceed(t, l.CustomCommand(context.Background(), core.CustomCommandParams{Command: "echo 123456789"}))
	if res.Details["output"] != "1234" || res.Details["output_truncated"] != true {
		t.Fatalf("details = %+v", res.Details)
	}
}

func TestCustomCommandImmediateTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	l := newTestLocal(t)
	for i := 0; i < 5; i++ {
		res := mustFail(t, l.CustomCommand(context.Background(), core.CustomCommandParams{Command: "sleep 5", Timeout: core.Duration(time.Nanosecond)}))
		if res.Details["error_class"] != core.ErrorClassTimeout {
			t.Fatalf("run %d: result = %+v", i, res)
		}
	}
}

func TestScrapeWebpage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, `<html><head><title>Status</title><style>p{}</style></head>
<body><p>All   systems</p><script>var x=1;</script><p>operational</p></body></html>`)
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "raw text")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	l := newTestLocal(t)
	res := mustSucceed(t, l.ScrapeWebpage(ctx, core.ScrapeWebpageParams{URL: srv.URL + "/page"}))
	if res.Details["title"] != "Status" || res.Details["content"] != "All systems operational" {
		t.Fatalf("details = %+v", res.Details)
	}
	res = mustSucceed(t, l.ScrapeWebpage(ctx, core.ScrapeWebpageParams{URL: srv.URL + "/plain"}))
	if res.Details["content"] != "raw text" {
		t.Fatalf("plain content = %v", res.Details["content"])
	}
	res = mustFail(t, l.ScrapeWebpage(ctx, core.ScrapeWebpageParams{URL: srv.URL + "/missing"}))
	if res.Details["status_code"] != http.StatusNotFound {
		t.Fatalf("status = %v", res.Details["status_code"])
	}
}

func TestLocalRunsSequence(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)
	steps := []core.ActionStep{
		core.NewActionStep(core.LaunchAppParams{AppName: "notepad"}),
		core.NewActionStep(core.TypeTextParams{AppName: "notepad", Text: "report", X: 5, Y: 5}),
		core.NewActionStep(core.SendKeysParams{Keys: []string{"ctrl", "s"}}),
	}
	exec := core.NewActionExecutor(nil)
	for _, step := range steps {
		step.DelayAfter = 0
		mustSucceed(t, exec.Execute(ctx, step, l))
	}
	if got := l.State().Windows[0].Text; got != "report" {
		t.Fatalf("text = %q", got)
	}
}
