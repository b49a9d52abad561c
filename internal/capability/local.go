// Package capability provides a headless desktop capability provider.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"deskcron/internal/core"
)

// Window states.
const (
	StateNormal    = "normal"
	StateMinimized = "minimized"
	StateMaximized = "maximized"
)

const (
	defaultScreenWidth  = 1920
	defaultScreenHeight = 1080
	defaultWindowWidth  = 800
	defaultWindowHeight = 600
	defaultOutputLimit  = 64 << 10
	defaultScrapeLimit  = 1 << 20
)

// Window is one application window of the modelled desktop.
type Window struct {
	App    string `json:"app"`
	Title  string `json:"title"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	State  string `json:"state"`
	Text   string `json:"text,omitempty"`
	Scroll int    `json:"scroll"`

	restore [4]int
}

func (w *Window) contains(x, y int) bool {
	return w.State != StateMinimized && x >= w.X && x < w.X+w.Width && y >= w.Y && y < w.Y+w.Height
}

// Options configures a Local provider.
type Options struct {
	Logger        *slog.Logger
	HTTPClient    *http.Client
	ScreenWidth   int
	ScreenHeight  int
	AllowCommands bool
	OutputLimit   int
	ScrapeLimit   int
}

// Local models a desktop in memory: running applications with one window
// each, a pointer, a clipboard and the last input time. Window actions
// change the model; custom_command, scrape_webpage and wait do real work.
type Local struct {
	mu        sync.Mutex
	windows   map[string]*Window
	order     []string // z-order, topmost last
	pointerX  int
	pointerY  int
	clipboard string
	keys      []string
	lastInput time.Time

	screenW       int
	screenH       int
	allowCommands bool
	outputLimit   int
	scrapeLimit   int
	http          *http.Client
	logger        *slog.Logger
	now           func() time.Time
}

// NewLocal creates a provider with an empty desktop.
func NewLocal(opts Options) *Local {
	l := &Local{
		windows:       make(map[string]*Window),
		screenW:       opts.ScreenWidth,
		screenH:       opts.ScreenHeight,
		allowCommands: opts.AllowCommands,
		outputLimit:   opts.OutputLimit,
		scrapeLimit:   opts.ScrapeLimit,
		http:          opts.HTTPClient,
		logger:        opts.Logger,
		now:           time.Now,
	}
	if l.screenW <= 0 {
		l.screenW = defaultScreenWidth
	}
	if l.screenH <= 0 {
		l.screenH = defaultScreenHeight
	}
	if l.outputLimit <= 0 {
		l.outputLimit = defaultOutputLimit
	}
	if l.scrapeLimit <= 0 {
		l.scrapeLimit = defaultScrapeLimit
	}
	if l.http == nil {
		l.http = &http.Client{Timeout: 30 * time.Second}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.lastInput = l.now()
	return l
}

var _ core.Capability = (*Local)(nil)
var _ core.ContextProvider = (*Local)(nil)

func key(app string) string { return strings.ToLower(strings.TrimSpace(app)) }

// touch records user-like input for idle tracking.
func (l *Local) touch() {
	l.lastInput = l.now()
}

func (l *Local) ok(op, target, message string, details map[string]any) core.ExecutionResult {
	return core.ExecutionResult{
		Success:   true,
		Message:   message,
		Timestamp: l.now().UTC(),
		Operation: op,
		Target:    target,
		Details:   details,
	}
}

func (l *Local) fail(op, target, message string, details map[string]any) core.ExecutionResult {
	if details == nil {
		details = map[string]any{}
	}
	if _, ok := details["error_class"]; !ok {
		details["error_class"] = core.ErrorClassCapability
		message = "CapabilityError: " + message
	}
	res := core.FailureResult(op, target, message, details)
	res.Timestamp = l.now().UTC()
	return res
}

// window returns the window of app. The caller holds l.mu.
func (l *Local) window(app string) (*Window, bool) {
	w, ok := l.windows[key(app)]
	return w, ok
}

func (l *Local) raise(app string) {
	k := key(app)
	for i, name := range l.order {
		if name == k {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.order = append(l.order, k)
}

func (l *Local) focused() *Window {
	for i := len(l.order) - 1; i >= 0; i-- {
		if w := l.windows[l.order[i]]; w.State != StateMinimized {
			return w
		}
	}
	return nil
}

func (l *Local) onScreen(x, y int) bool {
	return x >= 0 && y >= 0 && x < l.screenW && y < l.screenH
}

func (l *Local) windowOp(op, app string, fn func(w *Window) (string, error)) core.ExecutionResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.window(app)
	if !ok {
		return l.fail(op, app, fmt.Sprintf("window not found: %s", app), nil)
	}
	msg, err := fn(w)
	if err != nil {
		return l.fail(op, app, err.Error(), nil)
	}
	l.touch()
	return l.ok(op, app, msg, map[string]any{"window": *w})
}

func (l *Local) LaunchApp(_ context.Context, p core.LaunchAppParams) core.ExecutionResult {
	op := string(core.ActionLaunchApp)
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.window(p.AppName); ok {
		if w.State == StateMinimized {
			w.State = StateNormal
		}
		l.raise(p.AppName)
		return l.ok(op, p.AppName, fmt.Sprintf("%s already running", p.AppName), map[string]any{"window": *w})
	}
	offset := 30 * len(l.windows)
	w := &Window{
		App:    strings.TrimSpace(p.AppName),
		Title:  strings.TrimSpace(p.AppName),
		X:      offset % (l.screenW / 2),
		Y:      offset % (l.screenH / 2),
		Width:  min(defaultWindowWidth, l.screenW),
		Height: min(defaultWindowHeight, l.screenH),
		State:  StateNormal,
	}
	l.windows[key(p.AppName)] = w
	l.raise(p.AppName)
	l.touch()
	l.logger.Debug("app launched", "app", w.App)
	return l.ok(op, p.AppName, fmt.Sprintf("launched %s", w.App), map[string]any{"window": *w})
}

func (l *Local) CloseApp(_ context.Context, p core.CloseAppParams) core.ExecutionResult {
	op := string(core.ActionCloseApp)
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(p.AppName)
	if _, ok := l.windows[k]; !ok {
		return l.fail(op, p.AppName, fmt.Sprintf("application not running: %s", p.AppName), nil)
	}
	delete(l.windows, k)
	for i, name := range l.order {
		if name == k {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.touch()
	return l.ok(op, p.AppName, fmt.Sprintf("closed %s", p.AppName), nil)
}

func (l *Local) SwitchApp(_ context.Context, p core.SwitchAppParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionSwitchApp), p.AppName, func(w *Window) (string, error) {
		if w.State == StateMinimized {
			w.State = StateNormal
		}
		l.raise(w.App)
		return fmt.Sprintf("switched to %s", w.App), nil
	})
}

func (l *Local) FocusWindow(_ context.Context, p core.FocusWindowParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionFocusWindow), p.AppName, func(w *Window) (string, error) {
		if w.State == StateMinimized {
			return "", fmt.Errorf("window is minimized: %s", w.App)
		}
		l.raise(w.App)
		return fmt.Sprintf("focused %s", w.App), nil
	})
}

func (l *Local) ResizeWindow(_ context.Context, p core.ResizeWindowParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionResizeWindow), p.AppName, func(w *Window) (string, error) {
		if p.Width > l.screenW || p.Height > l.screenH {
			return "", fmt.Errorf("size %dx%d exceeds screen %dx%d", p.Width, p.Height, l.screenW, l.screenH)
		}
		w.State = StateNormal
		w.Width, w.Height = p.Width, p.Height
		return fmt.Sprintf("resized %s to %dx%d", w.App, p.Width, p.Height), nil
	})
}

func (l *Local) MoveWindow(_ context.Context, p core.MoveWindowParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionMoveWindow), p.AppName, func(w *Window) (string, error) {
		if !l.onScreen(p.X, p.Y) {
			return "", fmt.Errorf("position (%d,%d) is off screen", p.X, p.Y)
		}
		w.State = StateNormal
		w.X, w.Y = p.X, p.Y
		return fmt.Sprintf("moved %s to (%d,%d)", w.App, p.X, p.Y), nil
	})
}

func (l *Local) MinimizeWindow(_ context.Context, p core.MinimizeWindowParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionMinimizeWindow), p.AppName, func(w *Window) (string, error) {
		w.State = StateMinimized
		return fmt.Sprintf("minimized %s", w.App), nil
	})
}

func (l *Local) MaximizeWindow(_ context.Context, p core.MaximizeWindowParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionMaximizeWindow), p.AppName, func(w *Window) (string, error) {
		if w.State != StateMaximized {
			w.restore = [4]int{w.X, w.Y, w.Width, w.Height}
		}
		w.State = StateMaximized
		w.X, w.Y, w.Width, w.Height = 0, 0, l.screenW, l.screenH
		l.raise(w.App)
		return fmt.Sprintf("maximized %s", w.App), nil
	})
}

func (l *Local) RestoreWindow(_ context.Context, p core.RestoreWindowParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionRestoreWindow), p.AppName, func(w *Window) (string, error) {
		if w.State == StateMaximized && w.restore[2] > 0 {
			w.X, w.Y, w.Width, w.Height = w.restore[0], w.restore[1], w.restore[2], w.restore[3]
		}
		w.State = StateNormal
		l.raise(w.App)
		return fmt.Sprintf("restored %s", w.App), nil
	})
}

func (l *Local) Click(_ context.Context, p core.ClickParams) core.ExecutionResult {
	op := string(core.ActionClick)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.onScreen(p.X, p.Y) {
		return l.fail(op, "", fmt.Sprintf("point (%d,%d) is off screen", p.X, p.Y), nil)
	}
	l.pointerX, l.pointerY = p.X, p.Y
	button := p.Button
	if button == "" {
		button = "left"
	}
	details := map[string]any{"x": p.X, "y": p.Y, "button": button, "double": p.Double}
	target := ""
	if w := l.windowAt(p.X, p.Y); w != nil {
		l.raise(w.App)
		target = w.App
		details["window"] = w.App
	}
	l.touch()
	return l.ok(op, target, fmt.Sprintf("%s click at (%d,%d)", button, p.X, p.Y), details)
}

// windowAt returns the topmost visible window containing the point.
func (l *Local) windowAt(x, y int) *Window {
	for i := len(l.order) - 1; i >= 0; i-- {
		if w := l.windows[l.order[i]]; w.contains(x, y) {
			return w
		}
	}
	return nil
}

func (l *Local) Drag(_ context.Context, p core.DragParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionDrag), p.AppName, func(w *Window) (string, error) {
		if !l.onScreen(p.FromX, p.FromY) || !l.onScreen(p.ToX, p.ToY) {
			return "", fmt.Errorf("drag (%d,%d)->(%d,%d) leaves the screen", p.FromX, p.FromY, p.ToX, p.ToY)
		}
		if !w.contains(p.FromX, p.FromY) {
			return "", fmt.Errorf("drag start (%d,%d) is outside %s", p.FromX, p.FromY, w.App)
		}
		l.pointerX, l.pointerY = p.ToX, p.ToY
		l.raise(w.App)
		return fmt.Sprintf("dragged (%d,%d) to (%d,%d)", p.FromX, p.FromY, p.ToX, p.ToY), nil
	})
}

func (l *Local) MoveMouse(_ context.Context, p core.MoveMouseParams) core.ExecutionResult {
	op := string(core.ActionMoveMouse)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.onScreen(p.X, p.Y) {
		return l.fail(op, "", fmt.Sprintf("point (%d,%d) is off screen", p.X, p.Y), nil)
	}
	l.pointerX, l.pointerY = p.X, p.Y
	l.touch()
	return l.ok(op, "", fmt.Sprintf("moved pointer to (%d,%d)", p.X, p.Y), nil)
}

func (l *Local) Scroll(_ context.Context, p core.ScrollParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionScroll), p.AppName, func(w *Window) (string, error) {
		if !w.contains(p.X, p.Y) {
			return "", fmt.Errorf("point (%d,%d) is outside %s", p.X, p.Y, w.App)
		}
		direction := p.Direction
		if direction == "" {
			direction = "down"
		}
		times := p.WheelTimes
		if times == 0 {
			times = 1
		}
		switch direction {
		case "down", "right":
			w.Scroll += times
		default:
			w.Scroll = max(w.Scroll-times, 0)
		}
		l.pointerX, l.pointerY = p.X, p.Y
		return fmt.Sprintf("scrolled %s %d times", direction, times), nil
	})
}

func (l *Local) TypeText(_ context.Context, p core.TypeTextParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionTypeText), p.AppName, func(w *Window) (string, error) {
		if w.State == StateMinimized {
			return "", fmt.Errorf("window is minimized: %s", w.App)
		}
		l.pointerX, l.pointerY = p.X, p.Y
		w.Text += p.Text
		l.raise(w.App)
		return fmt.Sprintf("typed %d characters", len([]rune(p.Text))), nil
	})
}

func (l *Local) SendKeys(_ context.Context, p core.SendKeysParams) core.ExecutionResult {
	op := string(core.ActionSendKeys)
	combo := strings.ToLower(strings.Join(p.Keys, "+"))
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.focused()
	target := ""
	if w != nil {
		target = w.App
		switch combo {
		case "ctrl+c":
			l.clipboard = w.Text
		case "ctrl+v":
			w.Text += l.clipboard
		case "ctrl+a+delete", "ctrl+a+backspace":
			w.Text = ""
		}
	}
	l.keys = append(l.keys, combo)
	l.touch()
	return l.ok(op, target, fmt.Sprintf("sent %s", combo), map[string]any{"keys": p.Keys})
}

func (l *Local) PressKey(_ context.Context, p core.PressKeyParams) core.ExecutionResult {
	op := string(core.ActionPressKey)
	k := strings.ToLower(p.Key)
	l.mu.Lock()
	defer l.mu.Unlock()
	target := ""
	if w := l.focused(); w != nil {
		target = w.App
		switch k {
		case "enter", "return":
			w.Text += "\n"
		case "tab":
			w.Text += "\t"
		case "backspace":
			if r := []rune(w.Text); len(r) > 0 {
				w.Text = string(r[:len(r)-1])
			}
		}
	}
	l.keys = append(l.keys, k)
	l.touch()
	return l.ok(op, target, fmt.Sprintf("pressed %s", k), nil)
}

func (l *Local) ClipboardCopy(_ context.Context, p core.ClipboardCopyParams) core.ExecutionResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clipboard = p.Text
	return l.ok(string(core.ActionClipboardCopy), "", fmt.Sprintf("copied %d characters", len([]rune(p.Text))), nil)
}

func (l *Local) ClipboardPaste(_ context.Context, p core.ClipboardPasteParams) core.ExecutionResult {
	return l.windowOp(string(core.ActionClipboardPaste), p.AppName, func(w *Window) (string, error) {
		if l.clipboard == "" {
			return "", fmt.Errorf("clipboard is empty")
		}
		l.pointerX, l.pointerY = p.X, p.Y
		w.Text += l.clipboard
		l.raise(w.App)
		return fmt.Sprintf("pasted %d characters", len([]rune(l.clipboard))), nil
	})
}

// DesktopState is the payload of get_desktop_state.
type DesktopState struct {
	Windows   []Window `json:"windows"`
	Focused   string   `json:"focused,omitempty"`
	PointerX  int      `json:"pointer_x"`
	PointerY  int      `json:"pointer_y"`
	Clipboard string   `json:"clipboard,omitempty"`
	Screen    [2]int   `json:"screen"`
}

// State returns a copy of the modelled desktop, windows in z-order.
func (l *Local) State() DesktopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

func (l *Local) stateLocked() DesktopState {
	s := DesktopState{
		Windows:   make([]Window, 0, len(l.order)),
		PointerX:  l.pointerX,
		PointerY:  l.pointerY,
		Clipboard: l.clipboard,
		Screen:    [2]int{l.screenW, l.screenH},
	}
	for _, k := range l.order {
		s.Windows = append(s.Windows, *l.windows[k])
	}
	if w := l.focused(); w != nil {
		s.Focused = w.App
	}
	return s
}

func (l *Local) GetDesktopState(_ context.Context, p core.GetDesktopStateParams) core.ExecutionResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	details := map[string]any{"state": l.stateLocked()}
	if p.UseVision {
		details["vision"] = "unavailable in headless mode"
	}
	return l.ok(string(core.ActionGetDesktopState), "", fmt.Sprintf("%d windows open", len(l.windows)), details)
}

func (l *Local) Wait(ctx context.Context, p core.WaitParams) core.ExecutionResult {
	op := string(core.ActionWait)
	t := time.NewTimer(p.Duration.Std())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return l.fail(op, "", fmt.Sprintf("wait interrupted: %v", ctx.Err()), nil)
	case <-t.C:
		return l.ok(op, "", fmt.Sprintf("waited %s", p.Duration), nil)
	}
}

// Snapshot reports window titles, running applications and input idle time.
func (l *Local) Snapshot(_ context.Context) (core.ConditionContext, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c := core.ConditionContext{Now: now, Idle: now.Sub(l.lastInput)}
	for _, k := range l.order {
		w := l.windows[k]
		c.WindowTitles = append(c.WindowTitles, w.Title)
		c.WindowApps = append(c.WindowApps, w.App)
		c.Processes = append(c.Processes, w.App)
	}
	sort.Strings(c.Processes)
	return c, nil
}

// SetTitle renames the window of a running application.
func (l *Local) SetTitle(app, title string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.window(app)
	if ok {
		w.Title = title
	}
	return ok
}
