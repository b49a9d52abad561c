package core

import "context"

// Capability performs real desktop interactions, one method per action kind.
// Calls are synchronous, fallible and not assumed idempotent.
type Capability interface {
	LaunchApp(ctx context.Context, p LaunchAppParams) ExecutionResult
	CloseApp(ctx context.Context, p CloseAppParams) ExecutionResult
	SwitchApp(ctx context.Context, p SwitchAppParams) ExecutionResult
	ResizeWindow(ctx context.Context, p ResizeWindowParams) ExecutionResult
	MoveWindow(ctx context.Context, p MoveWindowParams) ExecutionResult
	MinimizeWindow(ctx context.Context, p MinimizeWindowParams) ExecutionResult
	MaximizeWindow(ctx context.Context, p MaximizeWindowParams) ExecutionResult
	RestoreWindow(ctx context.Context, p RestoreWindowParams) ExecutionResult
	FocusWindow(ctx context.Context, p FocusWindowParams) ExecutionResult
	Click(ctx context.Context, p ClickParams) ExecutionResult
	Drag(ctx context.Context, p DragParams) ExecutionResult
	MoveMouse(ctx context.Context, p MoveMouseParams) ExecutionResult
	Scroll(ctx context.Context, p ScrollParams) ExecutionResult
	TypeText(ctx context.Context, p TypeTextParams) ExecutionResult
	SendKeys(ctx context.Context, p SendKeysParams) ExecutionResult
	PressKey(ctx context.Context, p PressKeyParams) ExecutionResult
	ClipboardCopy(ctx context.Context, p ClipboardCopyParams) ExecutionResult
	ClipboardPaste(ctx context.Context, p ClipboardPasteParams) ExecutionResult
	GetDesktopState(ctx context.Context, p GetDesktopStateParams) ExecutionResult
	Wait(ctx context.Context, p WaitParams) ExecutionResult
	ScrapeWebpage(ctx context.Context, p ScrapeWebpageParams) ExecutionResult
	CustomCommand(ctx context.Context, p CustomCommandParams) ExecutionResult
}

func dispatch(ctx context.Context, c Capability, a Action) ExecutionResult {
	switch p := a.(type) {
	case LaunchAppParams:
		return c.LaunchApp(ctx, p)
	case CloseAppParams:
		return c.CloseApp(ctx, p)
	case SwitchAppParams:
		return c.SwitchApp(ctx, p)
	case ResizeWindowParams:
		return c.ResizeWindow(ctx, p)
	case MoveWindowParams:
		return c.MoveWindow(ctx, p)
	case MinimizeWindowParams:
		return c.MinimizeWindow(ctx, p)
	case MaximizeWindowParams:
		return c.MaximizeWindow(ctx, p)
	case RestoreWindowParams:
		return c.RestoreWindow(ctx, p)
	case FocusWindowParams:
		return c.FocusWindow(ctx, p)
	case ClickParams:
		return c.Click(ctx, p)
	case DragParams:
		return c.Drag(ctx, p)
	case MoveMouseParams:
		return c.MoveMouse(ctx, p)
	case ScrollParams:
		return c.Scroll(ctx, p)
	case TypeTextParams:
		return c.TypeText(ctx, p)
	case SendKeysParams:
		return c.SendKeys(ctx, p)
	case PressKeyParams:
		return c.PressKey(ctx, p)
	case ClipboardCopyParams:
		return c.ClipboardCopy(ctx, p)
	case ClipboardPasteParams:
		return c.ClipboardPaste(ctx, p)
	case GetDesktopStateParams:
		return c.GetDesktopState(ctx, p)
	case WaitParams:
		return c.Wait(ctx, p)
	case ScrapeWebpageParams:
		return c.ScrapeWebpage(ctx, p)
	case CustomCommandParams:
		return c.CustomCommand(ctx, p)
	}
	return FailureResult(string(a.Kind()), a.Target(), "CapabilityError: unsupported action type", map[string]any{"error_class": ErrorClassCapability})
}
