package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ActionKind names one of the closed set of automation operations.
type ActionKind string

const (
	ActionLaunchApp       ActionKind = "launch_app"
	ActionCloseApp        ActionKind = "close_app"
	ActionSwitchApp       ActionKind = "switch_app"
	ActionResizeWindow    ActionKind = "resize_window"
	ActionMoveWindow      ActionKind = "move_window"
	ActionMinimizeWindow  ActionKind = "minimize_window"
	ActionMaximizeWindow  ActionKind = "maximize_window"
	ActionRestoreWindow   ActionKind = "restore_window"
	ActionFocusWindow     ActionKind = "focus_window"
	ActionClick           ActionKind = "click"
	ActionDrag            ActionKind = "drag"
	ActionMoveMouse       ActionKind = "move_mouse"
	ActionScroll          ActionKind = "scroll"
	ActionTypeText        ActionKind = "type_text"
	ActionSendKeys        ActionKind = "send_keys"
	ActionPressKey        ActionKind = "press_key"
	ActionClipboardCopy   ActionKind = "clipboard_copy"
	ActionClipboardPaste  ActionKind = "clipboard_paste"
	ActionGetDesktopState ActionKind = "get_desktop_state"
	ActionWait            ActionKind = "wait"
	ActionScrapeWebpage   ActionKind = "scrape_webpage"
	ActionCustomCommand   ActionKind = "custom_command"
)

// Action is the typed parameter set of one action kind.
type Action interface {
	Kind() ActionKind
	// Validate checks parameter values; decoding already enforced the key set.
	Validate() error
	// Target is the application the action addresses, or "" for desktop-wide actions.
	Target() string
}

const maxWaitDuration = time.Hour

type LaunchAppParams struct {
	AppName string `json:"app_name"`
}

type CloseAppParams struct {
	AppName string `json:"app_name"`
}

type SwitchAppParams struct {
	AppName string `json:"app_name"`
}

type ResizeWindowParams struct {
	AppName string `json:"app_name"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

type MoveWindowParams struct {
	AppName string `json:"app_name"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
}

type MinimizeWindowParams struct {
	AppName string `json:"app_name"`
}

type MaximizeWindowParams struct {
	AppName string `json:"app_name"`
}

type RestoreWindowParams struct {
	AppName string `json:"app_name"`
}

type FocusWindowParams struct {
	AppName string `json:"app_name"`
}

// ClickParams clicks at screen coordinates. Button defaults to "left".
type ClickParams struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Button string `json:"button,omitempty"`
	Double bool   `json:"double,omitempty"`
}

type DragParams struct {
	AppName string `json:"app_name"`
	FromX   int    `json:"from_x"`
	FromY   int    `json:"from_y"`
	ToX     int    `json:"to_x"`
	ToY     int    `json:"to_y"`
}

type MoveMouseParams struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ScrollParams scrolls at a point inside an application window.
// Direction defaults to "down" and WheelTimes to 1.
type ScrollParams struct {
	AppName    string `json:"app_name"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Direction  string `json:"direction,omitempty"`
	WheelTimes int    `json:"wheel_times,omitempty"`
}

type TypeTextParams struct {
	AppName string `json:"app_name"`
	Text    string `json:"text"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
}

// SendKeysParams presses Keys together as one shortcut, e.g. ["ctrl", "s"].
type SendKeysParams struct {
	Keys []string `json:"keys"`
}

type PressKeyParams struct {
	Key string `json:"key"`
}

type ClipboardCopyParams struct {
	Text string `json:"text"`
}

type ClipboardPasteParams struct {
	AppName string `json:"app_name"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
}

type GetDesktopStateParams struct {
	UseVision bool `json:"use_vision,omitempty"`
}

type WaitParams struct {
	Duration Duration `json:"duration"`
}

type ScrapeWebpageParams struct {
	URL string `json:"url"`
}

// CustomCommandParams runs Command through the system shell.
// A zero Timeout leaves the command bounded only by the run context.
type CustomCommandParams struct {
	Command string   `json:"command"`
	Timeout Duration `json:"timeout,omitempty"`
}

func (LaunchAppParams) Kind() ActionKind       { return ActionLaunchApp }
func (CloseAppParams) Kind() ActionKind        { return ActionCloseApp }
func (SwitchAppParams) Kind() ActionKind       { return ActionSwitchApp }
func (ResizeWindowParams) Kind() ActionKind    { return ActionResizeWindow }
func (MoveWindowParams) Kind() ActionKind      { return ActionMoveWindow }
func (MinimizeWindowParams) Kind() ActionKind  { return ActionMinimizeWindow }
func (MaximizeWindowParams) Kind() ActionKind  { return ActionMaximizeWindow }
func (RestoreWindowParams) Kind() ActionKind   { return ActionRestoreWindow }
func (FocusWindowParams) Kind() ActionKind     { return ActionFocusWindow }
func (ClickParams) Kind() ActionKind           { return ActionClick }
func (DragParams) Kind() ActionKind            { return ActionDrag }
func (MoveMouseParams) Kind() ActionKind       { return ActionMoveMouse }
func (ScrollParams) Kind() ActionKind          { return ActionScroll }
func (TypeTextParams) Kind() ActionKind        { return ActionTypeText }
func (SendKeysParams) Kind() ActionKind        { return ActionSendKeys }
func (PressKeyParams) Kind() ActionKind        { return ActionPressKey }
func (ClipboardCopyParams) Kind() ActionKind   { return ActionClipboardCopy }
func (ClipboardPasteParams) Kind() ActionKind  { return ActionClipboardPaste }
func (GetDesktopStateParams) Kind() ActionKind { return ActionGetDesktopState }
func (WaitParams) Kind() ActionKind            { return ActionWait }
func (ScrapeWebpageParams) Kind() ActionKind   { return ActionScrapeWebpage }
func (CustomCommandParams) Kind() ActionKind   { return ActionCustomCommand }

func (p LaunchAppParams) Target() string       { return p.AppName }
func (p CloseAppParams) Target() string        { return p.AppName }
func (p SwitchAppParams) Target() string       { return p.AppName }
func (p ResizeWindowParams) Target() string    { return p.AppName }
func (p MoveWindowParams) Target() string      { return p.AppName }
func (p MinimizeWindowParams) Target() string  { return p.AppName }
func (p MaximizeWindowParams) Target() string  { return p.AppName }
func (p RestoreWindowParams) Target() string   { return p.AppName }
func (p FocusWindowParams) Target() string     { return p.AppName }
func (ClickParams) Target() string             { return "" }
func (p DragParams) Target() string            { return p.AppName }
func (MoveMouseParams) Target() string         { return "" }
func (p ScrollParams) Target() string          { return p.AppName }
func (p TypeTextParams) Target() string        { return p.AppName }
func (SendKeysParams) Target() string          { return "" }
func (PressKeyParams) Target() string          { return "" }
func (ClipboardCopyParams) Target() string     { return "" }
func (p ClipboardPasteParams) Target() string  { return p.AppName }
func (GetDesktopStateParams) Target() string   { return "" }
func (WaitParams) Target() string              { return "" }
func (p ScrapeWebpageParams) Target() string   { return p.URL }
func (CustomCommandParams) Target() string     { return "" }

func requireApp(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid("app_name", "must not be empty")
	}
	return nil
}

func requirePoint(xField string, x int, yField string, y int) error {
	if x < 0 {
		return invalid(xField, "must be >= 0, got %d", x)
	}
	if y < 0 {
		return invalid(yField, "must be >= 0, got %d", y)
	}
	return nil
}

func (p LaunchAppParams) Validate() error      { return requireApp(p.AppName) }
func (p CloseAppParams) Validate() error       { return requireApp(p.AppName) }
func (p SwitchAppParams) Validate() error      { return requireApp(p.AppName) }
func (p MinimizeWindowParams) Validate() error { return requireApp(p.AppName) }
func (p MaximizeWindowParams) Validate() error { return requireApp(p.AppName) }
func (p RestoreWindowParams) Validate() error  { return requireApp(p.AppName) }
func (p FocusWindowParams) Validate() error    { return requireApp(p.AppName) }

func (p ResizeWindowParams) Validate() error {
	if err := requireApp(p.AppName); err != nil {
		return err
	}
	if p.Width <= 0 {
		return invalid("width", "must be > 0, got %d", p.Width)
	}
	if p.Height <= 0 {
		return invalid("height", "must be > 0, got %d", p.Height)
	}
	return nil
}

func (p MoveWindowParams) Validate() error {
	if err := requireApp(p.AppName); err != nil {
		return err
	}
	return requirePoint("x", p.X, "y", p.Y)
}

func (p ClickParams) Validate() error {
	switch p.Button {
	case "", "left", "right", "middle":
	default:
		return invalid("button", "must be left, right or middle, got %q", p.Button)
	}
	return requirePoint("x", p.X, "y", p.Y)
}

func (p DragParams) Validate() error {
	if err := requireApp(p.AppName); err != nil {
		return err
	}
	if err := requirePoint("from_x", p.FromX, "from_y", p.FromY); err != nil {
		return err
	}
	return requirePoint("to_x", p.ToX, "to_y", p.ToY)
}

func (p MoveMouseParams) Validate() error {
	return requirePoint("x", p.X, "y", p.Y)
}

func (p ScrollParams) Validate() error {
	if err := requireApp(p.AppName); err != nil {
		return err
	}
	switch p.Direction {
	case "", "up", "down", "left", "right":
	default:
		return invalid("direction", "must be up, down, left or right, got %q", p.Direction)
	}
	if p.WheelTimes < 0 {
		return invalid("wheel_times", "must be >= 0, got %d", p.WheelTimes)
	}
	return requirePoint("x", p.X, "y", p.Y)
}

func (p TypeTextParams) Validate() error {
	if err := requireApp(p.AppName); err != nil {
		return err
	}
	if p.Text == "" {
		return invalid("text", "must not be empty")
	}
	return requirePoint("x", p.X, "y", p.Y)
}

func (p SendKeysParams) Validate() error {
	if len(p.Keys) == 0 {
		return invalid("keys", "must not be empty")
	}
	for i, k := range p.Keys {
		if strings.TrimSpace(k) == "" {
			return invalid(fmt.Sprintf("keys[%d]", i), "must not be empty")
		}
	}
	return nil
}

func (p PressKeyParams) Validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return invalid("key", "must not be empty")
	}
	return nil
}

func (p ClipboardCopyParams) Validate() error {
	if p.Text == "" {
		return invalid("text", "must not be empty")
	}
	return nil
}

func (p ClipboardPasteParams) Validate() error {
	if err := requireApp(p.AppName); err != nil {
		return err
	}
	return requirePoint("x", p.X, "y", p.Y)
}

func (GetDesktopStateParams) Validate() error { return nil }

func (p WaitParams) Validate() error {
	if p.Duration <= 0 {
		return invalid("duration", "must be > 0")
	}
	if p.Duration.Std() > maxWaitDuration {
		return invalid("duration", "must be at most %s", maxWaitDuration)
	}
	return nil
}

func (p ScrapeWebpageParams) Validate() error {
	u, err := url.Parse(p.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid("url", "must be an absolute http(s) URL, got %q", p.URL)
	}
	return nil
}

func (p CustomCommandParams) Validate() error {
	if strings.TrimSpace(p.Command) == "" {
		return invalid("command", "must not be empty")
	}
	if p.Timeout < 0 {
		return invalid("timeout", "must be >= 0")
	}
	return nil
}

type actionSchema struct {
	required []string
	optional []string
	decode   func(json.RawMessage) (Action, error)
}

var actionSchemas = map[ActionKind]actionSchema{
	ActionLaunchApp:       {required: []string{"app_name"}, decode: decodeParams[LaunchAppParams]},
	ActionCloseApp:        {required: []string{"app_name"}, decode: decodeParams[CloseAppParams]},
	ActionSwitchApp:       {required: []string{"app_name"}, decode: decodeParams[SwitchAppParams]},
	ActionResizeWindow:    {required: []string{"app_name", "width", "height"}, decode: decodeParams[ResizeWindowParams]},
	ActionMoveWindow:      {required: []string{"app_name", "x", "y"}, decode: decodeParams[MoveWindowParams]},
	ActionMinimizeWindow:  {required: []string{"app_name"}, decode: decodeParams[MinimizeWindowParams]},
	ActionMaximizeWindow:  {required: []string{"app_name"}, decode: decodeParams[MaximizeWindowParams]},
	ActionRestoreWindow:   {required: []string{"app_name"}, decode: decodeParams[RestoreWindowParams]},
	ActionFocusWindow:     {required: []string{"app_name"}, decode: decodeParams[FocusWindowParams]},
	ActionClick:           {required: []string{"x", "y"}, optional: []string{"button", "double"}, decode: decodeParams[ClickParams]},
	ActionDrag:            {required: []string{"app_name", "from_x", "from_y", "to_x", "to_y"}, decode: decodeParams[DragParams]},
	ActionMoveMouse:       {required: []string{"x", "y"}, decode: decodeParams[MoveMouseParams]},
	ActionScroll:          {required: []string{"app_name", "x", "y"}, optional: []string{"direction", "wheel_times"}, decode: decodeParams[ScrollParams]},
	ActionTypeText:        {required: []string{"app_name", "text", "x", "y"}, decode: decodeParams[TypeTextParams]},
	ActionSendKeys:        {required: []string{"keys"}, decode: decodeParams[SendKeysParams]},
	ActionPressKey:        {required: []string{"key"}, decode: decodeParams[PressKeyParams]},
	ActionClipboardCopy:   {required: []string{"text"}, decode: decodeParams[ClipboardCopyParams]},
	ActionClipboardPaste:  {required: []string{"app_name", "x", "y"}, decode: decodeParams[ClipboardPasteParams]},
	ActionGetDesktopState: {optional: []string{"use_vision"}, decode: decodeParams[GetDesktopStateParams]},
	ActionWait:            {required: []string{"duration"}, decode: decodeParams[WaitParams]},
	ActionScrapeWebpage:   {required: []string{"url"}, decode: decodeParams[ScrapeWebpageParams]},
	ActionCustomCommand:   {required: []string{"command"}, optional: []string{"timeout"}, decode: decodeParams[CustomCommandParams]},
}

// ActionKinds lists every supported kind in name order.
func ActionKinds() []ActionKind {
	kinds := make([]ActionKind, 0, len(actionSchemas))
	for k := range actionSchemas {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// RequiredParams returns the parameter keys a kind must carry.
func RequiredParams(kind ActionKind) ([]string, bool) {
	schema, ok := actionSchemas[kind]
	if !ok {
		return nil, false
	}
	return append([]string(nil), schema.required...), true
}

func decodeParams[T Action](raw json.RawMessage) (Action, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, invalid("action_params", "%v", err)
	}
	return v, nil
}

// DecodeAction builds the typed action for kind from raw JSON parameters.
// Missing required keys and unknown keys are rejected with a ValidationError.
func DecodeAction(kind ActionKind, raw json.RawMessage) (Action, error) {
	schema, ok := actionSchemas[kind]
	if !ok {
		return nil, invalid("action_type", "unknown action type %q", kind)
	}
	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, invalid("action_params", "must be an object: %v", err)
		}
	} else {
		raw = json.RawMessage("{}")
	}
	for _, key := range schema.required {
		if _, ok := fields[key]; !ok {
			return nil, invalid("action_params", "missing required parameter %q for %s", key, kind)
		}
	}
	for key := range fields {
		if !contains(schema.required, key) && !contains(schema.optional, key) {
			return nil, invalid("action_params", "unexpected parameter %q for %s", key, kind)
		}
	}
	return schema.decode(raw)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ActionStep is one element of a task's action sequence.
type ActionStep struct {
	ID              string
	Action          Action
	DelayAfter      Duration
	ContinueOnError bool
	Description     string
}

// NewActionStep wraps an action with a fresh id and the default pacing.
func NewActionStep(action Action) ActionStep {
	return ActionStep{
		ID:              NewID(),
		Action:          action,
		DelayAfter:      Duration(time.Second),
		ContinueOnError: true,
	}
}

// Kind returns the action kind or "" when the step has no action.
func (s ActionStep) Kind() ActionKind {
	if s.Action == nil {
		return ""
	}
	return s.Action.Kind()
}

// Target returns the step's addressed application, or "" when none.
func (s ActionStep) Target() string {
	if s.Action == nil {
		return ""
	}
	return s.Action.Target()
}

// Validate checks the step envelope and its parameters.
func (s ActionStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return invalid("id", "must not be empty")
	}
	if s.Action == nil {
		return invalid("action_type", "must be set")
	}
	if _, ok := actionSchemas[s.Action.Kind()]; !ok {
		return invalid("action_type", "unknown action type %q", s.Action.Kind())
	}
	if s.DelayAfter < 0 {
		return invalid("delay_after", "must be >= 0")
	}
	if err := s.Action.Validate(); err != nil {
		return prefixField("action_params", err)
	}
	return nil
}

type actionStepWire struct {
	ID              string          `json:"id"`
	ActionType      ActionKind      `json:"action_type"`
	ActionParams    json.RawMessage `json:"action_params"`
	DelayAfter      *Duration       `json:"delay_after,omitempty"`
	ContinueOnError *bool           `json:"continue_on_error,omitempty"`
	Description     string          `json:"description,omitempty"`
}

func (s ActionStep) MarshalJSON() ([]byte, error) {
	params := json.RawMessage("{}")
	if s.Action != nil {
		b, err := json.Marshal(s.Action)
		if err != nil {
			return nil, err
		}
		params = b
	}
	delay := s.DelayAfter
	cont := s.ContinueOnError
	return json.Marshal(actionStepWire{
		ID:              s.ID,
		ActionType:      s.Kind(),
		ActionParams:    params,
		DelayAfter:      &delay,
		ContinueOnError: &cont,
		Description:     s.Description,
	})
}

func (s *ActionStep) UnmarshalJSON(data []byte) error {
	var w actionStepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	action, err := DecodeAction(w.ActionType, w.ActionParams)
	if err != nil {
		return err
	}
	step := ActionStep{
		ID:              w.ID,
		Action:          action,
		DelayAfter:      Duration(time.Second),
		ContinueOnError: true,
		Description:     w.Description,
	}
	if w.DelayAfter != nil {
		step.DelayAfter = *w.DelayAfter
	}
	if w.ContinueOnError != nil {
		step.ContinueOnError = *w.ContinueOnError
	}
	*s = step
	return nil
}
