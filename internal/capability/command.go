package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"deskcron/internal/core"
)

// killGrace is how long a terminated command gets before it is killed.
const killGrace = 5 * time.Second

// CustomCommand runs the command through the system shell, capturing
// combined output. A command that outlives its timeout gets SIGTERM, then
// SIGKILL after a grace period.
func (l *Local) CustomCommand(ctx context.Context, p core.CustomCommandParams) core.ExecutionResult {
	op := string(core.ActionCustomCommand)
	if !l.allowCommands {
		return l.fail(op, "", "custom commands are disabled", nil)
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &limitedBuffer{limit: l.outputLimit}
	cmd := commandForTask(cmdCtx, p.Command)
	cmd.Stdout = &syncWriter{w: out}
	cmd.Stderr = cmd.Stdout
	cmd.WaitDelay = killGrace

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return l.fail(op, "", fmt.Sprintf("failed to start command: %v", err), nil)
	}
	proc := cmd.Process

	var timeoutTriggered atomic.Bool
	var watchdog *time.Timer
	if timeout := p.Timeout.Std(); timeout > 0 {
		watchdog = time.AfterFunc(timeout-time.Since(started), func() {
			timeoutTriggered.Store(true)
			l.logger.Warn("command exceeded timeout, sending termination", "command", p.Command, "timeout", timeout)
			sendTermination(proc)
			time.AfterFunc(killGrace, func() { _ = proc.Kill() })
		})
	}
	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}

	details := map[string]any{
		"command":  p.Command,
		"output":   out.String(),
		"duration": time.Since(started).String(),
	}
	if out.truncated {
		details["output_truncated"] = true
	}

	switch {
	case timeoutTriggered.Load():
		details["error_class"] = core.ErrorClassTimeout
		return l.fail(op, "", fmt.Sprintf("TimeoutError: command timed out after %s", p.Timeout), details)
	case waitErr == nil:
		details["exit_code"] = 0
		res := core.SuccessResult(op, "", "command completed")
		res.Details = details
		return res
	case ctx.Err() != nil:
		return l.fail(op, "", fmt.Sprintf("command cancelled: %v", ctx.Err()), details)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		details["exit_code"] = exitErr.ExitCode()
		return l.fail(op, "", fmt.Sprintf("command exited with code %d", exitErr.ExitCode()), details)
	}
	return l.fail(op, "", waitErr.Error(), details)
}

func commandForTask(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// limitedBuffer keeps the first limit bytes and drops the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string { return b.buf.String() }

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
