package infra

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

const (
	// killGrace is how long a timed-out process group gets between SIGTERM and SIGKILL.
	killGrace = 3 * time.Second

	maxDiagnostics = 4096
)

// ShellExecutor implements domain.CommandExecutor with os/exec.
// Each command runs in its own process group so a timeout takes down its children too.
type ShellExecutor struct {
	logger *zap.Logger
}

// NewShellExecutor creates a command executor.
func NewShellExecutor(logger *zap.Logger) *ShellExecutor {
	return &ShellExecutor{logger: logger}
}

// Run executes cmd and classifies the outcome as NotFound, Timeout or CommandFailed.
func (e *ShellExecutor) Run(ctx context.Context, c domain.Command) (*domain.CommandResult, error) {
	for _, path := range c.Requires {
		if _, err := os.Stat(path); err != nil {
			return nil, domain.NewError(domain.KindNotFound, path, err)
		}
	}
	bin, err := exec.LookPath(c.Name)
	if err != nil {
		return nil, domain.NewError(domain.KindNotFound, c.Name, err)
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, bin, c.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid addresses the whole group; sudo relays SIGTERM to its child.
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = killGrace
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if errors.Is(runErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		// The script exited cleanly but left a daemon holding our pipes.
		runErr = nil
	}
	result := &domain.CommandResult{
		ExitCode: exitCode(cmd, runErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil && cmd.Process != nil {
		// Catch stragglers that ignored SIGTERM or detached from the leader.
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	e.logger.Debug("command finished",
		zap.String("cmd", c.Name),
		zap.Strings("args", c.Args),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration))

	switch {
	case runErr == nil:
		return result, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return result, domain.NewError(domain.KindTimeout, describeCommand(c), runCtx.Err())
	case ctx.Err() != nil:
		return result, ctx.Err()
	case result.ExitCode < 0:
		return result, domain.NewError(domain.KindCommandFailed, describeCommand(c), runErr)
	default:
		return result, domain.CommandFailed(describeCommand(c), result.ExitCode, diagnostics(result))
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// diagnostics prefers stderr, falls back to stdout, trimmed and capped.
func diagnostics(r *domain.CommandResult) string {
	d := strings.TrimSpace(r.Stderr)
	if d == "" {
		d = strings.TrimSpace(r.Stdout)
	}
	return domain.ClipTail(d, maxDiagnostics)
}

// describeCommand names the command by its script when there is one.
func describeCommand(c domain.Command) string {
	if len(c.Requires) > 0 {
		return c.Requires[0]
	}
	return c.Name
}

// Ensure ShellExecutor implements domain.CommandExecutor.
var _ domain.CommandExecutor = (*ShellExecutor)(nil)
