package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// ExitCommandUnavailable is the exit code reported when the platform
// cannot execute the command at all. Gates treat it as a verification
// failure.
const ExitCommandUnavailable = 127

// Runner executes one shell command and reports its exit code. Gate
// verification, action states, and terminal actions all go through it;
// tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, command string, env map[string]string) (int, error)
}

// ExecRunner runs commands through the shell in a fixed working
// directory with an upper execution bound.
type ExecRunner struct {
	Dir     string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Run executes the command. A command that cannot be started reports
// ExitCommandUnavailable; a timeout surfaces as the killed process's
// exit code.
func (r *ExecRunner) Run(ctx context.Context, command string, env map[string]string) (int, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.Dir
	cmd.Env = os.Environ()
	for key, val := range env {
		cmd.Env = append(cmd.Env, key+"="+val)
	}
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if r.Logger != nil {
		r.Logger.Warn("command could not be executed",
			slog.String("command", command),
			slog.String("error", err.Error()))
	}
	return ExitCommandUnavailable, nil
}
