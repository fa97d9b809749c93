// Package runner executes single, non-interactive commands inside a
// session's execution unit.
//
// Runs are independent of the interactive shell: they never share stdin
// or stdout with attached terminals, so execution output and terminal
// output stay in disjoint streams by construction. Concurrent runs for
// the same session may proceed in parallel with each other and with the
// shell; the lifecycle lock is not taken here.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibecodehq/backend/internal/container"
	"github.com/vibecodehq/backend/internal/logging"
	"github.com/vibecodehq/backend/internal/types"
)

// interpreters maps a language to its fixed interpreter invocation. The
// file and arguments are always appended as vector elements, never
// concatenated into a shell string.
var interpreters = map[string][]string{
	"python":     {"python3"},
	"javascript": {"node"},
	"node":       {"node"},
	"ruby":       {"ruby"},
	"bash":       {"bash"},
	"sh":         {"sh"},
}

// Runner executes one-shot commands against execution units
type Runner struct {
	runtime        container.Runtime
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	log            *logging.Logger
}

// NewRunner creates an execution runner
func NewRunner(runtime container.Runtime, defaultTimeout, maxTimeout time.Duration, log *logging.Logger) *Runner {
	return &Runner{
		runtime:        runtime,
		defaultTimeout: defaultTimeout,
		maxTimeout:     maxTimeout,
		log:            log,
	}
}

// Run executes the command spec inside the session's unit and returns the
// structured result. A run exceeding the timeout is forcibly terminated
// and reported with TimedOut set, distinct from a nonzero exit code.
func (r *Runner) Run(ctx context.Context, sess *types.Session, spec types.CommandSpec, timeout time.Duration) (*types.ExecResult, error) {
	if sess.Status != types.StatusRunning || sess.UnitRef == "" {
		return nil, fmt.Errorf("session %s is not running: %w", sess.ID, types.ErrConflict)
	}

	argv, err := Argv(spec)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	if r.maxTimeout > 0 && timeout > r.maxTimeout {
		timeout = r.maxTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The timeout also goes to the backend, which enforces it inside the
	// unit; the context is the caller-side backstop.
	started := time.Now().UTC()
	proc, runErr := r.runtime.Exec(runCtx, sess.UnitRef, argv, container.ExecOptions{Timeout: timeout})
	finished := time.Now().UTC()

	result := &types.ExecResult{
		StartedAt:  started,
		FinishedAt: finished,
	}
	if proc != nil {
		result.Stdout = proc.Stdout
		result.Stderr = proc.Stderr
		result.ExitCode = proc.ExitCode
	}

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = -1
			r.log.Info("execution timed out",
				zap.String("session_id", sess.ID),
				zap.Duration("timeout", timeout))
			return result, nil
		}
		return nil, fmt.Errorf("execute in session %s: %w", sess.ID, runErr)
	}

	r.log.Debug("execution finished",
		zap.String("session_id", sess.ID),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("elapsed", finished.Sub(started)))
	return result, nil
}

// Argv resolves a command spec to the process vector to run. Literal
// commands go through the shell; language specs resolve to a fixed
// interpreter invocation with the file and arguments as a vector.
func Argv(spec types.CommandSpec) ([]string, error) {
	if spec.IsLiteral() {
		return []string{"/bin/sh", "-lc", spec.Command}, nil
	}

	interp, ok := interpreters[strings.ToLower(spec.Language)]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", spec.Language)
	}
	if spec.File == "" {
		return nil, fmt.Errorf("missing file for language %q", spec.Language)
	}
	if err := checkRelative(spec.File); err != nil {
		return nil, err
	}

	argv := make([]string, 0, len(interp)+1+len(spec.Args))
	argv = append(argv, interp...)
	argv = append(argv, spec.File)
	argv = append(argv, spec.Args...)
	return argv, nil
}

// checkRelative rejects files outside the workspace root. Execution cwd
// is always the workspace root, so a relative, non-escaping path suffices.
func checkRelative(file string) error {
	if filepath.IsAbs(file) {
		return fmt.Errorf("%s: %w", file, types.ErrPathEscape)
	}
	clean := filepath.Clean(file)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%s: %w", file, types.ErrPathEscape)
	}
	return nil
}
