package container

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/vibecodehq/backend/internal/types"
)

// LocalRuntime runs execution units as host process groups with the
// session volume as their working directory. It provides no kernel-level
// isolation and exists for development and tests; production deployments
// use DockerRuntime.
type LocalRuntime struct {
	mu    sync.Mutex
	units map[string]*localUnit
}

type localUnit struct {
	name    string
	workdir string
	labels  map[string]string
	running bool

	procMu sync.Mutex
	shells []*exec.Cmd
}

// NewLocalRuntime creates a process-backed runtime
func NewLocalRuntime() *LocalRuntime {
	return &LocalRuntime{units: make(map[string]*localUnit)}
}

// Ping always succeeds: the host is the runtime
func (l *LocalRuntime) Ping(ctx context.Context) error {
	return nil
}

// CreateUnit registers a unit rooted at the volume's workspace path
func (l *LocalRuntime) CreateUnit(ctx context.Context, spec UnitSpec) (string, error) {
	info, err := os.Stat(spec.WorkspaceHostPath)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("workspace %s: %w", spec.WorkspaceHostPath, types.ErrVolumeMissing)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.units[spec.Name] = &localUnit{
		name:    spec.Name,
		workdir: spec.WorkspaceHostPath,
		labels:  spec.Labels,
	}
	return spec.Name, nil
}

// StartUnit marks the unit running
func (l *LocalRuntime) StartUnit(ctx context.Context, unitRef string) error {
	u, err := l.get(unitRef)
	if err != nil {
		return err
	}
	l.mu.Lock()
	u.running = true
	l.mu.Unlock()
	return nil
}

// StopUnit terminates the unit's tracked shells and releases the unit
func (l *LocalRuntime) StopUnit(ctx context.Context, unitRef string, grace time.Duration) error {
	l.mu.Lock()
	u, ok := l.units[unitRef]
	if ok {
		delete(l.units, unitRef)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}

	u.procMu.Lock()
	shells := u.shells
	u.shells = nil
	u.procMu.Unlock()

	for _, cmd := range shells {
		if cmd.Process == nil {
			continue
		}
		cmd.Process.Signal(syscall.SIGTERM)
	}
	if len(shells) > 0 {
		deadline := time.After(grace)
		done := make(chan struct{})
		go func() {
			for _, cmd := range shells {
				cmd.Wait()
			}
			close(done)
		}()
		select {
		case <-done:
		case <-deadline:
			for _, cmd := range shells {
				if cmd.Process != nil {
					cmd.Process.Kill()
				}
			}
		}
	}
	return nil
}

// UnitAlive reports whether the unit is registered and running
func (l *LocalRuntime) UnitAlive(ctx context.Context, unitRef string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.units[unitRef]
	return ok && u.running, nil
}

// Probe verifies a shell can be spawned in the unit
func (l *LocalRuntime) Probe(ctx context.Context, unitRef string) error {
	res, err := l.Exec(ctx, unitRef, []string{"/bin/sh", "-c", "true"}, ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("probe exited %d", res.ExitCode)
	}
	return nil
}

// Exec runs argv as a host process with the workspace as cwd
func (l *LocalRuntime) Exec(ctx context.Context, unitRef string, argv []string, opts ExecOptions) (*ProcessResult, error) {
	u, err := l.get(unitRef)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = u.workdir
	cmd.Env = append(os.Environ(), opts.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return &ProcessResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	}

	code := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("run command: %w", runErr)
		}
		code = exitErr.ExitCode()
	}
	return &ProcessResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: code}, nil
}

// Shell spawns an interactive shell on a pseudo-terminal
func (l *LocalRuntime) Shell(ctx context.Context, unitRef string, opts ShellOptions) (ShellStream, error) {
	u, err := l.get(unitRef)
	if err != nil {
		return nil, err
	}

	shell := opts.Command
	if shell == "" {
		shell = "/bin/bash"
	}

	cmd := exec.Command(shell)
	cmd.Dir = u.workdir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	u.procMu.Lock()
	u.shells = append(u.shells, cmd)
	u.procMu.Unlock()

	return &localShell{cmd: cmd, ptmx: ptmx}, nil
}

// ListUnits returns all registered units
func (l *LocalRuntime) ListUnits(ctx context.Context) ([]UnitInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]UnitInfo, 0, len(l.units))
	for ref, u := range l.units {
		out = append(out, UnitInfo{Ref: ref, Name: u.name, Labels: u.labels, Running: u.running})
	}
	return out, nil
}

func (l *LocalRuntime) get(unitRef string) (*localUnit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.units[unitRef]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", unitRef, types.ErrNotFound)
	}
	return u, nil
}

// localShell adapts a pty-backed shell process to ShellStream
type localShell struct {
	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
}

func (s *localShell) Read(p []byte) (int, error)  { return s.ptmx.Read(p) }
func (s *localShell) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *localShell) Resize(cols, rows uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (s *localShell) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.ptmx.Close()
	})
	return nil
}
