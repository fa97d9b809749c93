package container

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/vibecodehq/backend/internal/types"
)

// DockerRuntime runs execution units as Docker containers. The session
// volume is bind-mounted at the workspace root; resource ceilings and
// no-new-privileges are applied to every unit.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon from the environment
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Ping verifies the Docker daemon is reachable
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrRuntimeUnavailable, err)
	}
	return nil
}

// CreateUnit creates a container for the unit spec. A stale container
// holding the deterministic name is removed first, so a crashed previous
// unit cannot block materialization.
func (d *DockerRuntime) CreateUnit(ctx context.Context, spec UnitSpec) (string, error) {
	cfg := &dockercontainer.Config{
		Image:      spec.Image,
		Cmd:        []string{"sleep", "infinity"},
		Labels:     spec.Labels,
		WorkingDir: spec.WorkspaceMount,
		Env:        spec.Env,
	}

	pids := spec.PidsLimit
	hostCfg := &dockercontainer.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s:rw", spec.WorkspaceHostPath, spec.WorkspaceMount)},
		Resources: dockercontainer.Resources{
			Memory:    spec.MemoryBytes,
			NanoCPUs:  spec.NanoCPUs,
			PidsLimit: &pids,
		},
		SecurityOpt: []string{"no-new-privileges:true"},
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if errdefs.IsConflict(err) {
		// Leftover container with our name: remove and retry once
		if rmErr := d.removeByName(ctx, spec.Name); rmErr != nil {
			return "", fmt.Errorf("remove stale unit %s: %w", spec.Name, rmErr)
		}
		created, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("create unit %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

// StartUnit starts the container
func (d *DockerRuntime) StartUnit(ctx context.Context, unitRef string) error {
	if err := d.cli.ContainerStart(ctx, unitRef, dockercontainer.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("start unit: %w", types.ErrNotFound)
		}
		return fmt.Errorf("start unit: %w", err)
	}
	return nil
}

// StopUnit stops the container, letting the daemon escalate to SIGKILL
// after the grace period, then removes it. The bind-mounted volume is
// untouched. Stopping an unknown unit is a no-op.
func (d *DockerRuntime) StopUnit(ctx context.Context, unitRef string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, unitRef, dockercontainer.StopOptions{Timeout: &seconds})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop unit: %w", err)
	}

	err = d.cli.ContainerRemove(ctx, unitRef, dockercontainer.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove unit: %w", err)
	}
	return nil
}

// UnitAlive reports whether the container exists and is running
func (d *DockerRuntime) UnitAlive(ctx context.Context, unitRef string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, unitRef)
	if client.IsErrNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect unit: %w", err)
	}
	return info.State != nil && info.State.Running, nil
}

// Probe verifies a shell can be spawned inside the unit
func (d *DockerRuntime) Probe(ctx context.Context, unitRef string) error {
	res, err := d.Exec(ctx, unitRef, []string{"/bin/sh", "-c", "true"}, ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("probe exited %d", res.ExitCode)
	}
	return nil
}

// Exec runs argv to completion inside the container and demultiplexes the
// captured stdout and stderr.
//
// Docker has no exec-kill API and does not stop an exec'd process when
// its attach stream closes, so a caller-side context expiry alone would
// leak the process inside the unit. When opts.Timeout is set the argv is
// wrapped with the unit's timeout utility, which kills the process at
// the deadline regardless of what happens to the attach.
func (d *DockerRuntime) Exec(ctx context.Context, unitRef string, argv []string, opts ExecOptions) (*ProcessResult, error) {
	wrapped := false
	if opts.Timeout > 0 {
		argv = timeoutWrap(argv, opts.Timeout)
		wrapped = true
	}

	created, err := d.cli.ContainerExecCreate(ctx, unitRef, dockercontainer.ExecOptions{
		Cmd:          argv,
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("create exec: %w", types.ErrNotFound)
		}
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, dockercontainer.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		// A cancelled context kills the stream mid-copy; surface what
		// was captured and let the caller interpret the deadline.
		if ctx.Err() != nil {
			return &ProcessResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
		}
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec: %w", err)
	}
	if wrapped && timedOutExit(inspect.ExitCode) {
		return &ProcessResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			context.DeadlineExceeded
	}
	return &ProcessResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// timeoutWrap runs argv under the unit's timeout utility with a hard
// kill. Whole seconds, rounded up so a sub-second deadline never
// becomes zero.
func timeoutWrap(argv []string, d time.Duration) []string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return append([]string{"timeout", "-s", "KILL", strconv.Itoa(secs)}, argv...)
}

// timedOutExit matches the timeout utility's deadline exits: 124 on the
// default signal, 137 when the process had to be SIGKILLed
func timedOutExit(code int) bool {
	return code == 124 || code == 137
}

// Shell spawns an interactive shell as a TTY exec and returns the
// hijacked duplex stream
func (d *DockerRuntime) Shell(ctx context.Context, unitRef string, opts ShellOptions) (ShellStream, error) {
	env := append([]string{"TERM=xterm-256color"}, opts.Env...)
	created, err := d.cli.ContainerExecCreate(ctx, unitRef, dockercontainer.ExecOptions{
		Cmd:          []string{opts.Command},
		Env:          env,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  &[2]uint{uint(opts.Rows), uint(opts.Cols)},
	})
	if err != nil {
		return nil, fmt.Errorf("create shell exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, dockercontainer.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach shell: %w", err)
	}

	return &dockerShell{cli: d.cli, execID: created.ID, attach: attach}, nil
}

// ListUnits returns all containers labeled app=vibe
func (d *DockerRuntime) ListUnits(ctx context.Context) ([]UnitInfo, error) {
	args := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", types.LabelApp, types.LabelAppName)))
	containers, err := d.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	out := make([]UnitInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, UnitInfo{
			Ref:     c.ID,
			Name:    name,
			Labels:  c.Labels,
			Running: c.State == "running",
		})
	}
	return out, nil
}

func (d *DockerRuntime) removeByName(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, dockercontainer.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// dockerShell adapts a hijacked TTY exec connection to ShellStream
type dockerShell struct {
	cli    *client.Client
	execID string
	attach dockertypes.HijackedResponse
}

func (s *dockerShell) Read(p []byte) (int, error) {
	return s.attach.Reader.Read(p)
}

func (s *dockerShell) Write(p []byte) (int, error) {
	return s.attach.Conn.Write(p)
}

func (s *dockerShell) Resize(cols, rows uint16) error {
	return s.cli.ContainerExecResize(context.Background(), s.execID, dockercontainer.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (s *dockerShell) Close() error {
	s.attach.Close()
	return nil
}
