// Package container manages execution units: the ephemeral isolated
// process environments that materialize sessions while they are running.
//
// The Runtime interface abstracts the unit backend. DockerRuntime runs
// units as containers with the session volume bind-mounted at the
// workspace root; LocalRuntime runs them as host process groups for
// development and tests. The Manager layers lifecycle semantics on top:
// per-session locking, registry transitions, readiness probing, retry and
// the runtime circuit breaker.
package container

import (
	"context"
	"io"
	"time"
)

// UnitSpec describes an execution unit to create
type UnitSpec struct {
	// Name is the deterministic unit name (vibe-{owner}-{session})
	Name string

	// Labels are attached for external discovery and garbage collection
	Labels map[string]string

	// Image is the container image (ignored by LocalRuntime)
	Image string

	// WorkspaceHostPath is the host side of the volume bind mount
	WorkspaceHostPath string

	// WorkspaceMount is the fixed workspace root inside the unit
	WorkspaceMount string

	// Resource ceilings
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64

	Env []string
}

// UnitInfo describes an existing unit, for discovery and orphan sweeps
type UnitInfo struct {
	Ref     string
	Name    string
	Labels  map[string]string
	Running bool
}

// ExecOptions configures a one-shot, non-interactive process in a unit
type ExecOptions struct {
	Env []string

	// Timeout, when set, bounds the process inside the unit itself.
	// Backends must guarantee the process is killed at the deadline even
	// if the caller's context or attach stream dies first.
	Timeout time.Duration
}

// ProcessResult is the raw outcome of a one-shot process
type ProcessResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ShellOptions configures an interactive shell bound to a pseudo-terminal
type ShellOptions struct {
	Command string
	Cols    uint16
	Rows    uint16
	Env     []string
}

// ShellStream is the duplex byte stream of a pseudo-terminal. Reads return
// shell output; writes are delivered to the terminal as typed input.
type ShellStream interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// Runtime creates and controls execution units. Implementations are safe
// for concurrent use; serialization of lifecycle operations per session is
// the Manager's responsibility.
type Runtime interface {
	// Ping verifies the runtime itself is reachable
	Ping(ctx context.Context) error

	// CreateUnit allocates a unit and returns its reference
	CreateUnit(ctx context.Context, spec UnitSpec) (string, error)

	// StartUnit starts a created unit
	StartUnit(ctx context.Context, unitRef string) error

	// StopUnit gracefully stops the unit, escalating to forced
	// termination after grace, and releases it. Stopping an unknown
	// unit is a no-op.
	StopUnit(ctx context.Context, unitRef string, grace time.Duration) error

	// UnitAlive reports whether the unit exists and is running
	UnitAlive(ctx context.Context, unitRef string) (bool, error)

	// Probe verifies the unit can spawn a shell
	Probe(ctx context.Context, unitRef string) error

	// Exec runs argv to completion inside the unit, cwd at the
	// workspace root, with stdout and stderr captured separately
	Exec(ctx context.Context, unitRef string, argv []string, opts ExecOptions) (*ProcessResult, error)

	// Shell spawns an interactive shell inside the unit bound to a
	// pseudo-terminal and returns its duplex stream
	Shell(ctx context.Context, unitRef string, opts ShellOptions) (ShellStream, error)

	// ListUnits returns all units carrying the app discovery label
	ListUnits(ctx context.Context) ([]UnitInfo, error)
}
