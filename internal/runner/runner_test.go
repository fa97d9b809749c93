package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibecodehq/backend/internal/container"
	"github.com/vibecodehq/backend/internal/logging"
	"github.com/vibecodehq/backend/internal/types"
)

// execRuntime is a Runtime stub that records one-shot executions
type execRuntime struct {
	argv   []string
	opts   container.ExecOptions
	result *container.ProcessResult
	err    error
	block  bool
}

func (r *execRuntime) Exec(ctx context.Context, _ string, argv []string, opts container.ExecOptions) (*container.ProcessResult, error) {
	r.argv = argv
	r.opts = opts
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.result, r.err
}

func (r *execRuntime) Ping(context.Context) error { return nil }
func (r *execRuntime) CreateUnit(context.Context, container.UnitSpec) (string, error) {
	return "", errors.New("not supported")
}
func (r *execRuntime) StartUnit(context.Context, string) error { return nil }
func (r *execRuntime) StopUnit(context.Context, string, time.Duration) error {
	return nil
}
func (r *execRuntime) UnitAlive(context.Context, string) (bool, error) { return true, nil }
func (r *execRuntime) Probe(context.Context, string) error            { return nil }
func (r *execRuntime) Shell(context.Context, string, container.ShellOptions) (container.ShellStream, error) {
	return nil, errors.New("not supported")
}
func (r *execRuntime) ListUnits(context.Context) ([]container.UnitInfo, error) {
	return nil, nil
}

func runningSession() *types.Session {
	return &types.Session{
		ID:      "sess_1",
		OwnerID: "alice",
		Status:  types.StatusRunning,
		UnitRef: "unit-1",
	}
}

func TestArgv(t *testing.T) {
	tests := []struct {
		name    string
		spec    types.CommandSpec
		want    []string
		wantErr error
	}{
		{
			name: "literal command goes through the shell",
			spec: types.CommandSpec{Command: "ls -la | wc -l"},
			want: []string{"/bin/sh", "-lc", "ls -la | wc -l"},
		},
		{
			name: "python file",
			spec: types.CommandSpec{Language: "python", File: "main.py", Args: []string{"--fast"}},
			want: []string{"python3", "main.py", "--fast"},
		},
		{
			name: "language casing is normalized",
			spec: types.CommandSpec{Language: "JavaScript", File: "app.js"},
			want: []string{"node", "app.js"},
		},
		{
			name:    "unsupported language",
			spec:    types.CommandSpec{Language: "fortran", File: "x.f90"},
			wantErr: errors.New("unsupported language"),
		},
		{
			name:    "absolute file escapes",
			spec:    types.CommandSpec{Language: "python", File: "/etc/passwd"},
			wantErr: types.ErrPathEscape,
		},
		{
			name:    "traversing file escapes",
			spec:    types.CommandSpec{Language: "python", File: "../../steal.py"},
			wantErr: types.ErrPathEscape,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv, err := Argv(tt.spec)
			if tt.wantErr != nil {
				require.Error(t, err)
				if errors.Is(tt.wantErr, types.ErrPathEscape) {
					assert.ErrorIs(t, err, types.ErrPathEscape)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, argv)
		})
	}
}

func TestRunCapturesResult(t *testing.T) {
	rt := &execRuntime{result: &container.ProcessResult{
		Stdout:   "42\n",
		Stderr:   "warning\n",
		ExitCode: 3,
	}}
	r := NewRunner(rt, time.Minute, 10*time.Minute, logging.NewNop())

	result, err := r.Run(context.Background(), runningSession(),
		types.CommandSpec{Command: "exit 3"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "42\n", result.Stdout)
	assert.Equal(t, "warning\n", result.Stderr)
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.False(t, result.FinishedAt.Before(result.StartedAt))
}

func TestRunRequiresRunningSession(t *testing.T) {
	r := NewRunner(&execRuntime{}, time.Minute, 10*time.Minute, logging.NewNop())

	sess := runningSession()
	sess.Status = types.StatusSuspended
	sess.UnitRef = ""

	_, err := r.Run(context.Background(), sess, types.CommandSpec{Command: "true"}, 0)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestRunTimeoutIsNotAnError(t *testing.T) {
	rt := &execRuntime{block: true}
	r := NewRunner(rt, time.Minute, 10*time.Minute, logging.NewNop())

	start := time.Now()
	result, err := r.Run(context.Background(), runningSession(),
		types.CommandSpec{Command: "sleep 1000"}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Equal(t, -1, result.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The backend gets the deadline too, so the process is killed inside
	// the unit even when the attach stream outlives the context
	assert.Equal(t, 20*time.Millisecond, rt.opts.Timeout)
}

func TestRunClampsTimeout(t *testing.T) {
	rt := &execRuntime{block: true}
	r := NewRunner(rt, 10*time.Millisecond, 30*time.Millisecond, logging.NewNop())

	// A requested timeout far above the cap still terminates at the cap
	start := time.Now()
	result, err := r.Run(context.Background(), runningSession(),
		types.CommandSpec{Command: "sleep 1000"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 30*time.Millisecond, rt.opts.Timeout)
}

func TestRunPropagatesRuntimeErrors(t *testing.T) {
	rt := &execRuntime{err: errors.New("unit vanished")}
	r := NewRunner(rt, time.Minute, 10*time.Minute, logging.NewNop())

	_, err := r.Run(context.Background(), runningSession(),
		types.CommandSpec{Command: "true"}, 0)
	assert.Error(t, err)
}
