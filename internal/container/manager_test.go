package container

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibecodehq/backend/internal/config"
	"github.com/vibecodehq/backend/internal/logging"
	"github.com/vibecodehq/backend/internal/registry"
	"github.com/vibecodehq/backend/internal/types"
)

// fakeRuntime is an in-memory Runtime for manager tests
type fakeRuntime struct {
	mu        sync.Mutex
	units     map[string]*fakeUnit
	seq       int
	creates   int
	stops     []string
	createErr error
}

type fakeUnit struct {
	name    string
	labels  map[string]string
	running bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{units: make(map[string]*fakeUnit)}
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) CreateUnit(_ context.Context, spec UnitSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	ref := fmt.Sprintf("unit-%d", f.seq)
	f.units[ref] = &fakeUnit{name: spec.Name, labels: spec.Labels}
	return ref, nil
}

func (f *fakeRuntime) StartUnit(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[ref]
	if !ok {
		return types.ErrNotFound
	}
	u.running = true
	return nil
}

func (f *fakeRuntime) StopUnit(_ context.Context, ref string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, ref)
	delete(f.units, ref)
	return nil
}

func (f *fakeRuntime) UnitAlive(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[ref]
	return ok && u.running, nil
}

func (f *fakeRuntime) Probe(_ context.Context, ref string) error {
	alive, _ := f.UnitAlive(nil, ref)
	if !alive {
		return types.ErrUnitUnresponsive
	}
	return nil
}

func (f *fakeRuntime) Exec(context.Context, string, []string, ExecOptions) (*ProcessResult, error) {
	return &ProcessResult{}, nil
}

func (f *fakeRuntime) Shell(context.Context, string, ShellOptions) (ShellStream, error) {
	return nil, errors.New("not supported")
}

func (f *fakeRuntime) ListUnits(context.Context) ([]UnitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []UnitInfo
	for ref, u := range f.units {
		out = append(out, UnitInfo{Ref: ref, Name: u.name, Labels: u.labels, Running: u.running})
	}
	return out, nil
}

func (f *fakeRuntime) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeRuntime) liveUnits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.units)
}

func testConfig(dataRoot string) config.SandboxConfig {
	return config.SandboxConfig{
		DataRoot:       dataRoot,
		Runtime:        "local",
		WorkspaceMount: "/workspace",
		ProbeTimeout:   time.Second,
		ProbeInterval:  time.Millisecond,
		StartRetries:   1,
		GracePeriod:    time.Millisecond,
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime, *registry.Registry) {
	t.Helper()
	dataRoot := t.TempDir()

	reg, err := registry.Open(filepath.Join(dataRoot, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	volumes, err := NewVolumeStore(dataRoot)
	require.NoError(t, err)

	rt := newFakeRuntime()
	m := NewManager(rt, volumes, reg, testConfig(dataRoot), logging.NewNop())
	return m, rt, reg
}

func TestCreateSessionStartsUnit(t *testing.T) {
	m, rt, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "alice", "scratch")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, sess.Status)
	assert.NotEmpty(t, sess.UnitRef)
	assert.Equal(t, sess.VolumeName(), sess.VolumeRef)
	assert.Equal(t, 1, rt.createCount())

	// The workspace exists on disk
	_, err = m.Volumes().WorkspacePath(sess.VolumeRef)
	assert.NoError(t, err)
}

func TestOpenIsIdempotentWhileRunning(t *testing.T) {
	m, rt, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "alice", "s")
	require.NoError(t, err)

	again, err := m.Open(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.UnitRef, again.UnitRef)
	assert.Equal(t, 1, rt.createCount())
}

func TestConcurrentOpensShareOneUnit(t *testing.T) {
	m, rt, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "alice", "s")
	require.NoError(t, err)
	require.NoError(t, m.Suspend(ctx, "alice", sess.ID))

	const n = 10
	refs := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := m.Open(ctx, "alice", sess.ID)
			if err == nil {
				refs[i] = got.UnitRef
			}
		}(i)
	}
	wg.Wait()

	// One create for the initial session, one for the shared reopen
	assert.Equal(t, 2, rt.createCount())
	assert.Equal(t, 1, rt.liveUnits())
	for _, ref := range refs {
		assert.Equal(t, refs[0], ref)
	}
}

func TestOpenReplacesDeadUnit(t *testing.T) {
	m, rt, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "alice", "s")
	require.NoError(t, err)

	// Kill the unit out from under the registry
	rt.mu.Lock()
	rt.units[sess.UnitRef].running = false
	rt.mu.Unlock()

	again, err := m.Open(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, again.Status)
	assert.NotEqual(t, sess.UnitRef, again.UnitRef)
}

func TestSuspendIdempotent(t *testing.T) {
	m, rt, reg := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "alice", "s")
	require.NoError(t, err)

	require.NoError(t, m.Suspend(ctx, "alice", sess.ID))
	require.NoError(t, m.Suspend(ctx, "alice", sess.ID))

	got, err := reg.Get(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuspended, got.Status)
	assert.Empty(t, got.UnitRef)
	assert.Equal(t, 0, rt.liveUnits())
}

func TestDestroyRetainsVolumeByDefault(t *testing.T) {
	m, rt, reg := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "alice", "s")
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, "alice", sess.ID, false))
	assert.Equal(t, 0, rt.liveUnits())
	assert.True(t, m.Volumes().Exists(sess.VolumeRef))

	retained, err := reg.RetainedVolumes(ctx)
	require.NoError(t, err)
	require.Len(t, retained, 1)
	assert.Equal(t, sess.VolumeRef, retained[0].VolumeRef)
}

func TestDestroyForceRemovesVolume(t *testing.T) {
	m, _, reg := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "alice", "s")
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, "alice", sess.ID, true))
	assert.False(t, m.Volumes().Exists(sess.VolumeRef))

	retained, err := reg.RetainedVolumes(ctx)
	require.NoError(t, err)
	assert.Empty(t, retained)
}

func TestStartFailureParksSession(t *testing.T) {
	m, rt, reg := newTestManager(t)
	ctx := context.Background()

	rt.createErr = errors.New("image pull failed")
	sess, err := m.CreateSession(ctx, "alice", "s")
	require.Error(t, err)
	assert.Nil(t, sess)

	// The session is recoverable, not half-initialized
	sessions, err := reg.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, types.StatusSuspended, sessions[0].Status)
	assert.Empty(t, sessions[0].UnitRef)

	rt.createErr = nil
	reopened, err := m.Open(ctx, "alice", sessions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, reopened.Status)
}

func TestBreakerTripsToRuntimeUnavailable(t *testing.T) {
	m, rt, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "alice", "s")
	require.NoError(t, err)
	require.NoError(t, m.Suspend(ctx, "alice", sess.ID))
	assert.True(t, m.RuntimeHealthy())

	rt.createErr = errors.New("daemon down")
	var last error
	for i := 0; i < 6; i++ {
		_, last = m.Open(ctx, "alice", sess.ID)
	}
	assert.ErrorIs(t, last, types.ErrRuntimeUnavailable)
	assert.False(t, m.RuntimeHealthy())
}

func TestDefinitionalErrorsDoNotTripBreaker(t *testing.T) {
	m, rt, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "alice", "s")
	require.NoError(t, err)
	require.NoError(t, m.Suspend(ctx, "alice", sess.ID))

	// A burst of per-request failures must not open the circuit while
	// the runtime itself is healthy
	rt.createErr = fmt.Errorf("volume gone: %w", types.ErrVolumeMissing)
	var last error
	for i := 0; i < 10; i++ {
		_, last = m.Open(ctx, "alice", sess.ID)
	}
	assert.ErrorIs(t, last, types.ErrVolumeMissing)
	assert.NotErrorIs(t, last, types.ErrRuntimeUnavailable)
	assert.True(t, m.RuntimeHealthy())

	// The session recovers as soon as the requests do
	rt.createErr = nil
	reopened, err := m.Open(ctx, "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, reopened.Status)
}

func TestOrphanSweep(t *testing.T) {
	m, rt, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "alice", "s")
	require.NoError(t, err)

	// An orphan from a previous process carrying our labels
	ref, err := rt.CreateUnit(ctx, UnitSpec{Name: "vibe-ghost-sess_x", Labels: map[string]string{
		types.LabelApp: types.LabelAppName,
	}})
	require.NoError(t, err)
	require.NoError(t, rt.StartUnit(ctx, ref))

	m.OrphanSweep(ctx)

	alive, err := rt.UnitAlive(ctx, sess.UnitRef)
	require.NoError(t, err)
	assert.True(t, alive, "registered unit survives the sweep")
	orphanAlive, err := rt.UnitAlive(ctx, ref)
	require.NoError(t, err)
	assert.False(t, orphanAlive, "orphan is stopped")
}

func TestDrainAll(t *testing.T) {
	m, rt, reg := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.CreateSession(ctx, "alice", fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 3, rt.liveUnits())

	m.DrainAll(ctx)
	assert.Equal(t, 0, rt.liveUnits())

	running, err := reg.Running(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}
