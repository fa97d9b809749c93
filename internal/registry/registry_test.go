package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibecodehq/backend/internal/types"
)

func openTest(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestCreateAndGet(t *testing.T) {
	reg := openTest(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, "sess_1", "alice", "scratch")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreating, sess.Status)
	assert.Empty(t, sess.UnitRef)

	got, err := reg.Get(ctx, "alice", "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "scratch", got.Name)
	assert.Equal(t, types.StatusCreating, got.Status)

	// Ownership scopes lookups
	_, err = reg.Get(ctx, "bob", "sess_1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCreateRejectsReusedID(t *testing.T) {
	reg := openTest(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "sess_1", "alice", "one")
	require.NoError(t, err)

	_, err = reg.Create(ctx, "sess_1", "alice", "two")
	assert.ErrorIs(t, err, types.ErrConflict)

	// A soft-deleted session still owns its ID
	require.NoError(t, reg.SoftDelete(ctx, "sess_1"))
	_, err = reg.Create(ctx, "sess_1", "alice", "three")
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestTransitionCAS(t *testing.T) {
	reg := openTest(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "sess_1", "alice", "s")
	require.NoError(t, err)

	sess, err := reg.Transition(ctx, "sess_1", types.StatusCreating, types.StatusRunning, "unit-a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, sess.Status)
	assert.Equal(t, "unit-a", sess.UnitRef)

	// A second racer still holding the old expected state loses
	_, err = reg.Transition(ctx, "sess_1", types.StatusCreating, types.StatusRunning, "unit-b")
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = reg.Transition(ctx, "sess_missing", types.StatusCreating, types.StatusRunning, "unit-c")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTransitionUnitRefInvariant(t *testing.T) {
	reg := openTest(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "sess_1", "alice", "s")
	require.NoError(t, err)

	// Running without a unit ref is never representable
	_, err = reg.Transition(ctx, "sess_1", types.StatusCreating, types.StatusRunning, "")
	assert.Error(t, err)

	// Nor a unit ref on a non-running state
	_, err = reg.Transition(ctx, "sess_1", types.StatusCreating, types.StatusSuspended, "unit-a")
	assert.Error(t, err)

	sess, err := reg.Transition(ctx, "sess_1", types.StatusCreating, types.StatusSuspended, "")
	require.NoError(t, err)
	assert.Empty(t, sess.UnitRef)
}

func TestSetVolumeImmutable(t *testing.T) {
	reg := openTest(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "sess_1", "alice", "s")
	require.NoError(t, err)

	require.NoError(t, reg.SetVolume(ctx, "sess_1", "vibe-alice-sess_1-ws"))
	err = reg.SetVolume(ctx, "sess_1", "other-volume")
	assert.ErrorIs(t, err, types.ErrConflict)

	sess, err := reg.Get(ctx, "alice", "sess_1")
	require.NoError(t, err)
	assert.Equal(t, "vibe-alice-sess_1-ws", sess.VolumeRef)
}

func TestSoftDeleteRetainsVolume(t *testing.T) {
	reg := openTest(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, "sess_1", "alice", "s")
	require.NoError(t, err)
	require.NoError(t, reg.SetVolume(ctx, "sess_1", "vol-1"))
	_, err = reg.Transition(ctx, "sess_1", types.StatusCreating, types.StatusRunning, "unit-a")
	require.NoError(t, err)

	require.NoError(t, reg.SoftDelete(ctx, "sess_1"))

	// Deleted sessions disappear from lookups and listings
	_, err = reg.Get(ctx, "alice", "sess_1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	sessions, err := reg.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// But their volumes stay visible to the recovery path
	retained, err := reg.RetainedVolumes(ctx)
	require.NoError(t, err)
	require.Len(t, retained, 1)
	assert.Equal(t, "sess_1", retained[0].SessionID)
	assert.Equal(t, "vol-1", retained[0].VolumeRef)

	require.NoError(t, reg.ClearVolume(ctx, "sess_1"))
	retained, err = reg.RetainedVolumes(ctx)
	require.NoError(t, err)
	assert.Empty(t, retained)

	assert.ErrorIs(t, reg.SoftDelete(ctx, "sess_1"), types.ErrNotFound)
}

func TestRunning(t *testing.T) {
	reg := openTest(t)
	ctx := context.Background()

	for _, id := range []string{"sess_1", "sess_2", "sess_3"} {
		_, err := reg.Create(ctx, id, "alice", id)
		require.NoError(t, err)
	}
	_, err := reg.Transition(ctx, "sess_1", types.StatusCreating, types.StatusRunning, "unit-1")
	require.NoError(t, err)
	_, err = reg.Transition(ctx, "sess_2", types.StatusCreating, types.StatusSuspended, "")
	require.NoError(t, err)

	running, err := reg.Running(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "sess_1", running[0].ID)
}
