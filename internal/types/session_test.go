package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusCreating, StatusRunning, StatusSuspended, StatusDeleted} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Status("paused").Valid())
	assert.False(t, Status("").Valid())
}

func TestDeterministicNames(t *testing.T) {
	s := &Session{ID: "sess_01ABC", OwnerID: "alice"}

	assert.Equal(t, "vibe-alice-sess_01ABC", s.UnitName())
	assert.Equal(t, "vibe-alice-sess_01ABC-ws", s.VolumeName())

	labels := s.Labels()
	assert.Equal(t, "vibe", labels[LabelApp])
	assert.Equal(t, "alice", labels[LabelOwner])
	assert.Equal(t, "sess_01ABC", labels[LabelSession])
}
