package types

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a session
type Status string

const (
	StatusCreating  Status = "creating"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Valid reports whether s is a known lifecycle state
func (s Status) Valid() bool {
	switch s {
	case StatusCreating, StatusRunning, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}

// Session is a user-owned, durable, resumable sandbox identity. Whether
// compute is currently allocated is tracked by UnitRef: it is non-empty
// exactly while the session is running.
type Session struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	UnitRef   string     `json:"unit_ref,omitempty"`
	VolumeRef string     `json:"volume_ref"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Label keys carried by every execution unit and volume, used for external
// discovery and garbage collection.
const (
	LabelApp     = "app"
	LabelAppName = "vibe"
	LabelOwner   = "owner_id"
	LabelSession = "session_id"
)

// UnitName returns the deterministic execution unit name for the session
func (s *Session) UnitName() string {
	return fmt.Sprintf("vibe-%s-%s", s.OwnerID, s.ID)
}

// VolumeName returns the deterministic durable volume name for the session
func (s *Session) VolumeName() string {
	return fmt.Sprintf("vibe-%s-%s-ws", s.OwnerID, s.ID)
}

// Labels returns the discovery labels for the session's unit and volume
func (s *Session) Labels() map[string]string {
	return map[string]string{
		LabelApp:     LabelAppName,
		LabelOwner:   s.OwnerID,
		LabelSession: s.ID,
	}
}
