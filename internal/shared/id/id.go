// Package id provides centralized ID generation for the backend.
//
// IDs are prefixed ULIDs: lexicographically sortable, collision-free across
// services, and readable in logs (sess_*, att_*).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID identifies a user session
type SessionID string

// AttachID identifies a terminal attachment
type AttachID string

const (
	SessionPrefix = "sess"
	AttachPrefix  = "att"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

func getDefault() *Generator {
	once.Do(func() {
		defaultGenerator = &Generator{
			entropy: ulid.Monotonic(rand.Reader, 0),
		}
	})
	return defaultGenerator
}

// New generates a prefixed ULID
func (g *Generator) New(prefix string) string {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	u := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return fmt.Sprintf("%s_%s", prefix, u.String())
}

// NewSessionID generates a new session ID
func NewSessionID() SessionID {
	return SessionID(getDefault().New(SessionPrefix))
}

// NewAttachID generates a new terminal attachment ID
func NewAttachID() AttachID {
	return AttachID(getDefault().New(AttachPrefix))
}
