// Package terminal multiplexes one persistent interactive shell per
// running session to any number of duplex client connections.
//
// The shell is spawned lazily on first attach, bound to a pseudo-terminal
// inside the session's execution unit, and outlives individual client
// connections: the last client detaching leaves the shell running, and a
// reconnecting client is seeded with the recent output backlog. The shell
// is torn down only when the session suspends or is deleted.
package terminal

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/vibecodehq/backend/internal/container"
	"github.com/vibecodehq/backend/internal/logging"
	"github.com/vibecodehq/backend/internal/shared/id"
	"github.com/vibecodehq/backend/internal/types"
)

const (
	// backlogSize bounds the output history replayed to new attachments
	backlogSize = 64 * 1024

	// clientBufferSlots is the per-client outbound chunk buffer. When a
	// slow client's buffer fills, its oldest chunks are dropped rather
	// than blocking the shared output pump.
	clientBufferSlots = 256

	readChunkSize = 4096

	defaultCols = 80
	defaultRows = 24
)

// Termination reason codes delivered to attached clients
const (
	ReasonSuspended   = "session-suspended"
	ReasonDeleted     = "session-deleted"
	ReasonShellExited = "shell-exited"
)

// Bridge owns the per-session shells and their client fanout
type Bridge struct {
	runtime container.Runtime
	shell   string
	log     *logging.Logger

	mu     sync.Mutex
	shells map[string]*shellSession
}

// NewBridge creates a terminal bridge spawning shellCmd in units
func NewBridge(runtime container.Runtime, shellCmd string, log *logging.Logger) *Bridge {
	return &Bridge{
		runtime: runtime,
		shell:   shellCmd,
		log:     log,
		shells:  make(map[string]*shellSession),
	}
}

// Attachment is one client's handle on a session's shell
type Attachment struct {
	ID        string
	SessionID string

	sess *shellSession
	out  chan []byte
}

// Output delivers shell output chunks in arrival order
func (a *Attachment) Output() <-chan []byte { return a.out }

// Done is closed when the shell terminates
func (a *Attachment) Done() <-chan struct{} { return a.sess.done }

// Reason returns the termination reason code once Done is closed
func (a *Attachment) Reason() string {
	a.sess.mu.Lock()
	defer a.sess.mu.Unlock()
	return a.sess.reason
}

// Write delivers input bytes to the pseudo-terminal as received
func (a *Attachment) Write(p []byte) error {
	a.sess.mu.Lock()
	closed := a.sess.closed
	a.sess.mu.Unlock()
	if closed {
		return fmt.Errorf("shell for session %s: %w", a.SessionID, types.ErrNotFound)
	}
	_, err := a.sess.stream.Write(p)
	return err
}

// Resize changes the pseudo-terminal dimensions. Any attached client may
// resize; the terminal follows the most recent request.
func (a *Attachment) Resize(cols, rows uint16) error {
	return a.sess.stream.Resize(cols, rows)
}

// Attach registers a duplex client on the session's shell, spawning the
// shell if the session has none. The new client's output starts with the
// buffered backlog so prior shell state is visible after a reconnect.
//
// The spawn runs outside the bridge lock, holding only a placeholder
// entry for its session: one session's slow shell start never stalls
// attaches to other sessions. Concurrent attaches to the same session
// wait on the placeholder and share the one shell.
func (b *Bridge) Attach(ctx context.Context, sess *types.Session) (*Attachment, error) {
	if sess.Status != types.StatusRunning || sess.UnitRef == "" {
		return nil, fmt.Errorf("session %s is not running: %w", sess.ID, types.ErrAttachFailed)
	}

	b.mu.Lock()
	sh, ok := b.shells[sess.ID]
	if !ok {
		sh = &shellSession{
			sessionID: sess.ID,
			clients:   make(map[string]chan []byte),
			backlog:   NewBacklog(backlogSize),
			done:      make(chan struct{}),
			ready:     make(chan struct{}),
		}
		b.shells[sess.ID] = sh
	}
	b.mu.Unlock()

	if !ok {
		b.spawn(ctx, sess, sh)
	}

	select {
	case <-sh.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := sh.spawnResult(); err != nil {
		return nil, err
	}

	att, err := sh.register(sess.ID)
	if err != nil {
		return nil, err
	}
	return att, nil
}

// spawn starts the session's shell and publishes the outcome on the
// placeholder. A Terminate racing the spawn wins: the fresh stream is
// closed and waiters get an attach failure.
func (b *Bridge) spawn(ctx context.Context, sess *types.Session, sh *shellSession) {
	stream, err := b.runtime.Shell(ctx, sess.UnitRef, container.ShellOptions{
		Command: b.shell,
		Cols:    defaultCols,
		Rows:    defaultRows,
	})

	sh.mu.Lock()
	switch {
	case err != nil:
		sh.spawnErr = fmt.Errorf("%w: %v", types.ErrAttachFailed, err)
	case sh.closed:
		stream.Close()
		sh.spawnErr = fmt.Errorf("shell for session %s closed: %w", sess.ID, types.ErrAttachFailed)
	default:
		sh.stream = stream
	}
	failed := sh.spawnErr != nil
	sh.mu.Unlock()
	close(sh.ready)

	if failed {
		b.mu.Lock()
		if b.shells[sess.ID] == sh {
			delete(b.shells, sess.ID)
		}
		b.mu.Unlock()
		return
	}

	go b.pump(sh)
	b.log.Info("shell spawned", zap.String("session_id", sess.ID))
}

// Detach unregisters the client. The shell keeps running even when the
// last client detaches.
func (b *Bridge) Detach(att *Attachment) {
	att.sess.unregister(att.ID)
}

// Terminate tears down the session's shell, notifying all attached
// clients with the reason code. A session without a shell is a no-op.
func (b *Bridge) Terminate(sessionID, reason string) {
	b.mu.Lock()
	sh, ok := b.shells[sessionID]
	if ok {
		delete(b.shells, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	sh.close(reason)
	b.log.Info("shell terminated",
		zap.String("session_id", sessionID), zap.String("reason", reason))
}

// Attached reports how many clients are attached to the session's shell
func (b *Bridge) Attached(sessionID string) int {
	b.mu.Lock()
	sh, ok := b.shells[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.clients)
}

// pump reads the pseudo-terminal and fans output out to every attached
// client in arrival order
func (b *Bridge) pump(sh *shellSession) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := sh.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sh.backlog.Write(chunk)
			sh.broadcast(chunk)
		}
		if err != nil {
			if err != io.EOF {
				b.log.Debug("shell read ended",
					zap.String("session_id", sh.sessionID), zap.Error(err))
			}
			break
		}
	}

	// The shell exited on its own (or the stream was closed under us);
	// make sure clients are notified and the bridge entry is gone.
	b.mu.Lock()
	_, live := b.shells[sh.sessionID]
	if live {
		delete(b.shells, sh.sessionID)
	}
	b.mu.Unlock()
	if live {
		sh.close(ReasonShellExited)
	}
}

type shellSession struct {
	sessionID string
	backlog   *Backlog
	done      chan struct{}

	// ready is closed once the spawn settled; stream and spawnErr are
	// immutable afterwards
	ready    chan struct{}
	stream   container.ShellStream
	spawnErr error

	mu      sync.Mutex
	clients map[string]chan []byte
	closed  bool
	reason  string
}

// spawnResult reports the spawn outcome; callers wait on ready first
func (sh *shellSession) spawnResult() error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.spawnErr
}

func (sh *shellSession) register(sessionID string) (*Attachment, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return nil, fmt.Errorf("shell for session %s closed: %w", sessionID, types.ErrAttachFailed)
	}

	att := &Attachment{
		ID:        string(id.NewAttachID()),
		SessionID: sessionID,
		sess:      sh,
		out:       make(chan []byte, clientBufferSlots),
	}
	if replay := sh.backlog.Bytes(); len(replay) > 0 {
		att.out <- replay
	}
	sh.clients[att.ID] = att.out
	return att, nil
}

func (sh *shellSession) unregister(attachID string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.clients, attachID)
}

// broadcast delivers the chunk to every client, dropping a slow client's
// oldest chunk instead of stalling the pump
func (sh *shellSession) broadcast(chunk []byte) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, out := range sh.clients {
		select {
		case out <- chunk:
		default:
			select {
			case <-out:
			default:
			}
			select {
			case out <- chunk:
			default:
			}
		}
	}
}

func (sh *shellSession) close(reason string) {
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		return
	}
	sh.closed = true
	sh.reason = reason
	sh.clients = make(map[string]chan []byte)
	stream := sh.stream
	sh.mu.Unlock()

	// stream is nil when a Terminate wins a race with an in-flight
	// spawn; the spawn path closes the fresh stream itself
	if stream != nil {
		stream.Close()
	}
	close(sh.done)
}
