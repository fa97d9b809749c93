package container

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vibecodehq/backend/internal/config"
	"github.com/vibecodehq/backend/internal/logging"
	"github.com/vibecodehq/backend/internal/registry"
	"github.com/vibecodehq/backend/internal/resilience"
	"github.com/vibecodehq/backend/internal/shared/id"
	"github.com/vibecodehq/backend/internal/types"
)

// ShellTerminator tears down a session's interactive shell before its
// execution unit is stopped. Implemented by the terminal bridge and wired
// in at server construction to avoid a package cycle.
type ShellTerminator interface {
	Terminate(sessionID, reason string)
}

// Manager owns the execution unit lifecycle. It guarantees at most one
// live unit per session by combining the registry's compare-and-swap
// status transition with a per-session lock held for the duration of
// materialize/suspend/destroy. File and execution operations never take
// that lock.
type Manager struct {
	runtime  Runtime
	volumes  *VolumeStore
	registry *registry.Registry
	cfg      config.SandboxConfig
	log      *logging.Logger

	locks   *sessionLocks
	breaker *resilience.Breaker
	retry   resilience.RetryPolicy

	terminator ShellTerminator
}

// NewManager creates a container manager
func NewManager(runtime Runtime, volumes *VolumeStore, reg *registry.Registry, cfg config.SandboxConfig, log *logging.Logger) *Manager {
	m := &Manager{
		runtime:  runtime,
		volumes:  volumes,
		registry: reg,
		cfg:      cfg,
		log:      log,
		locks:    newSessionLocks(),
		retry: resilience.RetryPolicy{
			Attempts:  cfg.StartRetries,
			BaseDelay: 500 * time.Millisecond,
			MaxDelay:  5 * time.Second,
		},
	}
	m.breaker = resilience.NewBreaker("container-runtime", resilience.Settings{
		IsSuccessful: func(err error) bool { return !countsAgainstRuntime(err) },
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("runtime breaker state change",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return m
}

// SetTerminator wires the terminal bridge teardown hook
func (m *Manager) SetTerminator(t ShellTerminator) {
	m.terminator = t
}

// Volumes exposes the volume store for the workspace guard and admin paths
func (m *Manager) Volumes() *VolumeStore {
	return m.volumes
}

// Runtime exposes the unit runtime for the terminal bridge and runner
func (m *Manager) Runtime() Runtime {
	return m.runtime
}

// CreateSession allocates a new session: registry row, durable volume,
// and a started execution unit. If the unit cannot be started the session
// is left suspended, never half-initialized, and can be opened later.
func (m *Manager) CreateSession(ctx context.Context, ownerID, name string) (*types.Session, error) {
	sessionID := string(id.NewSessionID())

	sess, err := m.registry.Create(ctx, sessionID, ownerID, name)
	if err != nil {
		return nil, err
	}

	volumeRef, err := m.ensureVolume(sess)
	if err != nil {
		return nil, err
	}
	if err := m.registry.SetVolume(ctx, sessionID, volumeRef); err != nil {
		return nil, err
	}
	sess.VolumeRef = volumeRef

	running, err := m.Materialize(ctx, ownerID, sessionID)
	if err != nil {
		m.log.Warn("session created but unit start failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	m.log.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("owner_id", ownerID),
		zap.String("unit_ref", running.UnitRef))
	return running, nil
}

// Open resumes a session, materializing its execution unit if needed
func (m *Manager) Open(ctx context.Context, ownerID, sessionID string) (*types.Session, error) {
	return m.Materialize(ctx, ownerID, sessionID)
}

// Materialize ensures the session has a live execution unit. Idempotent:
// if a verified-alive unit already exists it is returned; a concurrent
// call blocks on the session lock and then observes the unit the first
// call started.
func (m *Manager) Materialize(ctx context.Context, ownerID, sessionID string) (*types.Session, error) {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	sess, err := m.registry.Get(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Status == types.StatusRunning && sess.UnitRef != "" {
		alive, aliveErr := m.unitAlive(ctx, sess.UnitRef)
		if aliveErr == nil && alive {
			return sess, nil
		}
		// Unit died out from under us; release it and start fresh
		m.stopUnit(ctx, sess.UnitRef)
		sess, err = m.registry.Transition(ctx, sessionID, types.StatusRunning, types.StatusSuspended, "")
		if err != nil {
			return nil, err
		}
	}

	workspace, err := m.volumes.WorkspacePath(sess.VolumeRef)
	if err != nil {
		return nil, err
	}

	spec := m.unitSpec(sess, workspace)
	var unitRef string
	startErr := m.retry.Do(ctx, func() error {
		ref, err := m.startUnit(ctx, spec)
		if err != nil {
			return err
		}
		unitRef = ref
		return nil
	}, isTransientStart)
	if startErr != nil {
		// Leave the session recoverable rather than half-initialized
		if sess.Status == types.StatusCreating {
			if _, err := m.registry.Transition(ctx, sessionID, types.StatusCreating, types.StatusSuspended, ""); err != nil {
				m.log.Error("failed to park session after start failure",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		return nil, startErr
	}

	updated, err := m.registry.Transition(ctx, sessionID, sess.Status, types.StatusRunning, unitRef)
	if err != nil {
		m.stopUnit(ctx, unitRef)
		return nil, err
	}

	m.log.Info("unit materialized",
		zap.String("session_id", sessionID), zap.String("unit_ref", unitRef))
	return updated, nil
}

// Suspend stops the session's execution unit, retaining the volume.
// Suspending an already-suspended session is a no-op.
func (m *Manager) Suspend(ctx context.Context, ownerID, sessionID string) error {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	sess, err := m.registry.Get(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != types.StatusRunning {
		return nil
	}

	if m.terminator != nil {
		m.terminator.Terminate(sessionID, "session-suspended")
	}
	m.stopUnit(ctx, sess.UnitRef)

	if _, err := m.registry.Transition(ctx, sessionID, types.StatusRunning, types.StatusSuspended, ""); err != nil {
		return err
	}
	m.log.Info("session suspended", zap.String("session_id", sessionID))
	return nil
}

// Destroy deletes the session, stopping its unit if any. The durable
// volume is removed only when forceVolume is set; otherwise it is
// retained for the administrative recovery path.
func (m *Manager) Destroy(ctx context.Context, ownerID, sessionID string, forceVolume bool) error {
	m.locks.Lock(sessionID)
	defer m.locks.Unlock(sessionID)

	sess, err := m.registry.Get(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}

	if m.terminator != nil {
		m.terminator.Terminate(sessionID, "session-deleted")
	}
	if sess.UnitRef != "" {
		m.stopUnit(ctx, sess.UnitRef)
	}

	if err := m.registry.SoftDelete(ctx, sessionID); err != nil {
		return err
	}

	if forceVolume {
		if err := m.volumes.Remove(sess.VolumeRef); err != nil {
			return fmt.Errorf("remove volume %s: %w", sess.VolumeRef, err)
		}
		if err := m.registry.ClearVolume(ctx, sessionID); err != nil {
			return err
		}
	}

	m.log.Info("session deleted",
		zap.String("session_id", sessionID), zap.Bool("volume_removed", forceVolume))
	return nil
}

// DrainAll suspends every running session. Called on server shutdown.
func (m *Manager) DrainAll(ctx context.Context) {
	running, err := m.registry.Running(ctx)
	if err != nil {
		m.log.Error("drain: list running sessions failed", zap.Error(err))
		return
	}
	for _, sess := range running {
		if err := m.Suspend(ctx, sess.OwnerID, sess.ID); err != nil {
			m.log.Error("drain: suspend failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
}

// OrphanSweep reconciles labeled runtime units against the registry on
// startup: any unit whose session is not marked running is stopped. The
// deterministic labels make orphans discoverable after a crash.
func (m *Manager) OrphanSweep(ctx context.Context) {
	units, err := m.runtime.ListUnits(ctx)
	if err != nil {
		m.log.Warn("orphan sweep: list units failed", zap.Error(err))
		return
	}
	if len(units) == 0 {
		return
	}

	running, err := m.registry.Running(ctx)
	if err != nil {
		m.log.Error("orphan sweep: list running sessions failed", zap.Error(err))
		return
	}
	expected := make(map[string]string, len(running)) // unit name -> unit ref
	for _, sess := range running {
		expected[sess.UnitName()] = sess.UnitRef
	}

	for _, unit := range units {
		if ref, ok := expected[unit.Name]; ok && ref == unit.Ref {
			continue
		}
		m.log.Warn("stopping orphaned unit",
			zap.String("unit", unit.Name), zap.String("ref", unit.Ref))
		if err := m.runtime.StopUnit(ctx, unit.Ref, m.cfg.GracePeriod); err != nil {
			m.log.Error("orphan sweep: stop failed",
				zap.String("unit", unit.Name), zap.Error(err))
		}
	}
}

// RuntimeHealthy reports whether the runtime breaker admits requests
func (m *Manager) RuntimeHealthy() bool {
	return m.breaker.State() != resilience.StateOpen
}

func (m *Manager) ensureVolume(sess *types.Session) (string, error) {
	return m.volumes.Ensure(sess.VolumeName(), sess.Labels())
}

func (m *Manager) unitSpec(sess *types.Session, workspace string) UnitSpec {
	return UnitSpec{
		Name:              sess.UnitName(),
		Labels:            sess.Labels(),
		Image:             m.cfg.Image,
		WorkspaceHostPath: workspace,
		WorkspaceMount:    m.cfg.WorkspaceMount,
		MemoryBytes:       m.cfg.MemoryLimitMB * 1024 * 1024,
		NanoCPUs:          int64(m.cfg.CPULimit * 1e9),
		PidsLimit:         m.cfg.PidsLimit,
	}
}

// startUnit creates, starts and probes a unit. On probe timeout the unit
// is released so a retry starts from a clean slate.
func (m *Manager) startUnit(ctx context.Context, spec UnitSpec) (string, error) {
	var unitRef string
	err := m.runtimeCall(func() error {
		ref, err := m.runtime.CreateUnit(ctx, spec)
		if err != nil {
			return err
		}
		unitRef = ref
		return m.runtime.StartUnit(ctx, ref)
	})
	if err != nil {
		if unitRef != "" {
			m.stopUnit(ctx, unitRef)
		}
		return "", err
	}

	if err := m.awaitReady(ctx, unitRef); err != nil {
		m.stopUnit(ctx, unitRef)
		return "", err
	}
	return unitRef, nil
}

// awaitReady polls the shell-spawnable probe until it succeeds or the
// probe timeout elapses
func (m *Manager) awaitReady(ctx context.Context, unitRef string) error {
	deadline := time.Now().Add(m.cfg.ProbeTimeout)
	var lastErr error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeInterval*4)
		lastErr = m.runtime.Probe(probeCtx, unitRef)
		cancel()
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %v", types.ErrUnitStartTimeout, lastErr)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", types.ErrUnitStartTimeout, ctx.Err())
		case <-time.After(m.cfg.ProbeInterval):
		}
	}
}

func (m *Manager) unitAlive(ctx context.Context, unitRef string) (bool, error) {
	var alive bool
	err := m.runtimeCall(func() error {
		a, err := m.runtime.UnitAlive(ctx, unitRef)
		if err != nil {
			return err
		}
		alive = a
		return nil
	})
	return alive, err
}

func (m *Manager) stopUnit(ctx context.Context, unitRef string) {
	err := m.runtimeCall(func() error {
		return m.runtime.StopUnit(ctx, unitRef, m.cfg.GracePeriod)
	})
	if err != nil {
		m.log.Error("stop unit failed", zap.String("unit_ref", unitRef), zap.Error(err))
	}
}

// runtimeCall routes a runtime operation through the circuit breaker. An
// open circuit surfaces as service-level unavailability rather than a
// per-session failure.
func (m *Manager) runtimeCall(fn func() error) error {
	err := m.breaker.Execute(fn)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: circuit open", types.ErrRuntimeUnavailable)
	}
	return err
}

func isTransientStart(err error) bool {
	return errors.Is(err, types.ErrUnitStartTimeout) || errors.Is(err, types.ErrUnitUnresponsive)
}

// countsAgainstRuntime separates runtime-infrastructure failures from
// definitional per-request errors. Only the former trip the breaker: a
// burst of requests against missing volumes or stale unit refs must not
// open the circuit while the daemon is healthy.
func countsAgainstRuntime(err error) bool {
	switch {
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrVolumeMissing),
		errors.Is(err, types.ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
