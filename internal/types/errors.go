package types

import "errors"

// Error taxonomy shared across components. Sandbox and precondition errors
// (ErrPathEscape, ErrTargetExists, ErrTargetMissing, ErrConflict) are
// definitional failures and are never retried. Transient infrastructure
// errors (ErrUnitStartTimeout, ErrUnitUnresponsive) are retried a bounded
// number of times inside the container manager before surfacing.
var (
	// ErrNotFound indicates an unknown session or path
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a lifecycle compare-and-swap lost a race
	ErrConflict = errors.New("lifecycle conflict")

	// ErrPathEscape indicates a client path resolved outside the workspace root
	ErrPathEscape = errors.New("path escapes workspace root")

	// ErrTargetExists indicates the destination of a file operation is occupied
	ErrTargetExists = errors.New("target already exists")

	// ErrTargetMissing indicates the source of a file operation does not exist
	ErrTargetMissing = errors.New("target missing")

	// ErrUnitStartTimeout indicates the readiness probe never succeeded
	ErrUnitStartTimeout = errors.New("execution unit start timed out")

	// ErrVolumeMissing indicates the backing volume was externally removed
	ErrVolumeMissing = errors.New("backing volume missing")

	// ErrUnitUnresponsive indicates the unit failed health checks after start
	ErrUnitUnresponsive = errors.New("execution unit unresponsive")

	// ErrTimedOut indicates an execution exceeded its deadline
	ErrTimedOut = errors.New("execution timed out")

	// ErrAttachFailed indicates the interactive shell could not be spawned
	ErrAttachFailed = errors.New("terminal attach failed")

	// ErrRuntimeUnavailable indicates the container runtime itself is unreachable
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
)
