package discovery

import (
	"errors"
	"fmt"
)

var (
	// ErrCapabilityUnsupported reports an operation invoked on a backend
	// that does not declare the matching capability. A programming
	// error; never retried.
	ErrCapabilityUnsupported = errors.New("capability unsupported")

	// ErrTimeout reports a lifecycle operation that exceeded its
	// configured bound. The offending backend is disabled.
	ErrTimeout = errors.New("operation timed out")

	// ErrStreamClosed reports a backend event sequence that ended while
	// the backend was scanning.
	ErrStreamClosed = errors.New("event stream closed unexpectedly")

	// ErrAlreadyRegistered reports a duplicate backend ID.
	ErrAlreadyRegistered = errors.New("backend already registered")

	// ErrNotRegistered reports an unknown backend ID.
	ErrNotRegistered = errors.New("backend not registered")

	// ErrAlreadyStarted reports a second Start on a running orchestrator.
	ErrAlreadyStarted = errors.New("orchestrator already started")

	// ErrStopped reports use of an orchestrator after Stop.
	ErrStopped = errors.New("orchestrator stopped")
)

// InitializationError reports a backend that failed to construct.
// Fatal for that backend only.
type InitializationError struct {
	Backend string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize backend %s: %v", e.Backend, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// OperationError reports a failed lifecycle call, attributed to the
// originating backend. Retryable per caller policy unless it wraps
// ErrCapabilityUnsupported.
type OperationError struct {
	Backend string
	Op      string
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Timeout reports whether the operation failed by exceeding its bound.
func (e *OperationError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }
