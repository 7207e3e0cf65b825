package spec

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means no correlated reply (or registration signal)
	// arrived within the caller's budget. Local to the call; retrying
	// is the caller's decision.
	ErrTimeout = errors.New("spec: timed out waiting for reply")
	// ErrClosed means the session's transport is gone. Every outstanding
	// waiter observes it.
	ErrClosed = errors.New("spec: session closed")
	// ErrNotFound means the property or motor does not exist on the
	// server. Fatal to the proxy object being constructed, nothing else.
	ErrNotFound = errors.New("spec: not found")
	// ErrShape rejects any attempt to grow or shrink a remote array.
	ErrShape = errors.New("spec: array shape cannot be modified")
	// ErrScalarWrite marks the unimplemented scalar write path of Var.
	ErrScalarWrite = errors.New("spec: only array values can be written")
	// ErrReadOnly rejects writes to read-only motor properties.
	ErrReadOnly = errors.New("spec: property is read-only")
)

// RemoteError is a server-reported failure for one specific operation.
type RemoteError struct {
	Prop    string
	Code    int32
	Message string
}

func (e *RemoteError) Error() string {
	if e.Prop != "" {
		return fmt.Sprintf("spec: server error on %s: %s", e.Prop, e.Message)
	}
	return fmt.Sprintf("spec: server error: %s", e.Message)
}
