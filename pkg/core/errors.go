package core

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at the core boundary.
type Kind int

const (
	// Unreachable means the boundary call failed or the core is not initialized.
	Unreachable Kind = iota + 1
	// Malformed means the core's response could not be decoded.
	Malformed
	// Rejected means the core explicitly declined the event.
	Rejected
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Malformed:
		return "malformed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per Kind. A *BridgeError matches the sentinel of its
// kind with errors.Is.
var (
	ErrUnreachable = errors.New("core unreachable")
	ErrMalformed   = errors.New("core response malformed")
	ErrRejected    = errors.New("core rejected event")

	// ErrAlreadyInitialized is returned by a second InitializeCoreContext.
	ErrAlreadyInitialized = errors.New("core context already initialized")
)

func (k Kind) sentinel() error {
	switch k {
	case Unreachable:
		return ErrUnreachable
	case Malformed:
		return ErrMalformed
	case Rejected:
		return ErrRejected
	default:
		return nil
	}
}

// BridgeError is returned by every failed call across the boundary.
type BridgeError struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *BridgeError) Error() string {
	msg := fmt.Sprintf("core %s: %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *BridgeError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// NewError builds a BridgeError for op.
func NewError(kind Kind, op string, err error) *BridgeError {
	return &BridgeError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried by err, or 0 when err is not a BridgeError.
func KindOf(err error) Kind {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}
