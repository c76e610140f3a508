package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a generation failure.
type Kind int

const (
	KindOther Kind = iota
	KindUnauthorized
	KindRateLimited
	KindTimeout
	KindConnection
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate-limited"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	default:
		return "other"
	}
}

// Error is a typed generation failure. Status is the HTTP status when the
// failure came from a response.
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("generation %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("generation %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies any error returned by a Generator.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	return KindOther
}

func classify(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindOf(err), Err: err}
}
