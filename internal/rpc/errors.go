package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy means the request ring stayed full. The call was not sent and
	// may be retried.
	ErrBusy = errors.New("rpc: channel busy")
	// ErrTimeout means no response arrived in time. The peer may still
	// answer; the late response is discarded.
	ErrTimeout = errors.New("rpc: call timed out")
	// ErrUnsupported is reported by the peer for operations it does not
	// implement.
	ErrUnsupported = errors.New("rpc: operation not supported by peer")
	// ErrClosed is returned once the client is shut down.
	ErrClosed = errors.New("rpc: client closed")
	// ErrMismatch is returned to a caller whose response carried a
	// different operation code than its request.
	ErrMismatch = errors.New("rpc: response does not match request")
)

// StatusError is a non-zero status. Servers return it from handlers to pick
// the status; clients receive it for failed calls.
type StatusError struct {
	Op      Op
	Status  Status
	Message string
}

// Errorf builds a StatusError for a handler.
func Errorf(status Status, format string, args ...any) *StatusError {
	return &StatusError{Status: status, Message: fmt.Sprintf(format, args...)}
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rpc: op %d: %s: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("rpc: op %d: %s", e.Op, e.Status)
}

// Is lets errors.Is(err, ErrUnsupported) and errors.Is(err, ErrBusy) match
// the corresponding peer status.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnsupported:
		return e.Status == StatusUnsupported
	case ErrBusy:
		return e.Status == StatusBusy
	}
	return false
}

// StatusOf maps an error to the status a server reports for it.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusInternal
}
