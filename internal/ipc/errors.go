package ipc

import (
	"errors"
	"fmt"

	"keyboardlock/internal/capture"
	"keyboardlock/internal/lock"
)

// Common errors
var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
	ErrAlreadyRunning   = errors.New("daemon is already running")
	ErrPeerRejected     = errors.New("peer is not the socket owner")
	ErrRateLimited      = errors.New("too many requests")
)

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap maps well-known codes back to their sentinel so callers can use
// errors.Is across the socket.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeUnknownCommand:
		return ErrUnknownCommand
	case CodePermissionDenied:
		return lock.ErrPermissionDenied
	case CodeHookInstallFailed:
		return lock.ErrHookInstallFailed
	case CodeNotAvailable:
		return capture.ErrNotAvailable
	case CodeClosed:
		return lock.ErrClosed
	case CodeRateLimited:
		return ErrRateLimited
	default:
		return nil
	}
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return CodeUnknownCommand
	case errors.Is(err, lock.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, capture.ErrNotAvailable):
		return CodeNotAvailable
	case errors.Is(err, lock.ErrHookInstallFailed):
		return CodeHookInstallFailed
	case errors.Is(err, lock.ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
