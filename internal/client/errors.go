package client

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady     = errors.New("client is not ready")
	ErrAckTimeout   = errors.New("timed out waiting for acknowledgment")
	ErrDisconnected = errors.New("connection lost before acknowledgment")
	ErrRunning      = errors.New("client is already running")
	ErrMaxAttempts  = errors.New("maximum reconnect attempts reached")
)

// AuthError is a terminal rejection of the client's credentials. The
// controller does not retry it.
type AuthError struct {
	Message string
	Reason  string
	Attempt int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %s (%s)", e.Message, e.Reason)
}

// ConnectionError is a retryable transport-level failure.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "connection error: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }
