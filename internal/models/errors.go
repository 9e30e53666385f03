package models

import (
	"errors"
)

// Error taxonomy shared by the lifecycle, the dispatcher and the pipeline.
var (
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrAuthorizationDenied   = errors.New("authorization denied")
	ErrDuplicateInFlight     = errors.New("duplicate in flight")
	ErrDeliveryFailure       = errors.New("delivery failure")
	ErrProtocol              = errors.New("protocol error")
	ErrInvalidTransition     = errors.New("invalid delivery status transition")
)

// Rejection pairs a taxonomy error with the text the client is allowed to see.
type Rejection struct {
	Kind    error
	Message string
}

// Reject builds a Rejection of the given kind.
func Reject(kind error, message string) *Rejection {
	return &Rejection{Kind: kind, Message: message}
}

func (r *Rejection) Error() string {
	return r.Kind.Error() + ": " + r.Message
}

func (r *Rejection) Unwrap() error {
	return r.Kind
}

// PublicError maps err to a client-visible string. Internal error text is
// never exposed.
func PublicError(err error) string {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Message
	}

	switch {
	case errors.Is(err, ErrAuthenticationFailure):
		return "Authentication failed"
	case errors.Is(err, ErrAuthorizationDenied):
		return "Not authorized"
	case errors.Is(err, ErrDuplicateInFlight):
		return "Action already being processed"
	case errors.Is(err, ErrProtocol):
		return "Invalid request"
	case errors.Is(err, ErrDeliveryFailure):
		return "Failed to deliver"
	default:
		return "Internal server error"
	}
}
