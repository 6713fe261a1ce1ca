package protocol

import "errors"

// Bus error kinds. Every layer wraps one of these so callers can match with
// errors.Is regardless of where the failure was detected.
var (
	ErrMalformedAddress = errors.New("protocol: malformed address")
	ErrHandshake        = errors.New("protocol: handshake failed")
	ErrUnreachable      = errors.New("protocol: destination unreachable")
	ErrHopLimitExceeded = errors.New("protocol: hop limit exceeded")
	ErrAddressInUse     = errors.New("protocol: address in use")
	ErrTimeout          = errors.New("protocol: request timed out")
	ErrSessionLost      = errors.New("protocol: session lost")
	ErrQueueFull        = errors.New("protocol: send queue full")
	ErrHandler          = errors.New("protocol: handler error")
	ErrInvalidArgs      = errors.New("protocol: invalid arguments")

	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
)
