package protocol

import (
	"errors"
	"fmt"
)

// StatusCode is carried on response envelopes.
type StatusCode uint32

const (
	StatusOK StatusCode = iota
	StatusUnreachable
	StatusNoRoute
	StatusHopLimitExceeded
	StatusTimeout
	StatusSessionLost
	StatusHandlerError
	StatusInvalidArgs
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusUnreachable:
		return "unreachable"
	case StatusNoRoute:
		return "no_route"
	case StatusHopLimitExceeded:
		return "hop_limit_exceeded"
	case StatusTimeout:
		return "timeout"
	case StatusSessionLost:
		return "session_lost"
	case StatusHandlerError:
		return "handler_error"
	case StatusInvalidArgs:
		return "invalid_args"
	default:
		return fmt.Sprintf("status(%d)", uint32(c))
	}
}

// Err returns the bus error kind for the code, or nil for StatusOK.
func (c StatusCode) Err() error {
	switch c {
	case StatusOK:
		return nil
	case StatusUnreachable, StatusNoRoute:
		return ErrUnreachable
	case StatusHopLimitExceeded:
		return ErrHopLimitExceeded
	case StatusTimeout:
		return ErrTimeout
	case StatusSessionLost:
		return ErrSessionLost
	case StatusInvalidArgs:
		return ErrInvalidArgs
	default:
		return ErrHandler
	}
}

// StatusFor maps an error back onto a wire status code.
func StatusFor(err error) StatusCode {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrHopLimitExceeded):
		return StatusHopLimitExceeded
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrSessionLost):
		return StatusSessionLost
	case errors.Is(err, ErrUnreachable):
		return StatusUnreachable
	case errors.Is(err, ErrInvalidArgs), errors.Is(err, ErrMalformedAddress):
		return StatusInvalidArgs
	default:
		return StatusHandlerError
	}
}

// StatusError is a non-OK response surfaced to a requester.
type StatusError struct {
	Code    StatusCode
	Message string
	From    Address
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v from %s", e.Code.Err(), e.From)
	}
	return fmt.Sprintf("%v from %s: %s", e.Code.Err(), e.From, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Code.Err()
}
