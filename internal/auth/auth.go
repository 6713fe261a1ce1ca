// Package auth validates the shared token peers present in the session
// hello.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AnyOf accepts a token matching any of its validators. It is used while
// rotating the cluster token, when both old and new tokens are valid.
type AnyOf []Validator

func (a AnyOf) Validate(token string) error {
	for _, v := range a {
		if v.Validate(token) == nil {
			return nil
		}
	}
	return ErrUnauthorized
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// ForTokens returns a validator for the configured shared tokens, or nil
// when none are set and the bus runs unauthenticated.
func ForTokens(tokens ...string) Validator {
	var out AnyOf
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, StaticToken{Token: t})
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}
