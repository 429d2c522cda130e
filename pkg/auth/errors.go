package auth

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindBadCredentials    ErrorKind = "BAD_CREDENTIALS"
	KindTOTPMismatch      ErrorKind = "TOTP_MISMATCH"
	KindNetwork           ErrorKind = "NETWORK"
	KindBrokerUnavailable ErrorKind = "BROKER_UNAVAILABLE"
	// KindStore means the handshake succeeded but the token could not be
	// persisted.
	KindStore ErrorKind = "STORE"
)

// AuthError is returned by every failed session refresh.
type AuthError struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, step string, err error) *AuthError {
	return &AuthError{Kind: kind, Step: step, Err: err}
}

// KindOf returns the AuthError kind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
