// Package relayerr defines the typed error kinds shared by the relay client
// and server. Each Kind maps onto one wire protocol.ErrorCode (several Kinds
// share InternalError) so server code can turn an internal error directly
// into an Error{code, message} frame without a second classification step.
package relayerr

import (
	"errors"
	"fmt"
)

// Kind classifies a relay error for logging and for translation onto the
// wire protocol's ErrorCode.
type Kind string

const (
	Network        Kind = "network"
	Tls            Kind = "tls"
	Serialization  Kind = "serialization"
	Authentication Kind = "authentication"
	Tunnel         Kind = "tunnel"
	Config         Kind = "config"
	Protocol       Kind = "protocol"
	Connection     Kind = "connection"
	Timeout        Kind = "timeout"
)

// Error wraps an underlying cause with a Kind and the component that raised
// it, following the "component: context: %w" wrapping convention used
// throughout the tunnel package this is grounded on.
type Error struct {
	Kind      Kind
	Component string
	Context   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Context, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Context)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a relayerr.Error with no wrapped cause.
func New(kind Kind, component, context string) *Error {
	return &Error{Kind: kind, Component: component, Context: context}
}

// Wrap returns a relayerr.Error wrapping err. If err is nil, Wrap returns nil
// so callers can write `return relayerr.Wrap(...)` directly after a fallible
// call without an intervening nil check.
func Wrap(kind Kind, component, context string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Context: context, Err: err}
}

// KindOf reports the Kind of err if it is (or wraps) a *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
