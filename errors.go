// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsonrpc

import (
	"github.com/juju/errors"
)

// The error categories surfaced by the transport. Match them with
// errors.Is; the wrapped message carries the detail (HTTP status,
// phase of the exchange) needed to tell a retryable network problem
// from a permanent configuration mistake.
const (
	// ErrConfiguration marks errors detected before any I/O takes
	// place: a malformed endpoint, or an incompatible combination of
	// authentication mode, chunked transfer encoding and compression.
	ErrConfiguration = errors.ConstError("configuration not valid")

	// ErrIllegalState marks a method call that is not valid in the
	// transport's current state, such as a connection-scoped accessor
	// used before Connect, or an exchange begun while another is in
	// flight.
	ErrIllegalState = errors.ConstError("illegal transport state")

	// ErrTransport marks network and HTTP level failures: connection
	// refused or reset, timeout expiry, an unexpected HTTP status or
	// a malformed response. The session is torn down before the error
	// is surfaced.
	ErrTransport = errors.ConstError("transport failure")

	// ErrAuthentication marks failed HTTP authentication: a challenge
	// that cannot be answered, a second challenge after the single
	// digest retry, or a challenge on a one-way exchange.
	ErrAuthentication = errors.ConstError("authentication failed")
)

func configErrorf(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), ErrConfiguration)
}

func illegalStateErrorf(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), ErrIllegalState)
}

func transportErrorf(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), ErrTransport)
}

func transportError(err error, msg string) error {
	return errors.WithType(errors.Annotate(err, msg), ErrTransport)
}

func authErrorf(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), ErrAuthentication)
}
