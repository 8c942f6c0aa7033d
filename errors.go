// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is reported when no connection is live for a client.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyPending is reported under the SingleSlot discipline when a
	// call is already in flight for the client.
	ErrAlreadyPending = errors.New("call already in flight")

	// ErrTimeout is reported when a call deadline elapses with no reply.
	ErrTimeout = errors.New("timed out waiting for reply")

	// ErrDisconnected is reported when the connection to a client dropped
	// while a call was outstanding.
	ErrDisconnected = errors.New("client disconnected")

	// ErrSendFailed is reported when a request could not be sent.
	ErrSendFailed = errors.New("send failed")

	// ErrInvalidResponse is reported when a reply was received but is not
	// valid JSON.
	ErrInvalidResponse = errors.New("invalid response")
)

// CallError is the concrete type of errors reported by the Call method of a
// Hub. The Err field is one of the sentinel errors defined by this package,
// or context.Canceled. The Cause field, if non-nil, records the underlying
// error that triggered the failure.
type CallError struct {
	Client string // the identity of the target client
	Err    error  // the kind of failure
	Cause  error  // the underlying error, or nil
}

// Unwrap reports the kind and underlying cause of c.
func (c *CallError) Unwrap() []error {
	if c.Cause == nil {
		return []error{c.Err}
	}
	return []error{c.Err, c.Cause}
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Cause != nil {
		return fmt.Sprintf("call %q: %v: %v", c.Client, c.Err, c.Cause)
	}
	return fmt.Sprintf("call %q: %v", c.Client, c.Err)
}

func callError(id string, kind, cause error) *CallError {
	return &CallError{Client: id, Err: kind, Cause: cause}
}
