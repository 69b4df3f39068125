package domain

import (
	"errors"
	"fmt"
)

// ErrNoActiveSearch indicates a confirm attempt without a matched driver.
var ErrNoActiveSearch = errors.New("no active search with a matched driver")

// ErrReconnectExhausted indicates the push channel gave up reconnecting and
// requires an explicit connect call to recover.
var ErrReconnectExhausted = errors.New("push channel reconnect attempts exhausted")

// ValidationError reports a missing or malformed input caught before any
// network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportError wraps a network or backend failure on a REST call. The
// underlying error is preserved so callers can distinguish categories.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnexpectedResponseError reports a backend payload missing the expected
// envelope. Treated as a transport-class failure by higher layers.
type UnexpectedResponseError struct {
	Op     string
	Detail string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("%s: unexpected response: %s", e.Op, e.Detail)
}
