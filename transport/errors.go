package transport

import (
	"errors"
	"fmt"
)

// ErrTransport is the sentinel wrapped by every TransportError, satisfying
// the spec's retriable TransportError kind (§7).
var ErrTransport = errors.New("transport: agent invocation failed")

// TransportError reports a failed or malformed agent invocation.
type TransportError struct {
	Agent string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: agent %q: %v", e.Agent, e.Err)
}

func (e *TransportError) Unwrap() error {
	return ErrTransport
}
