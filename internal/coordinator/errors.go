package coordinator

import "errors"

var (
	// ErrMalformedEvent is returned when an event or property value does not
	// decode. The registry is left untouched.
	ErrMalformedEvent = errors.New("coordinator: malformed event")

	// ErrTransport wraps failures of outbound calls to the daemon.
	ErrTransport = errors.New("coordinator: transport failure")
)
