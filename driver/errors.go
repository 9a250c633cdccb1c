package driver

import "errors"

var (
	// ErrInvalidState indicates that an event is not handled in the current
	// connection state, such as forwarding a command while not connected.
	ErrInvalidState = errors.New("event not allowed in current state")

	// ErrInvalidParameter indicates a missing or mistyped field in a comms
	// configuration or command payload.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrConnectionFailed indicates that initializing comms on the transport
	// failed and the transport is considered unusable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrProtocolNotAttached indicates that no device protocol instance is
	// attached to serve a forwarded command.
	ErrProtocolNotAttached = errors.New("device protocol not attached")

	// ErrClosed indicates that the driver has been closed.
	ErrClosed = errors.New("driver closed")
)

// errAutoDiscover indicates that the relay location could not be discovered
// from the external collaborator. It is recovered internally by scheduling a
// configuration retry and is never surfaced to callers.
var errAutoDiscover = errors.New("relay auto-discovery failed")
