package driver

// ConnState represents the various stages of a driver's connection lifecycle.
//
// The connection state is distinct from the coarse operating state reported by
// a device protocol (idle/command/streaming); it only tracks the supervised
// transport and protocol attachment.
type ConnState uint32

// Driver connection states.
const (
	stateInvalid ConnState = iota
	// Unconfigured indicates that the driver has no usable comms configuration
	// and therefore no transport.
	Unconfigured
	// Disconnected indicates that a transport has been built from a valid
	// configuration but comms have not been initialized.
	Disconnected
	// InstDisconnected indicates that the relay link is up but no device
	// protocol session exists yet.
	InstDisconnected
	// Connected indicates that the transport is live and a device protocol
	// instance is attached and ready to forward commands.
	Connected
)

// IsUnconfigured returns if the current state is unconfigured.
func (cs ConnState) IsUnconfigured() bool { return cs == Unconfigured }

// IsDisconnected returns if the current state is disconnected.
func (cs ConnState) IsDisconnected() bool { return cs == Disconnected }

// IsInstDisconnected returns if the current state is instrument-disconnected.
func (cs ConnState) IsInstDisconnected() bool { return cs == InstDisconnected }

// IsConnected returns if the current state is connected.
func (cs ConnState) IsConnected() bool { return cs == Connected }

// String returns string representation of the current state.
func (cs ConnState) String() string {
	switch cs {
	case Unconfigured:
		return "unconfigured"
	case Disconnected:
		return "disconnected"
	case InstDisconnected:
		return "instrument-disconnected"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
