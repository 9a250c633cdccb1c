package driver

import "time"

// ParamAll is the sentinel parameter name requesting all parameters from a
// device protocol.
const ParamAll = "ALL"

// Protocol is the command-forwarding surface of a device-specific protocol
// state machine.
//
// The connection state machine never inspects a protocol's internal states; it
// builds one instance per connection epoch, forwards commands verbatim while
// Connected, feeds it raw transport bytes, and destroys it when the epoch
// ends. Implementations live outside this package, one per instrument family.
type Protocol interface {
	// Discover determines the device's coarse operating state upon
	// establishing communications.
	Discover() (state string, err error)

	// Get retrieves device parameters. params is either the ParamAll sentinel
	// or an explicit set of names.
	Get(params []string) (map[string]any, error)

	// Set applies device parameter values.
	Set(values map[string]any) (any, error)

	// Execute runs an opaque, device-defined command. Raw direct-access
	// writes arrive as CommandExecuteDirect with the bytes as the sole
	// argument.
	Execute(cmd string, args ...any) (any, error)

	// ForceState forces the protocol into the given coarse state. Intended
	// for test support.
	ForceState(state string) error

	// StartDirect enters direct access mode. The driver snapshots the
	// direct-access parameters and hands them to StoreDirectAccessConfig
	// before this call.
	StartDirect() (any, error)

	// StopDirect leaves direct access mode. Restoring the preserved
	// parameters is the protocol's responsibility.
	StopDirect() (any, error)

	// CurrentState returns the protocol's coarse operating state.
	CurrentState() string

	// DirectAccessParams returns the names of the parameters that must be
	// preserved across a direct access session.
	DirectAccessParams() []string

	// StoreDirectAccessConfig hands the protocol the pre-direct-access
	// parameter snapshot for later restoration.
	StoreDirectAccessConfig(cfg map[string]any)

	// SetInitParams pushes driver startup parameters down to the protocol.
	SetInitParams(cfg map[string]any) error

	// AttachTransport binds the live transport so the protocol can send
	// commands to the instrument.
	AttachTransport(t Transport)

	// GotData feeds raw device bytes to the protocol for chunking and
	// parsing.
	GotData(data []byte, arrival time.Time)

	// Destroy releases the protocol's resources. The protocol must not be
	// used afterward.
	Destroy()
}

// ProtocolBuilder constructs a device protocol instance bound to the given
// driver. The driver is the protocol's publication channel for samples and
// other asynchronous events.
type ProtocolBuilder func(d *Driver) Protocol

// Discoverer locates the relay for a driver that was configured without an
// explicit comms config, typically through an external service registry.
type Discoverer interface {
	// DiscoverComms returns a comms config mapping, or an error if the relay
	// location cannot be resolved yet.
	DiscoverComms() (map[string]any, error)
}
