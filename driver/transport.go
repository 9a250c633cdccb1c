package driver

import "time"

// Transport is the byte-oriented relay channel a driver supervises.
//
// A transport delivers raw device bytes and a loss notification through the
// callbacks supplied at its construction, and accepts outbound bytes through
// Send. The relay's own control framing is not part of this contract.
type Transport interface {
	// InitComms establishes communications with the relay. It may block up to
	// an implementation-bounded timeout.
	InitComms() error

	// StopComms tears down communications with the relay.
	StopComms() error

	// Send writes raw bytes toward the instrument.
	Send(data []byte) error
}

// DataCallback receives raw device bytes with their arrival time.
type DataCallback func(data []byte, arrival time.Time)

// LostCallback is invoked by a transport when it loses connectivity to the
// relay. It may fire more than once for a single loss; the driver latches the
// first delivery per connection epoch.
type LostCallback func()
