package driver

import "time"

// EventType identifies an event injected into the connection state machine.
type EventType uint32

// Connection state machine events.
const (
	EventEnter EventType = iota
	EventExit
	EventInitialize
	EventConfigure
	EventConnect
	EventDisconnect
	EventConnectionLost
	EventPaConnectionLost
	EventGet
	EventSet
	EventExecute
	EventDiscover
	EventForceState
	EventStartDirect
	EventStopDirect
)

// String returns string representation of the event type.
func (et EventType) String() string {
	switch et {
	case EventEnter:
		return "enter"
	case EventExit:
		return "exit"
	case EventInitialize:
		return "initialize"
	case EventConfigure:
		return "configure"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventConnectionLost:
		return "connection-lost"
	case EventPaConnectionLost:
		return "pa-connection-lost"
	case EventGet:
		return "get"
	case EventSet:
		return "set"
	case EventExecute:
		return "execute"
	case EventDiscover:
		return "discover"
	case EventForceState:
		return "force-state"
	case EventStartDirect:
		return "start-direct"
	case EventStopDirect:
		return "stop-direct"
	default:
		return "unknown"
	}
}

// Event is an injected connection state machine event with an optional payload.
// Only the fields relevant to the event type are populated.
type Event struct {
	Type EventType

	// Config carries a comms or init-params mapping for Configure and Connect.
	Config map[string]any
	// Params carries parameter names for Get.
	Params []string
	// Values carries parameter values for Set.
	Values map[string]any
	// Command and Args carry an opaque device command for Execute.
	Command string
	Args    []any
	// State carries the desired coarse state for ForceState.
	State string
}

// AsyncEventKind identifies the kind of an asynchronous driver event.
type AsyncEventKind uint32

// Asynchronous driver event kinds. These events are the sole output channel
// toward the caller.
const (
	// StateChangeEvent reports the current coarse state after a transition.
	StateChangeEvent AsyncEventKind = iota
	// ConfigChangeEvent reports the full current configuration snapshot.
	ConfigChangeEvent
	// SampleEvent carries a parsed instrument sample.
	SampleEvent
	// ErrorEvent carries an error recovered at an asynchronous boundary.
	ErrorEvent
	// ResultEvent carries the result of an asynchronously completed command.
	ResultEvent
	// DirectAccessEvent carries raw bytes echoed during direct access.
	DirectAccessEvent
	// AgentEvent carries an out-of-band notification for the owning agent,
	// such as a lost connection.
	AgentEvent
	// DriverConfigEvent carries relay-supplied driver configuration.
	DriverConfigEvent
)

// String returns string representation of the async event kind.
func (k AsyncEventKind) String() string {
	switch k {
	case StateChangeEvent:
		return "state-change"
	case ConfigChangeEvent:
		return "config-change"
	case SampleEvent:
		return "sample"
	case ErrorEvent:
		return "error"
	case ResultEvent:
		return "result"
	case DirectAccessEvent:
		return "direct-access"
	case AgentEvent:
		return "agent-event"
	case DriverConfigEvent:
		return "driver-config"
	default:
		return "unknown"
	}
}

// AgentEventLostConnection is the AgentEvent value published when the
// connection to the relay is lost.
const AgentEventLostConnection = "lost-connection"

// AsyncEvent is a single asynchronous driver event delivered to the caller's
// event callback.
type AsyncEvent struct {
	Kind  AsyncEventKind
	Value any
	Time  time.Time
}

// EventCallback receives asynchronous driver events.
//
// Events are delivered in publication order from a dedicated dispatcher
// goroutine, so the callback may call back into the driver without deadlock.
// Take care with long-running implementations; they delay later events.
type EventCallback func(event AsyncEvent)
