package driver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/oceanlab/go-instrument/logger"
)

// handlerFunc handles one (state, event) pair.
//
// It returns the next connection state, or stateInvalid to stay, and an
// optional result for the caller. When err is non-nil no transition is applied
// and the error is returned to the event's injector.
type handlerFunc func(e *Event) (next ConnState, result any, err error)

// fsmKey is the composite (state, event) key of the transition table.
type fsmKey struct {
	state ConnState
	event EventType
}

// fsm is the serialization point of the connection state machine.
//
// All event handling runs under one mutex: no two transitions interleave and
// at most one handler runs at a time. Enter and Exit handlers run under the
// same lock as the transition that triggered them.
type fsm struct {
	mu     sync.Mutex
	state  atomic.Uint32
	table  map[fsmKey]handlerFunc
	logger logger.Logger
}

func newFSM(initial ConnState, l logger.Logger) *fsm {
	f := &fsm{
		table:  make(map[fsmKey]handlerFunc),
		logger: l,
	}
	f.state.Store(uint32(initial))

	return f
}

// addHandler registers a handler for the given (state, event) pair.
// Registration happens once at construction; the table is read-only afterward.
func (f *fsm) addHandler(state ConnState, event EventType, handler handlerFunc) {
	f.table[fsmKey{state: state, event: event}] = handler
}

// currentState returns the current connection state without acquiring the lock.
func (f *fsm) currentState() ConnState {
	return ConnState(f.state.Load())
}

// start fires the Enter handler of the initial state.
func (f *fsm) start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fireEnter(&Event{Type: EventEnter})
}

// onEvent executes the handler registered for the current state and the given
// event, applying the resulting transition. The caller blocks until the
// handler, and any Exit/Enter handlers of a transition, have returned.
func (f *fsm) onEvent(e *Event) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := f.currentState()
	handler, ok := f.table[fsmKey{state: cur, event: e.Type}]
	if !ok {
		f.logger.Debug("unhandled event", "state", cur, "event", e.Type)
		return nil, fmt.Errorf("%w: event %s in state %s", ErrInvalidState, e.Type, cur)
	}

	next, result, err := handler(e)
	if err != nil {
		return result, err
	}

	if next != stateInvalid && next != cur {
		f.logger.Debug("state transition", "from", cur, "to", next, "event", e.Type)

		f.fireExit(e)
		f.state.Store(uint32(next))
		f.fireEnter(e)
	}

	return result, nil
}

// fireEnter runs the Enter handler of the current state, if registered.
func (f *fsm) fireEnter(cause *Event) {
	if h, ok := f.table[fsmKey{state: f.currentState(), event: EventEnter}]; ok {
		_, _, _ = h(cause)
	}
}

// fireExit runs the Exit handler of the current state, if registered.
func (f *fsm) fireExit(cause *Event) {
	if h, ok := f.table[fsmKey{state: f.currentState(), event: EventExit}]; ok {
		_, _, _ = h(cause)
	}
}
