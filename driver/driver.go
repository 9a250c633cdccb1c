// Package driver implements the shared engine every instrument driver in this
// repository is built on: a supervised connection lifecycle state machine, a
// reconnect supervisor with capped exponential backoff, asynchronous event
// injection, and a facade that republishes driver outputs as a uniform
// async-event stream.
//
// A Driver owns at most one live Transport and at most one live device
// Protocol instance; both are destroyed together when the connection epoch
// ends. Device-specific protocol packages plug in through the Protocol
// interface and never deal with connection supervision themselves.
package driver

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oceanlab/go-instrument/internal/queue"
	"github.com/oceanlab/go-instrument/internal/task"
	"github.com/oceanlab/go-instrument/logger"
	"github.com/oceanlab/go-instrument/transport"
)

// CommandExecuteDirect is the reserved Execute command used to exchange raw
// bytes with the instrument during a direct access session.
const CommandExecuteDirect = "EXECUTE_DIRECT"

// Relay status notice values accepted by HandleRelayStatus.
const (
	RelayStatusConnected    = "CONNECTED"
	RelayStatusDisconnected = "DISCONNECTED"
)

// Driver supervises a single instrument connection.
//
// External callers hold a Driver and interact with it through its command
// methods; every method injects an event into the connection state machine
// and blocks until the corresponding handler returns. Asynchronous outputs
// (state changes, samples, errors) are delivered through the EventCallback
// supplied at construction.
type Driver struct {
	ctx       context.Context
	ctxCancel context.CancelFunc
	logger    logger.Logger
	taskMgr   *task.Manager
	fsm       *fsm

	callback   EventCallback
	eventQueue queue.Queue
	notify     chan struct{}

	protoBuilder ProtocolBuilder
	discoverer   Discoverer

	resMu     sync.RWMutex // guards transport and protocol replacement
	transport Transport
	protocol  Protocol

	connectionLost atomic.Bool // loss latch; false means armed for this epoch
	autoConnect    atomic.Bool
	closed         atomic.Bool

	// reconnect bookkeeping; only touched while holding the fsm lock
	reconnectInterval time.Duration
	lastComms         map[string]any

	startupConfig map[string]any

	metrics Metrics
}

// New creates a Driver supervising one instrument connection.
//
// The callback receives all asynchronous driver events; the builder constructs
// the device protocol instance at the start of each connection epoch. The
// driver starts in the unconfigured state and immediately begins its
// auto-configuration cycle.
func New(ctx context.Context, callback EventCallback, builder ProtocolBuilder, opts ...Option) (*Driver, error) {
	if callback == nil {
		return nil, fmt.Errorf("%w: event callback is nil", ErrInvalidParameter)
	}
	if builder == nil {
		return nil, fmt.Errorf("%w: protocol builder is nil", ErrInvalidParameter)
	}

	d := &Driver{
		logger:            logger.GetLogger(),
		callback:          callback,
		eventQueue:        queue.NewLockFreeQueue(),
		notify:            make(chan struct{}, 1),
		protoBuilder:      builder,
		reconnectInterval: StartingReconnectInterval,
	}
	d.ctx, d.ctxCancel = context.WithCancel(ctx)

	// the latch starts disarmed; it is armed when the relay link comes up
	d.connectionLost.Store(true)
	d.autoConnect.Store(true)

	for _, opt := range opts {
		opt(d)
	}

	d.taskMgr = task.NewManager(d.ctx, d.logger)
	d.fsm = newFSM(Unconfigured, d.logger)
	d.buildTable()

	if err := d.taskMgr.Start("eventDispatcher", d.dispatchTask); err != nil {
		d.ctxCancel()
		return nil, err
	}

	d.fsm.start()

	return d, nil
}

// buildTable registers the (state, event) transition table. The table is
// built once here and read-only afterward.
func (d *Driver) buildTable() {
	d.fsm.addHandler(Unconfigured, EventEnter, d.handlerUnconfiguredEnter)
	d.fsm.addHandler(Unconfigured, EventInitialize, d.handlerUnconfiguredInitialize)
	d.fsm.addHandler(Unconfigured, EventConfigure, d.handlerUnconfiguredConfigure)

	d.fsm.addHandler(Disconnected, EventEnter, d.handlerDisconnectedEnter)
	d.fsm.addHandler(Disconnected, EventInitialize, d.handlerDisconnectedInitialize)
	d.fsm.addHandler(Disconnected, EventConfigure, d.handlerDisconnectedConfigure)
	d.fsm.addHandler(Disconnected, EventConnect, d.handlerDisconnectedConnect)

	d.fsm.addHandler(InstDisconnected, EventEnter, d.handlerInstDisconnectedEnter)
	d.fsm.addHandler(InstDisconnected, EventConnect, d.handlerInstDisconnectedConnect)
	d.fsm.addHandler(InstDisconnected, EventConnectionLost, d.handlerConnectedConnectionLost)
	d.fsm.addHandler(InstDisconnected, EventPaConnectionLost, d.handlerInstDisconnectedPaConnectionLost)

	d.fsm.addHandler(Connected, EventEnter, d.handlerConnectedEnter)
	d.fsm.addHandler(Connected, EventDisconnect, d.handlerConnectedDisconnect)
	d.fsm.addHandler(Connected, EventConnectionLost, d.handlerConnectedConnectionLost)
	d.fsm.addHandler(Connected, EventPaConnectionLost, d.handlerConnectedPaConnectionLost)
	d.fsm.addHandler(Connected, EventDiscover, d.handlerConnectedProtocolEvent)
	d.fsm.addHandler(Connected, EventGet, d.handlerConnectedProtocolEvent)
	d.fsm.addHandler(Connected, EventSet, d.handlerConnectedProtocolEvent)
	d.fsm.addHandler(Connected, EventExecute, d.handlerConnectedProtocolEvent)
	d.fsm.addHandler(Connected, EventForceState, d.handlerConnectedProtocolEvent)
	d.fsm.addHandler(Connected, EventStartDirect, d.handlerConnectedStartDirect)
	d.fsm.addHandler(Connected, EventStopDirect, d.handlerConnectedStopDirect)
}

//////////////////////////////////////////////////////////////////////////////
// Command interface.
//////////////////////////////////////////////////////////////////////////////

// Initialize brings the driver back to the unconfigured state, dropping any
// built transport.
func (d *Driver) Initialize() error {
	_, err := d.inject(&Event{Type: EventInitialize})
	return err
}

// Configure validates the comms config mapping and builds the transport.
//
// A nil cfg triggers relay discovery through the configured Discoverer; a
// discovery failure is recovered internally by scheduling a retry. A malformed
// cfg fails synchronously with ErrInvalidParameter.
func (d *Driver) Configure(cfg map[string]any) error {
	_, err := d.inject(&Event{Type: EventConfigure, Config: cfg})
	return err
}

// Connect initializes comms on the transport and, once the relay link is up,
// attaches a device protocol instance. An optional init-params mapping seeds
// the protocol's startup parameters.
//
// A transport failure is recovered locally by falling back to the
// unconfigured state; it surfaces only through a later StateChange event,
// never as an error from this call.
func (d *Driver) Connect(initParams ...map[string]any) error {
	e := &Event{Type: EventConnect}
	if len(initParams) > 0 {
		e.Config = initParams[0]
	}

	_, err := d.inject(e)
	return err
}

// Disconnect stops comms and destroys the device protocol instance. It also
// clears the auto-connect flag so the driver does not immediately reconnect.
func (d *Driver) Disconnect() error {
	d.autoConnect.Store(false)

	_, err := d.inject(&Event{Type: EventDisconnect})
	return err
}

// Discover triggers the device protocol's discovery path and returns the
// resolved coarse state.
func (d *Driver) Discover() (string, error) {
	result, err := d.inject(&Event{Type: EventDiscover})
	if err != nil {
		return "", err
	}

	state, _ := result.(string)

	return state, nil
}

// Get retrieves device parameters. params is either the ParamAll sentinel or
// an explicit set of names; it is forwarded verbatim to the device protocol.
func (d *Driver) Get(params []string) (map[string]any, error) {
	result, err := d.inject(&Event{Type: EventGet, Params: params})
	if err != nil {
		return nil, err
	}

	values, _ := result.(map[string]any)

	return values, nil
}

// Set applies device parameter values, forwarded verbatim to the device
// protocol.
func (d *Driver) Set(values map[string]any) (any, error) {
	return d.inject(&Event{Type: EventSet, Values: values})
}

// Execute runs an opaque, device-defined command, forwarded verbatim to the
// device protocol.
func (d *Driver) Execute(cmd string, args ...any) (any, error) {
	return d.inject(&Event{Type: EventExecute, Command: cmd, Args: args})
}

// ForceState forces the device protocol into the given coarse state.
// Intended for test support.
func (d *Driver) ForceState(state string) error {
	_, err := d.inject(&Event{Type: EventForceState, State: state})
	return err
}

// StartDirect snapshots the direct-access parameters, hands the snapshot to
// the device protocol for later restoration, then enters direct access mode.
func (d *Driver) StartDirect() (any, error) {
	return d.inject(&Event{Type: EventStartDirect})
}

// ExecuteDirect exchanges raw, uninterpreted bytes with the instrument while
// in direct access mode.
func (d *Driver) ExecuteDirect(data []byte) (any, error) {
	return d.inject(&Event{Type: EventExecute, Command: CommandExecuteDirect, Args: []any{data}})
}

// StopDirect leaves direct access mode. Restoring the preserved parameters is
// the device protocol's responsibility.
func (d *Driver) StopDirect() (any, error) {
	return d.inject(&Event{Type: EventStopDirect})
}

// State returns the current connection state.
func (d *Driver) State() ConnState {
	return d.fsm.currentState()
}

// ResourceState returns the externally reported coarse state: the device
// protocol's operating state when one is attached, the connection state
// otherwise.
func (d *Driver) ResourceState() string {
	if p := d.getProtocol(); p != nil {
		return p.CurrentState()
	}

	return d.State().String()
}

// GetMetrics returns the metrics associated with the driver.
func (d *Driver) GetMetrics() *Metrics {
	return &d.metrics
}

// GetLogger returns the logger associated with the driver.
func (d *Driver) GetLogger() logger.Logger {
	return d.logger
}

// Close shuts the driver down: comms are stopped, the protocol is destroyed,
// and all background workers are terminated. The driver must not be used
// afterward.
func (d *Driver) Close() error {
	if d.closed.Swap(true) {
		return nil
	}

	if t := d.getTransport(); t != nil {
		_ = t.StopComms()
	}
	d.destroyProtocol()

	d.ctxCancel()
	d.taskMgr.Stop()
	d.taskMgr.Wait()

	return nil
}

func (d *Driver) inject(e *Event) (any, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}

	return d.fsm.onEvent(e)
}

//////////////////////////////////////////////////////////////////////////////
// Unconfigured handlers.
//////////////////////////////////////////////////////////////////////////////

func (d *Driver) handlerUnconfiguredEnter(_ *Event) (ConnState, any, error) {
	d.publish(StateChangeEvent, d.ResourceState())

	// attempt auto-configuration via relay discovery
	d.scheduleConfigRetry()

	return stateInvalid, nil, nil
}

func (d *Driver) handlerUnconfiguredInitialize(_ *Event) (ConnState, any, error) {
	// already unconfigured, nothing to do
	return stateInvalid, nil, nil
}

func (d *Driver) handlerUnconfiguredConfigure(e *Event) (ConnState, any, error) {
	t, err := d.buildTransport(e.Config)
	if errors.Is(err, errAutoDiscover) {
		d.scheduleConfigRetry()
		return stateInvalid, nil, nil
	}
	if err != nil {
		d.scheduleConfigRetry()
		return stateInvalid, nil, err
	}

	d.setTransport(t)

	return Disconnected, nil, nil
}

//////////////////////////////////////////////////////////////////////////////
// Disconnected handlers.
//////////////////////////////////////////////////////////////////////////////

func (d *Driver) handlerDisconnectedEnter(_ *Event) (ConnState, any, error) {
	d.publish(StateChangeEvent, d.ResourceState())

	if d.autoConnect.Load() {
		d.asyncInject(&Event{Type: EventConnect}, 0)
	}

	return stateInvalid, nil, nil
}

func (d *Driver) handlerDisconnectedInitialize(_ *Event) (ConnState, any, error) {
	d.setTransport(nil)

	return Unconfigured, nil, nil
}

func (d *Driver) handlerDisconnectedConfigure(e *Event) (ConnState, any, error) {
	t, err := d.buildTransport(e.Config)
	if errors.Is(err, errAutoDiscover) {
		// fall back to unconfigured; its enter handler schedules the retry
		return Unconfigured, nil, nil
	}
	if err != nil {
		return stateInvalid, nil, err
	}

	d.setTransport(t)

	return stateInvalid, nil, nil
}

func (d *Driver) handlerDisconnectedConnect(e *Event) (ConnState, any, error) {
	next := InstDisconnected

	if err := d.getTransport().InitComms(); err != nil {
		d.metrics.incConnectErrCount()
		d.logger.Error("failed to initialize comms, returning to unconfigured state", "error", err)
		next = Unconfigured
	}

	if err := d.setInitParams(e.Config); err != nil {
		return stateInvalid, nil, err
	}

	return next, nil, nil
}

//////////////////////////////////////////////////////////////////////////////
// Instrument-disconnected handlers.
//////////////////////////////////////////////////////////////////////////////

func (d *Driver) handlerInstDisconnectedEnter(_ *Event) (ConnState, any, error) {
	// arm the loss latch for this connection epoch
	d.connectionLost.Store(false)
	d.reconnectInterval = StartingReconnectInterval

	d.publish(StateChangeEvent, d.ResourceState())

	return stateInvalid, nil, nil
}

func (d *Driver) handlerInstDisconnectedConnect(_ *Event) (ConnState, any, error) {
	p := d.protoBuilder(d)
	if p == nil {
		return stateInvalid, nil, fmt.Errorf("%w: protocol builder returned nil", ErrProtocolNotAttached)
	}

	d.setProtocol(p)

	if err := d.setInitParams(nil); err != nil {
		d.logger.Warn("failed to push init params to protocol", "error", err)
	}

	p.AttachTransport(d.getTransport())

	return Connected, nil, nil
}

func (d *Driver) handlerInstDisconnectedPaConnectionLost(_ *Event) (ConnState, any, error) {
	// absorbed; no device session exists yet, so there is nothing to tear down
	return stateInvalid, nil, nil
}

//////////////////////////////////////////////////////////////////////////////
// Connected handlers.
//////////////////////////////////////////////////////////////////////////////

func (d *Driver) handlerConnectedEnter(_ *Event) (ConnState, any, error) {
	d.publish(StateChangeEvent, d.ResourceState())

	return stateInvalid, nil, nil
}

func (d *Driver) handlerConnectedDisconnect(_ *Event) (ConnState, any, error) {
	d.logger.Info("disconnect requested, stopping comms")

	if err := d.getTransport().StopComms(); err != nil {
		d.logger.Error("failed to stop comms", "error", err)
	}
	d.destroyProtocol()

	return Unconfigured, nil, nil
}

func (d *Driver) handlerConnectedConnectionLost(_ *Event) (ConnState, any, error) {
	d.logger.Info("connection lost, stopping comms and destroying protocol")
	d.metrics.incLostConnCount()

	if t := d.getTransport(); t != nil {
		if err := t.StopComms(); err != nil {
			d.logger.Error("failed to stop comms", "error", err)
		}
	}
	d.destroyProtocol()

	d.publish(AgentEvent, AgentEventLostConnection)

	return Unconfigured, nil, nil
}

func (d *Driver) handlerConnectedPaConnectionLost(_ *Event) (ConnState, any, error) {
	// the relay itself is still reachable; keep the transport, drop the session
	d.destroyProtocol()

	return InstDisconnected, nil, nil
}

func (d *Driver) handlerConnectedProtocolEvent(e *Event) (ConnState, any, error) {
	p := d.getProtocol()
	if p == nil {
		return stateInvalid, nil, ErrProtocolNotAttached
	}

	d.metrics.incCommandForwardCount()

	var result any
	var err error

	switch e.Type {
	case EventDiscover:
		result, err = p.Discover()
	case EventGet:
		result, err = p.Get(e.Params)
	case EventSet:
		result, err = p.Set(e.Values)
	case EventExecute:
		result, err = p.Execute(e.Command, e.Args...)
	case EventForceState:
		err = p.ForceState(e.State)
	default:
		err = fmt.Errorf("%w: event %s is not forwardable", ErrInvalidState, e.Type)
	}

	return stateInvalid, result, err
}

func (d *Driver) handlerConnectedStartDirect(_ *Event) (ConnState, any, error) {
	p := d.getProtocol()
	if p == nil {
		return stateInvalid, nil, ErrProtocolNotAttached
	}

	snapshot, err := p.Get(p.DirectAccessParams())
	if err != nil {
		return stateInvalid, nil, err
	}

	p.StoreDirectAccessConfig(snapshot)
	d.logger.Debug("starting direct access, stored parameters for restore", "params", snapshot)

	result, err := p.StartDirect()

	return stateInvalid, result, err
}

func (d *Driver) handlerConnectedStopDirect(_ *Event) (ConnState, any, error) {
	p := d.getProtocol()
	if p == nil {
		return stateInvalid, nil, ErrProtocolNotAttached
	}

	result, err := p.StopDirect()

	return stateInvalid, result, err
}

//////////////////////////////////////////////////////////////////////////////
// Transport callbacks and relay notices.
//////////////////////////////////////////////////////////////////////////////

// gotData is the transport's raw data callback. Bytes are forwarded to the
// device protocol when one is attached and dropped otherwise.
func (d *Driver) gotData(data []byte, arrival time.Time) {
	if p := d.getProtocol(); p != nil {
		p.GotData(data, arrival)
	}
}

// lostConnection is the transport's loss callback. The latch ensures at most
// one ConnectionLost event is injected per connection epoch even if the
// transport's failure callback fires more than once.
func (d *Driver) lostConnection() {
	if !d.connectionLost.Swap(true) {
		d.logger.Info("transport reported lost connection, injecting connection-lost event")
		d.asyncInject(&Event{Type: EventConnectionLost}, 0)
	} else {
		d.logger.Debug("duplicate lost-connection notification suppressed")
	}
}

// HandleRelayStatus processes an out-of-band relay status notice. Transports
// with a control channel call this when the relay reports the state of its
// own instrument-side link.
func (d *Driver) HandleRelayStatus(status string) {
	switch strings.ToUpper(status) {
	case RelayStatusDisconnected:
		if d.State().IsConnected() {
			d.asyncInject(&Event{Type: EventPaConnectionLost}, 0)
		}
	case RelayStatusConnected:
		if d.State().IsInstDisconnected() {
			d.asyncInject(&Event{Type: EventConnect}, 0)
		}
	default:
		d.logger.Debug("ignoring relay status notice", "status", status)
	}
}

// HandleRelayConfig republishes a relay-supplied configuration mapping as a
// DriverConfig event.
func (d *Driver) HandleRelayConfig(cfg map[string]any) {
	d.publish(DriverConfigEvent, cfg)
}

//////////////////////////////////////////////////////////////////////////////
// Publication surface for device protocols.
//////////////////////////////////////////////////////////////////////////////

// PublishSample publishes a parsed instrument sample.
func (d *Driver) PublishSample(sample any) {
	d.metrics.incSampleCount()
	d.publish(SampleEvent, sample)
}

// PublishError publishes an error recovered at an asynchronous boundary.
func (d *Driver) PublishError(err error) {
	d.publish(ErrorEvent, err)
}

// PublishResult publishes the result of an asynchronously completed command.
func (d *Driver) PublishResult(result any) {
	d.publish(ResultEvent, result)
}

// PublishDirectAccess publishes raw bytes echoed during direct access.
func (d *Driver) PublishDirectAccess(data []byte) {
	d.publish(DirectAccessEvent, data)
}

// PublishConfigChange publishes the full current configuration snapshot.
func (d *Driver) PublishConfigChange() {
	p := d.getProtocol()
	if p == nil {
		return
	}

	cfg, err := p.Get([]string{ParamAll})
	if err != nil {
		d.logger.Error("failed to snapshot configuration", "error", err)
		return
	}

	d.publish(ConfigChangeEvent, cfg)
}

//////////////////////////////////////////////////////////////////////////////
// Helpers.
//////////////////////////////////////////////////////////////////////////////

// buildTransport constructs a Transport from the given comms config mapping,
// falling back to relay discovery when the mapping is absent.
func (d *Driver) buildTransport(cfg map[string]any) (Transport, error) {
	if cfg == nil {
		if d.discoverer == nil {
			return nil, errAutoDiscover
		}

		discovered, err := d.discoverer.DiscoverComms()
		if err != nil || discovered == nil {
			d.logger.Warn("relay discovery failed", "error", err)
			return nil, errAutoDiscover
		}
		cfg = discovered
	}

	d.lastComms = cfg

	parsed, err := parseCommsConfig(cfg)
	if err != nil {
		return nil, err
	}

	if parsed.testTransport != nil {
		return parsed.testTransport, nil
	}

	tcp := transport.NewTCPClient(parsed.addr, parsed.port, d.gotData, d.lostConnection,
		transport.WithCommandPort(parsed.cmdPort),
		transport.WithTCPLogger(d.logger),
	)

	return tcp, nil
}

// scheduleConfigRetry grows the reconnect interval and schedules a delayed
// Configure event carrying the previously supplied (or absent) configuration.
//
// A scheduled retry cannot be cancelled; if a state change makes it obsolete
// before it fires, the transition table absorbs it as a no-op.
func (d *Driver) scheduleConfigRetry() {
	d.reconnectInterval = nextReconnectInterval(d.reconnectInterval)

	d.metrics.incConfigRetryCount()
	d.asyncInject(&Event{Type: EventConfigure, Config: d.lastComms}, d.reconnectInterval)
	d.logger.Info("scheduled delayed configure event", "delay", d.reconnectInterval)
}

// nextReconnectInterval doubles the reconnect interval with up to half a
// second of jitter, capped at the maximum.
func nextReconnectInterval(cur time.Duration) time.Duration {
	jitter := time.Duration((rand.Float64() - 0.5) * float64(2*reconnectJitter))

	return min(cur*2+jitter, MaximumReconnectInterval)
}

// asyncInject schedules an event to be injected into the state machine from
// outside the caller's execution context, optionally after a delay.
//
// Handler errors and panics are caught at this boundary and converted into
// Error async events; they never terminate the owning worker or propagate to
// an unrelated caller.
func (d *Driver) asyncInject(e *Event, delay time.Duration) {
	name := fmt.Sprintf("inject-%s", e.Type)

	err := d.taskMgr.StartDelayed(name, delay,
		func() {
			d.logger.Debug("async raise event", "event", e.Type)
			if _, err := d.fsm.onEvent(e); err != nil {
				d.logger.Debug("async event failed", "event", e.Type, "error", err)
				d.publish(ErrorEvent, err)
			}
		},
		func(recovered any) {
			d.publish(ErrorEvent, fmt.Errorf("panic handling async event %s: %v", e.Type, recovered))
		},
	)
	if err != nil {
		d.logger.Debug("failed to schedule async event", "event", e.Type, "error", err)
	}
}

// setInitParams pushes startup parameters to the protocol and caches them in
// the driver. An empty cfg pushes the previously cached parameters.
func (d *Driver) setInitParams(cfg map[string]any) error {
	if p := d.getProtocol(); p != nil {
		params := cfg
		if len(params) == 0 {
			params = d.startupConfig
		}

		if len(params) > 0 {
			if err := p.SetInitParams(params); err != nil {
				return err
			}
		}
	}

	if len(cfg) > 0 {
		d.startupConfig = cfg
	}

	return nil
}

func (d *Driver) setTransport(t Transport) {
	d.resMu.Lock()
	defer d.resMu.Unlock()

	d.transport = t
}

func (d *Driver) getTransport() Transport {
	d.resMu.RLock()
	defer d.resMu.RUnlock()

	return d.transport
}

func (d *Driver) setProtocol(p Protocol) {
	d.resMu.Lock()
	defer d.resMu.Unlock()

	d.protocol = p
}

func (d *Driver) getProtocol() Protocol {
	d.resMu.RLock()
	defer d.resMu.RUnlock()

	return d.protocol
}

// destroyProtocol detaches and destroys the current protocol instance, if any.
func (d *Driver) destroyProtocol() {
	d.resMu.Lock()
	p := d.protocol
	d.protocol = nil
	d.resMu.Unlock()

	if p != nil {
		p.Destroy()
	}
}

// publish enqueues an async driver event for delivery by the dispatcher task.
func (d *Driver) publish(kind AsyncEventKind, value any) {
	d.metrics.incEventPublishCount()

	d.eventQueue.Enqueue(AsyncEvent{Kind: kind, Value: value, Time: time.Now()})

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// dispatchTask drains the event queue and delivers events to the caller's
// callback in publication order. It runs on its own goroutine so a callback
// may call back into the driver without deadlocking the serialization point.
func (d *Driver) dispatchTask() bool {
	select {
	case <-d.ctx.Done():
		return false
	case <-d.notify:
		for {
			item := d.eventQueue.Dequeue()
			if item == nil {
				break
			}

			ev, ok := item.(AsyncEvent)
			if !ok {
				continue
			}

			d.invokeCallback(ev)
		}
	}

	return true
}

// invokeCallback delivers one event with panic protection; a panicking user
// callback must not kill the dispatcher.
func (d *Driver) invokeCallback(ev AsyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in event callback", "kind", ev.Kind, "panic", r)
		}
	}()

	d.callback(ev)
}
