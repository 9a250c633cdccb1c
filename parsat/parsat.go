// Package parsat implements the device protocol for the Satlantic PAR
// (photosynthetically active radiation) sensor, serial model 600m.
//
// The instrument free-runs in autosample mode, emitting one SATPAR frame per
// sampling period, and accepts a small command set in command mode. The
// protocol plugs into the shared driver engine: the driver forwards commands
// while connected, and raw bytes flow in through GotData where a Chunker
// extracts sample and status frames.
package parsat

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/oceanlab/go-instrument/chunker"
	"github.com/oceanlab/go-instrument/driver"
	"github.com/oceanlab/go-instrument/internal/queue"
	"github.com/oceanlab/go-instrument/logger"
)

// Coarse protocol states.
const (
	StateUnknown      = "unknown"
	StateCommand      = "command"
	StateAutosample   = "autosample"
	StateDirectAccess = "direct-access"
)

// Device parameters.
const (
	ParamMaxRate  = "maxrate"
	ParamFirmware = "firmware"
	ParamSerial   = "serial"
)

// Execute commands.
const (
	CommandAcquireSample   = "acquire_sample"
	CommandStartAutosample = "start_autosample"
	CommandStopAutosample  = "stop_autosample"
)

// Instrument control bytes. The PARAD-A firmware enters an unrecoverable
// error state on a soft reset (ctrl-R or "exit!"), so no reset command exists.
const (
	ctrlBreak      = 0x03 // ctrl-C, interrupt autosample
	ctrlAutosample = 0x01 // ctrl-A, switch to autosample
	ctrlSample     = 0x0d // CR, poll one sample
)

const eoln = "\r\n"

// validMaxRates are the frame rates the instrument accepts, in Hz. Zero means
// unthrottled.
var validMaxRates = []float64{0, 0.125, 0.5, 1, 2, 4, 8, 10, 12}

var (
	sampleRegex = regexp.MustCompile(`SATPAR(\d+),(\d+\.\d+),(\d+),(\d+)\r\n`)
	headerRegex = regexp.MustCompile(`S/N: (\d+)\r\nFirmware: (\S+)\r\n`)
)

// Sample is one parsed SATPAR frame.
type Sample struct {
	SerialNum string    `json:"serial_num"`
	Timer     float64   `json:"timer"`
	Counts    uint64    `json:"counts"`
	Checksum  uint8     `json:"checksum"`
	Time      time.Time `json:"time"`
}

// Protocol drives a single SATPAR instrument through the shared engine.
type Protocol struct {
	drv    *driver.Driver
	logger logger.Logger

	mu         sync.Mutex
	state      string
	transport  driver.Transport
	params     map[string]any
	initParams map[string]any
	preDACfg   map[string]any
	lastSample time.Time

	chk *chunker.Chunker

	// frames holds extracted frames awaiting handling; fed and drained only
	// from GotData, so the unsynchronized slice queue is sufficient
	frames queue.Queue
}

// pendingFrame is one extracted frame with the arrival time of its first byte.
type pendingFrame struct {
	data    []byte
	arrival time.Time
}

// NewProtocol builds a SATPAR protocol bound to the given driver. It has the
// driver.ProtocolBuilder signature.
func NewProtocol(d *driver.Driver) driver.Protocol {
	p := &Protocol{
		drv:    d,
		logger: d.GetLogger(),
		state:  StateUnknown,
		params: map[string]any{
			ParamMaxRate:  float64(0),
			ParamFirmware: "",
			ParamSerial:   "",
		},
	}
	p.chk = chunker.New(chunker.RegexSieve(sampleRegex, headerRegex), chunker.WithLogger(p.logger))
	p.frames = queue.NewSliceQueue(4)

	return p
}

// CurrentState returns the protocol's coarse operating state.
func (p *Protocol) CurrentState() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Discover resolves the instrument's operating state after communications come
// up. A free-running instrument identifies itself by its sample stream; if no
// frame arrives within the detection window the instrument is interrupted and
// assumed to be at the command prompt.
func (p *Protocol) Discover() (string, error) {
	window := p.detectionWindow()

	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		sampled := !p.lastSample.IsZero() && time.Since(p.lastSample) < window
		p.mu.Unlock()

		if sampled {
			p.setState(StateAutosample)
			return StateAutosample, nil
		}

		time.Sleep(100 * time.Millisecond)
	}

	if err := p.sendBreak(); err != nil {
		return StateUnknown, err
	}

	p.setState(StateCommand)

	if err := p.applyInitParams(); err != nil {
		p.logger.Warn("failed to apply startup parameters", "error", err)
	}

	return StateCommand, nil
}

// detectionWindow returns how long to listen for the sample stream before
// concluding the instrument is idle. The slowest configured rate bounds the
// wait.
func (p *Protocol) detectionWindow() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	maxrate, _ := p.params[ParamMaxRate].(float64)
	if maxrate <= 0 || maxrate > 8 {
		maxrate = 8
	}

	return time.Duration(float64(time.Second)/maxrate) + time.Second
}

// Get retrieves device parameters, either the driver.ParamAll sentinel or an
// explicit set of names.
func (p *Protocol) Get(params []string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	values := make(map[string]any)

	if len(params) == 1 && params[0] == driver.ParamAll {
		for name, value := range p.params {
			values[name] = value
		}
		return values, nil
	}

	for _, name := range params {
		value, ok := p.params[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown parameter %q", driver.ErrInvalidParameter, name)
		}
		values[name] = value
	}

	return values, nil
}

// Set applies device parameter values. Only maxrate is writable; firmware and
// serial number are read back from the instrument's status header.
func (p *Protocol) Set(values map[string]any) (any, error) {
	if state := p.CurrentState(); state != StateCommand {
		return nil, fmt.Errorf("%w: cannot set parameters in state %s", driver.ErrInvalidState, state)
	}

	for name, value := range values {
		if name != ParamMaxRate {
			return nil, fmt.Errorf("%w: parameter %q is read only", driver.ErrInvalidParameter, name)
		}

		maxrate, err := toMaxRate(value)
		if err != nil {
			return nil, err
		}

		if err := p.send(fmt.Sprintf("set maxrate %s%s", formatMaxRate(maxrate), eoln)); err != nil {
			return nil, err
		}
		if err := p.send("save" + eoln); err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.params[ParamMaxRate] = maxrate
		p.mu.Unlock()
	}

	p.drv.PublishConfigChange()

	return nil, nil
}

// Execute runs one of the protocol's commands, including the reserved
// direct-access passthrough.
func (p *Protocol) Execute(cmd string, args ...any) (any, error) {
	switch cmd {
	case CommandAcquireSample:
		return nil, p.acquireSample()
	case CommandStartAutosample:
		return nil, p.startAutosample()
	case CommandStopAutosample:
		return nil, p.stopAutosample()
	case driver.CommandExecuteDirect:
		return nil, p.executeDirect(args)
	default:
		return nil, fmt.Errorf("%w: unknown command %q", driver.ErrInvalidParameter, cmd)
	}
}

func (p *Protocol) acquireSample() error {
	if state := p.CurrentState(); state != StateCommand {
		return fmt.Errorf("%w: cannot poll a sample in state %s", driver.ErrInvalidState, state)
	}

	return p.send(string(rune(ctrlSample)))
}

func (p *Protocol) startAutosample() error {
	if state := p.CurrentState(); state != StateCommand {
		return fmt.Errorf("%w: cannot start autosample in state %s", driver.ErrInvalidState, state)
	}

	if err := p.send(string(rune(ctrlAutosample))); err != nil {
		return err
	}
	if err := p.send("exit" + eoln); err != nil {
		return err
	}

	p.setState(StateAutosample)

	return nil
}

func (p *Protocol) stopAutosample() error {
	if state := p.CurrentState(); state != StateAutosample {
		return fmt.Errorf("%w: cannot stop autosample in state %s", driver.ErrInvalidState, state)
	}

	if err := p.sendBreak(); err != nil {
		return err
	}

	p.setState(StateCommand)

	return nil
}

func (p *Protocol) executeDirect(args []any) error {
	if state := p.CurrentState(); state != StateDirectAccess {
		return fmt.Errorf("%w: not in direct access", driver.ErrInvalidState)
	}

	if len(args) != 1 {
		return fmt.Errorf("%w: direct access expects raw bytes", driver.ErrInvalidParameter)
	}

	data, ok := args[0].([]byte)
	if !ok {
		return fmt.Errorf("%w: direct access expects raw bytes, got %T", driver.ErrInvalidParameter, args[0])
	}

	return p.sendBytes(data)
}

// ForceState forces the protocol into the given coarse state. Intended for
// test support.
func (p *Protocol) ForceState(state string) error {
	switch state {
	case StateUnknown, StateCommand, StateAutosample, StateDirectAccess:
		p.setState(state)
		return nil
	default:
		return fmt.Errorf("%w: unknown state %q", driver.ErrInvalidParameter, state)
	}
}

// StartDirect enters direct access mode. The driver has already stored the
// parameter snapshot through StoreDirectAccessConfig.
func (p *Protocol) StartDirect() (any, error) {
	p.setState(StateDirectAccess)

	return nil, nil
}

// StopDirect leaves direct access mode and restores the preserved maxrate,
// which an operator may have changed at the raw prompt.
func (p *Protocol) StopDirect() (any, error) {
	if err := p.sendBreak(); err != nil {
		return nil, err
	}

	p.setState(StateCommand)

	p.mu.Lock()
	preserved := p.preDACfg
	p.preDACfg = nil
	p.mu.Unlock()

	if len(preserved) > 0 {
		if _, err := p.Set(preserved); err != nil {
			return nil, fmt.Errorf("failed to restore parameters after direct access: %w", err)
		}
	}

	return nil, nil
}

// DirectAccessParams returns the parameters preserved across a direct access
// session.
func (p *Protocol) DirectAccessParams() []string {
	return []string{ParamMaxRate}
}

// StoreDirectAccessConfig hands the protocol the pre-direct-access parameter
// snapshot for later restoration.
func (p *Protocol) StoreDirectAccessConfig(cfg map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.preDACfg = cfg
}

// SetInitParams validates and stashes driver startup parameters; they are
// applied once the instrument reaches the command prompt.
func (p *Protocol) SetInitParams(cfg map[string]any) error {
	for name, value := range cfg {
		if name != ParamMaxRate {
			return fmt.Errorf("%w: parameter %q is not settable at startup", driver.ErrInvalidParameter, name)
		}
		if _, err := toMaxRate(value); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.initParams = cfg

	return nil
}

func (p *Protocol) applyInitParams() error {
	p.mu.Lock()
	cfg := p.initParams
	p.mu.Unlock()

	if len(cfg) == 0 {
		return nil
	}

	_, err := p.Set(cfg)

	return err
}

// AttachTransport binds the live transport.
func (p *Protocol) AttachTransport(t driver.Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transport = t
}

// GotData feeds raw device bytes through the chunker. Complete SATPAR frames
// are checksum-validated and published as samples; status headers refresh the
// firmware and serial number parameters. During direct access the raw bytes
// are also echoed back to the operator.
//
// Extraction and handling are split by a frame queue so a handler that pushes
// follow-up commands never interleaves with the chunker's buffer state.
func (p *Protocol) GotData(data []byte, arrival time.Time) {
	if p.CurrentState() == StateDirectAccess {
		p.drv.PublishDirectAccess(data)
	}

	p.chk.Append(data, arrival)

	for {
		when, frame, ok := p.chk.Next()
		if !ok {
			break
		}

		p.frames.Enqueue(pendingFrame{data: frame, arrival: when})
	}

	for {
		item := p.frames.Dequeue()
		if item == nil {
			return
		}

		if frame, ok := item.(pendingFrame); ok {
			p.handleFrame(frame.data, frame.arrival)
		}
	}
}

func (p *Protocol) handleFrame(frame []byte, arrival time.Time) {
	if m := sampleRegex.FindSubmatch(frame); m != nil {
		sample, err := parseSample(frame, m, arrival)
		if err != nil {
			p.logger.Warn("dropping malformed sample frame", "error", err)
			p.drv.PublishError(err)
			return
		}

		p.mu.Lock()
		p.lastSample = arrival
		p.mu.Unlock()

		p.drv.PublishSample(sample)
		return
	}

	if m := headerRegex.FindSubmatch(frame); m != nil {
		p.mu.Lock()
		p.params[ParamSerial] = string(m[1])
		p.params[ParamFirmware] = string(m[2])
		p.mu.Unlock()

		p.drv.PublishConfigChange()
	}
}

// Destroy releases the protocol's resources.
func (p *Protocol) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transport = nil
	p.state = StateUnknown
}

func (p *Protocol) setState(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = state
}

func (p *Protocol) send(s string) error {
	return p.sendBytes([]byte(s))
}

func (p *Protocol) sendBytes(data []byte) error {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()

	if t == nil {
		return driver.ErrProtocolNotAttached
	}

	return t.Send(data)
}

func (p *Protocol) sendBreak() error {
	return p.send(string(rune(ctrlBreak)))
}

// parseSample builds a Sample from a matched SATPAR frame and verifies its
// checksum.
func parseSample(frame []byte, m [][]byte, arrival time.Time) (*Sample, error) {
	timer, err := strconv.ParseFloat(string(m[2]), 64)
	if err != nil {
		return nil, fmt.Errorf("bad timer field %q: %w", m[2], err)
	}

	counts, err := strconv.ParseUint(string(m[3]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad counts field %q: %w", m[3], err)
	}

	received, err := strconv.ParseUint(string(m[4]), 10, 8)
	if err != nil {
		return nil, fmt.Errorf("bad checksum field %q: %w", m[4], err)
	}

	if computed := frameChecksum(frame); computed != uint8(received) {
		return nil, fmt.Errorf("checksum mismatch: computed %d, frame carries %d", computed, received)
	}

	return &Sample{
		SerialNum: string(m[1]),
		Timer:     timer,
		Counts:    counts,
		Checksum:  uint8(received),
		Time:      arrival,
	}, nil
}

// frameChecksum computes the two's-complement byte sum of the frame up to and
// including the comma preceding the checksum field.
func frameChecksum(frame []byte) uint8 {
	end := sampleRegex.FindSubmatchIndex(frame)
	if end == nil {
		return 0
	}

	// index 8 is the start offset of the fourth submatch, the checksum digits
	var sum uint8
	for _, b := range frame[:end[8]] {
		sum += b
	}

	return ^sum + 1
}

// toMaxRate validates a maxrate value against the rates the instrument
// accepts.
func toMaxRate(value any) (float64, error) {
	var maxrate float64

	switch v := value.(type) {
	case float64:
		maxrate = v
	case float32:
		maxrate = float64(v)
	case int:
		maxrate = float64(v)
	case int64:
		maxrate = float64(v)
	default:
		return 0, fmt.Errorf("%w: maxrate must be numeric, got %T", driver.ErrInvalidParameter, value)
	}

	for _, valid := range validMaxRates {
		if maxrate == valid {
			return maxrate, nil
		}
	}

	return 0, fmt.Errorf("%w: maxrate %v is not one of %v", driver.ErrInvalidParameter, maxrate, validMaxRates)
}

func formatMaxRate(maxrate float64) string {
	return strconv.FormatFloat(maxrate, 'f', -1, 64)
}
