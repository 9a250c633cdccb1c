package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/oceanlab/go-instrument/internal/task"
	"github.com/oceanlab/go-instrument/logger"
)

// SerialConfig describes a directly attached serial instrument line.
type SerialConfig struct {
	Device   string        `yaml:"device"`
	BaudRate int           `yaml:"baud_rate"`
	DataBits int           `yaml:"data_bits"`
	StopBits int           `yaml:"stop_bits"`
	Parity   string        `yaml:"parity"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SerialPort is a Transport for instruments wired straight into a local
// serial line, bypassing a networked relay.
//
// It implements the same contract as TCPClient: received bytes are delivered
// through the data callback, and a read failure triggers the loss callback
// unless the port is being stopped deliberately.
type SerialPort struct {
	cfg    SerialConfig
	onData DataFunc
	onLost LostFunc
	logger logger.Logger

	taskMgr   *task.Manager
	portMutex sync.Mutex
	port      serial.Port
	shutdown  atomic.Bool

	metrics TransportMetrics
}

// SerialOption customizes a SerialPort.
type SerialOption func(*SerialPort)

// WithSerialLogger overrides the port's logger.
func WithSerialLogger(l logger.Logger) SerialOption {
	return func(s *SerialPort) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSerialPort creates a serial transport for the given line configuration.
// The port is not opened until InitComms.
func NewSerialPort(cfg SerialConfig, onData DataFunc, onLost LostFunc, opts ...SerialOption) (*SerialPort, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("serial device is required")
	}

	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}

	s := &SerialPort{
		cfg:    cfg,
		onData: onData,
		onLost: onLost,
		logger: logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.taskMgr = task.NewManager(context.Background(), s.logger)

	return s, nil
}

// InitComms opens the serial line and starts the receiver goroutine.
func (s *SerialPort) InitComms() error {
	s.shutdown.Store(false)

	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: s.cfg.DataBits,
		StopBits: serial.StopBits(s.cfg.StopBits),
		Parity:   parseParity(s.cfg.Parity),
	}

	port, err := serial.Open(s.cfg.Device, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial device %s: %w", s.cfg.Device, err)
	}

	if err := port.SetReadTimeout(s.cfg.Timeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", s.cfg.Device, err)
	}

	s.setPort(port)
	s.logger.Info("serial device opened", "device", s.cfg.Device, "baud_rate", s.cfg.BaudRate)

	if err := s.taskMgr.StartReceiver("serialReceiver", recvBufferSize, s.receiverTask, s.receiverDone); err != nil {
		s.closePort()
		return err
	}

	return nil
}

// StopComms closes the serial line and stops the receiver goroutine.
func (s *SerialPort) StopComms() error {
	s.shutdown.Store(true)

	s.closePort()
	s.taskMgr.Stop()
	s.taskMgr.Wait()

	s.logger.Debug("serial comms stopped", "device", s.cfg.Device)

	return nil
}

// Send writes raw bytes to the instrument.
func (s *SerialPort) Send(data []byte) error {
	port := s.getPort()
	if port == nil {
		return ErrNotConnected
	}

	n, err := port.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write to serial device %s: %w", s.cfg.Device, err)
	}

	s.metrics.addSendBytes(uint64(n))

	return nil
}

// SendBreak asserts a serial break for the given duration.
func (s *SerialPort) SendBreak(duration time.Duration) error {
	port := s.getPort()
	if port == nil {
		return ErrNotConnected
	}

	return port.Break(duration)
}

// GetMetrics returns the metrics associated with the transport.
func (s *SerialPort) GetMetrics() *TransportMetrics {
	return &s.metrics
}

// receiverTask reads raw bytes from the serial line. A read timeout yields
// zero bytes and no error; the loop just tries again.
func (s *SerialPort) receiverTask(readBuf []byte) bool {
	port := s.getPort()
	if port == nil {
		return false
	}

	n, err := port.Read(readBuf)
	if n > 0 {
		s.metrics.addRecvBytes(uint64(n))
		if s.onData != nil {
			s.onData(bytes.Clone(readBuf[:n]), time.Now())
		}
	}

	if err != nil {
		if !s.shutdown.Load() {
			s.logger.Error("failed to read from serial device", "device", s.cfg.Device, "error", err)
		}

		return false
	}

	return true
}

func (s *SerialPort) receiverDone() {
	if s.shutdown.Load() {
		return
	}

	s.logger.Warn("serial connection lost", "device", s.cfg.Device)
	if s.onLost != nil {
		s.onLost()
	}
}

func (s *SerialPort) setPort(port serial.Port) {
	s.portMutex.Lock()
	defer s.portMutex.Unlock()

	s.port = port
}

func (s *SerialPort) getPort() serial.Port {
	s.portMutex.Lock()
	defer s.portMutex.Unlock()

	return s.port
}

func (s *SerialPort) closePort() {
	s.portMutex.Lock()
	defer s.portMutex.Unlock()

	if s.port != nil {
		if err := s.port.Close(); err != nil {
			s.logger.Error("failed to close serial device", "device", s.cfg.Device, "error", err)
		}
		s.port = nil
	}
}

func parseParity(parity string) serial.Parity {
	switch parity {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}
