package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oceanlab/go-instrument/internal/task"
	"github.com/oceanlab/go-instrument/logger"
)

// DataFunc receives raw device bytes with their arrival time.
type DataFunc func(data []byte, arrival time.Time)

// LostFunc is invoked when the transport loses connectivity to the relay.
type LostFunc func()

// ErrNotConnected indicates that comms have not been initialized.
var ErrNotConnected = errors.New("transport not connected")

const (
	defaultConnectTimeout = 3 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	recvBufferSize        = 4096
)

// TCPClient is a Transport connecting to a networked relay over TCP.
//
// Received bytes are handed to the data callback from a receiver goroutine; a
// read failure triggers the loss callback unless the client is being stopped
// deliberately. The client is restartable: InitComms may be called again
// after StopComms.
type TCPClient struct {
	addr    string
	port    int
	cmdPort int

	onData DataFunc
	onLost LostFunc
	logger logger.Logger

	connectTimeout time.Duration
	writeTimeout   time.Duration

	taskMgr   *task.Manager
	connMutex sync.Mutex
	conn      net.Conn
	shutdown  atomic.Bool

	metrics TransportMetrics
}

// TCPOption customizes a TCPClient.
type TCPOption func(*TCPClient)

// WithCommandPort sets the relay's command port. Zero disables the command
// channel.
func WithCommandPort(port int) TCPOption {
	return func(t *TCPClient) {
		t.cmdPort = port
	}
}

// WithTCPLogger overrides the client's logger.
func WithTCPLogger(l logger.Logger) TCPOption {
	return func(t *TCPClient) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithConnectTimeout bounds the blocking time of InitComms.
func WithConnectTimeout(timeout time.Duration) TCPOption {
	return func(t *TCPClient) {
		if timeout > 0 {
			t.connectTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds the blocking time of Send.
func WithWriteTimeout(timeout time.Duration) TCPOption {
	return func(t *TCPClient) {
		if timeout > 0 {
			t.writeTimeout = timeout
		}
	}
}

// NewTCPClient creates a TCP transport for the relay at addr:port.
// Comms are not established until InitComms.
func NewTCPClient(addr string, port int, onData DataFunc, onLost LostFunc, opts ...TCPOption) *TCPClient {
	t := &TCPClient{
		addr:           addr,
		port:           port,
		onData:         onData,
		onLost:         onLost,
		logger:         logger.GetLogger(),
		connectTimeout: defaultConnectTimeout,
		writeTimeout:   defaultWriteTimeout,
	}

	for _, opt := range opts {
		opt(t)
	}

	t.taskMgr = task.NewManager(context.Background(), t.logger)

	return t
}

// InitComms establishes the TCP connection to the relay and starts the
// receiver goroutine. It blocks up to the configured connect timeout.
func (t *TCPClient) InitComms() error {
	t.shutdown.Store(false)

	dest := net.JoinHostPort(t.addr, fmt.Sprintf("%d", t.port))
	conn, err := net.DialTimeout("tcp", dest, t.connectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to relay %s: %w", dest, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	t.setConn(conn)
	t.logger.Info("connected to relay", "addr", dest)

	if err := t.taskMgr.StartReceiver("tcpReceiver", recvBufferSize, t.receiverTask, t.receiverDone); err != nil {
		t.closeConn()
		return err
	}

	return nil
}

// StopComms tears down the connection and stops the receiver goroutine. The
// loss callback is not invoked for a deliberate stop.
func (t *TCPClient) StopComms() error {
	t.shutdown.Store(true)

	t.closeConn()
	t.taskMgr.Stop()
	t.taskMgr.Wait()

	t.logger.Debug("relay comms stopped", "addr", t.addr)

	return nil
}

// Send writes raw bytes toward the instrument with a bounded write deadline.
func (t *TCPClient) Send(data []byte) error {
	conn := t.getConn()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}

	n, err := conn.Write(data)
	if err != nil {
		return fmt.Errorf("failed to send to relay: %w", err)
	}

	t.metrics.addSendBytes(uint64(n))

	return nil
}

// SendCommand writes a command to the relay's command port over a short-lived
// connection. It returns an error if no command port is configured.
func (t *TCPClient) SendCommand(cmd []byte) error {
	if t.cmdPort == 0 {
		return fmt.Errorf("no command port configured for relay %s", t.addr)
	}

	dest := net.JoinHostPort(t.addr, fmt.Sprintf("%d", t.cmdPort))
	conn, err := net.DialTimeout("tcp", dest, t.connectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to relay command port %s: %w", dest, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}

	if _, err := conn.Write(cmd); err != nil {
		return fmt.Errorf("failed to send relay command: %w", err)
	}

	return nil
}

// SendBreak asks the relay to assert a serial break for the given duration.
func (t *TCPClient) SendBreak(duration time.Duration) error {
	return t.SendCommand([]byte(fmt.Sprintf("break %d\n", duration.Milliseconds())))
}

// GetMetrics returns the metrics associated with the transport.
func (t *TCPClient) GetMetrics() *TransportMetrics {
	return &t.metrics
}

// receiverTask reads raw bytes from the relay and hands them to the data
// callback with their arrival time.
func (t *TCPClient) receiverTask(readBuf []byte) bool {
	conn := t.getConn()
	if conn == nil {
		return false
	}

	n, err := conn.Read(readBuf)
	if n > 0 {
		t.metrics.addRecvBytes(uint64(n))
		if t.onData != nil {
			t.onData(bytes.Clone(readBuf[:n]), time.Now())
		}
	}

	if err != nil {
		if t.shutdown.Load() {
			return false
		}

		if err != io.EOF && !errors.Is(err, net.ErrClosed) && !strings.Contains(err.Error(), "connection reset by peer") {
			t.logger.Error("failed to read from relay", "error", err)
		}

		return false
	}

	return true
}

// receiverDone runs when the receiver goroutine exits. A loss callback fires
// unless the client was stopped deliberately.
func (t *TCPClient) receiverDone() {
	if t.shutdown.Load() {
		return
	}

	t.logger.Warn("relay connection lost", "addr", t.addr)
	if t.onLost != nil {
		t.onLost()
	}
}

func (t *TCPClient) setConn(conn net.Conn) {
	t.connMutex.Lock()
	defer t.connMutex.Unlock()

	t.conn = conn
}

func (t *TCPClient) getConn() net.Conn {
	t.connMutex.Lock()
	defer t.connMutex.Unlock()

	return t.conn
}

func (t *TCPClient) closeConn() {
	t.connMutex.Lock()
	defer t.connMutex.Unlock()

	if t.conn != nil {
		if tcpConn, ok := t.conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0)
		}
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.logger.Error("failed to close relay connection", "error", err)
		}
		t.conn = nil
	}
}
