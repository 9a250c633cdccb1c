package transport

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay is a single-connection TCP listener standing in for an
// instrument-side relay.
type fakeRelay struct {
	listener net.Listener

	mu   sync.Mutex
	conn net.Conn
	recv []byte
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &fakeRelay{listener: listener}
	t.Cleanup(func() { _ = listener.Close() })

	go r.acceptLoop()

	return r
}

func (r *fakeRelay) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}

		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()

		go func(c net.Conn) {
			buf := make([]byte, 1024)
			for {
				n, err := c.Read(buf)
				if n > 0 {
					r.mu.Lock()
					r.recv = append(r.recv, buf[:n]...)
					r.mu.Unlock()
				}
				if err != nil {
					return
				}
			}
		}(conn)
	}
}

func (r *fakeRelay) addrPort(t *testing.T) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(r.listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return host, port
}

func (r *fakeRelay) write(t *testing.T, data []byte) {
	t.Helper()

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	require.NotNil(t, conn)

	_, err := conn.Write(data)
	require.NoError(t, err)
}

func (r *fakeRelay) closeConn() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

func (r *fakeRelay) received() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]byte(nil), r.recv...)
}

type recorder struct {
	mu   sync.Mutex
	data []byte
	lost atomic.Int32
}

func (rec *recorder) onData(data []byte, _ time.Time) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.data = append(rec.data, data...)
}

func (rec *recorder) onLost() {
	rec.lost.Add(1)
}

func (rec *recorder) received() []byte {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	return append([]byte(nil), rec.data...)
}

func TestTCPClientSendReceive(t *testing.T) {
	relay := newFakeRelay(t)
	addr, port := relay.addrPort(t)

	rec := &recorder{}
	client := NewTCPClient(addr, port, rec.onData, rec.onLost)

	require.NoError(t, client.InitComms())
	defer client.StopComms()

	require.NoError(t, client.Send([]byte("show all\r\n")))
	assert.Eventually(t, func() bool {
		return string(relay.received()) == "show all\r\n"
	}, 2*time.Second, 10*time.Millisecond)

	relay.write(t, []byte("SATPAR4278190306,49.02,2157023616,171\r\n"))
	assert.Eventually(t, func() bool {
		return string(rec.received()) == "SATPAR4278190306,49.02,2157023616,171\r\n"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(10), client.GetMetrics().SendByteCount.Load())
	assert.Equal(t, uint64(39), client.GetMetrics().RecvByteCount.Load())
	assert.Equal(t, int32(0), rec.lost.Load())
}

func TestTCPClientLossCallback(t *testing.T) {
	relay := newFakeRelay(t)
	addr, port := relay.addrPort(t)

	rec := &recorder{}
	client := NewTCPClient(addr, port, rec.onData, rec.onLost)

	require.NoError(t, client.InitComms())
	defer client.StopComms()

	// wait until the relay side accepted before tearing it down
	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return relay.conn != nil
	}, 2*time.Second, 10*time.Millisecond)

	relay.closeConn()

	assert.Eventually(t, func() bool {
		return rec.lost.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTCPClientStopIsQuiet(t *testing.T) {
	relay := newFakeRelay(t)
	addr, port := relay.addrPort(t)

	rec := &recorder{}
	client := NewTCPClient(addr, port, rec.onData, rec.onLost)

	require.NoError(t, client.InitComms())
	require.NoError(t, client.StopComms())

	// a deliberate stop never looks like a lost connection
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), rec.lost.Load())
}

func TestTCPClientRestart(t *testing.T) {
	relay := newFakeRelay(t)
	addr, port := relay.addrPort(t)

	rec := &recorder{}
	client := NewTCPClient(addr, port, rec.onData, rec.onLost)

	require.NoError(t, client.InitComms())
	require.NoError(t, client.StopComms())

	require.NoError(t, client.InitComms())
	defer client.StopComms()

	require.NoError(t, client.Send([]byte("ping")))
	assert.Eventually(t, func() bool {
		return string(relay.received()) == "ping"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTCPClientNotConnected(t *testing.T) {
	client := NewTCPClient("127.0.0.1", 1, nil, nil)

	assert.ErrorIs(t, client.Send([]byte("x")), ErrNotConnected)
}

func TestTCPClientConnectFailure(t *testing.T) {
	// grab a free port and close it so nothing is listening
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	client := NewTCPClient(host, port, nil, nil, WithConnectTimeout(500*time.Millisecond))
	assert.Error(t, client.InitComms())
}

func TestTCPClientCommandPort(t *testing.T) {
	cmdRelay := newFakeRelay(t)
	cmdAddr, cmdPort := cmdRelay.addrPort(t)

	client := NewTCPClient(cmdAddr, 1, nil, nil, WithCommandPort(cmdPort))

	require.NoError(t, client.SendCommand([]byte("break 500\n")))
	assert.Eventually(t, func() bool {
		return string(cmdRelay.received()) == "break 500\n"
	}, 2*time.Second, 10*time.Millisecond)

	noCmd := NewTCPClient("127.0.0.1", 1, nil, nil)
	assert.Error(t, noCmd.SendCommand([]byte("x")))
}

func TestTCPClientSendBreak(t *testing.T) {
	cmdRelay := newFakeRelay(t)
	cmdAddr, cmdPort := cmdRelay.addrPort(t)

	client := NewTCPClient(cmdAddr, 1, nil, nil, WithCommandPort(cmdPort))

	require.NoError(t, client.SendBreak(250*time.Millisecond))
	assert.Eventually(t, func() bool {
		return string(cmdRelay.received()) == "break 250\n"
	}, 2*time.Second, 10*time.Millisecond)
}
