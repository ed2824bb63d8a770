package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket defines the subset of *net.UDPConn the UDP source uses.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket implements UDPSocket for testing. Reads return Packets in
// order, then time out.
type MockUDPSocket struct {
	mu sync.Mutex

	// Packets holds the datagrams returned by ReadFromUDP.
	Packets [][]byte
	// ReadErrors, when non-nil at the current index, is returned instead of
	// the packet at that index.
	ReadErrors map[int]error

	readIndex      int
	closed         bool
	readBufferSize int
	readDeadline   time.Time
	localAddress   *net.UDPAddr
}

// NewMockUDPSocket creates a new MockUDPSocket with the given datagrams.
func NewMockUDPSocket(packets ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{
		Packets:      packets,
		localAddress: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2368},
	}
}

// ReadFromUDP returns the next datagram from the mock buffer.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, nil, net.ErrClosed
	}
	if err, ok := m.ReadErrors[m.readIndex]; ok {
		delete(m.ReadErrors, m.readIndex)
		return 0, nil, err
	}
	if m.readIndex >= len(m.Packets) {
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.Packets[m.readIndex]
	m.readIndex++
	n := copy(b, pkt)
	return n, &net.UDPAddr{IP: net.IPv4(192, 168, 1, 201), Port: 2368}, nil
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBufferSize = bytes
	return nil
}

// SetReadDeadline records the deadline.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDeadline = t
	return nil
}

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.localAddress
}

// ReadBufferSize returns the value recorded by SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

// ReadDeadline returns the last deadline recorded by SetReadDeadline.
func (m *MockUDPSocket) ReadDeadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readDeadline
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockUDPSocketFactory returns a fixed socket from ListenUDP.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	Error  error
	Addrs  []*net.UDPAddr
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.Addrs = append(f.Addrs, laddr)
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
