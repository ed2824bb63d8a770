package network

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

// UDPSourceConfig contains configuration options for a UDP packet source.
type UDPSourceConfig struct {
	// Address is the local bind address, e.g. ":2368".
	Address string
	// RcvBuf is the OS receive buffer size in bytes; zero leaves the default.
	RcvBuf int
	// PacketSize, when non-zero, is the only datagram size accepted.
	// Datagrams of any other size are counted and skipped.
	PacketSize int
	Stats      *PacketStats
	Forwarder  *PacketForwarder
	// Factory creates the socket; nil uses net.ListenUDP.
	Factory UDPSocketFactory
}

// UDPSource reads sensor packets from a UDP port.
type UDPSource struct {
	conn       UDPSocket
	address    string
	packetSize int
	stats      *PacketStats
	forwarder  *PacketForwarder
	buffer     []byte
	closed     atomic.Bool
}

// NewUDPSource binds the configured address.
func NewUDPSource(config UDPSourceConfig) (*UDPSource, error) {
	addr, err := net.ResolveUDPAddr("udp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %q: %w", config.Address, err)
	}
	factory := config.Factory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	conn, err := factory.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP address %q: %w", config.Address, err)
	}

	if config.RcvBuf > 0 {
		if err := conn.SetReadBuffer(config.RcvBuf); err != nil {
			monitoring.Logf("Warning: Failed to set UDP receive buffer size to %d: %v", config.RcvBuf, err)
		}
	}
	monitoring.Logf("UDP source listening on %s (receive buffer %d bytes, packet size %d)",
		conn.LocalAddr(), config.RcvBuf, config.PacketSize)

	return &UDPSource{
		conn:       conn,
		address:    config.Address,
		packetSize: config.PacketSize,
		stats:      config.Stats,
		forwarder:  config.Forwarder,
		buffer:     make([]byte, 2048), // HDL-32E packets are 1206 bytes
	}, nil
}

// LocalAddr returns the bound address.
func (s *UDPSource) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// ReadPacket blocks for up to timeout waiting for one datagram of the
// configured size.
func (s *UDPSource) ReadPacket(timeout time.Duration) (packet.Raw, error) {
	if s.closed.Load() {
		return nil, ErrSourceExhausted
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: set read deadline: %v", ErrStreamEnded, err)
	}

	for {
		n, addr, err := s.conn.ReadFromUDP(s.buffer)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				return nil, ErrTimeout
			case errors.Is(err, net.ErrClosed) || s.closed.Load():
				return nil, fmt.Errorf("%w: %v", ErrSourceExhausted, err)
			default:
				return nil, fmt.Errorf("%w: %v", ErrStreamEnded, err)
			}
		}

		if s.packetSize > 0 && n != s.packetSize {
			if s.stats != nil {
				s.stats.AddShort()
			}
			monitoring.Debugf("incomplete packet from %v on %s: %d bytes, want %d", addr, s.address, n, s.packetSize)
			continue
		}

		if s.stats != nil {
			s.stats.AddPacket(n)
		}
		if s.forwarder != nil {
			s.forwarder.ForwardAsync(s.buffer[:n])
		}
		return packet.Clone(s.buffer[:n]), nil
	}
}

// Close closes the socket. Subsequent reads return ErrSourceExhausted.
func (s *UDPSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
