package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/timeutil"
)

// DefaultForwardQueue is the number of packets buffered for the forwarder.
const DefaultForwardQueue = 1000

// ForwarderConfig configures a PacketForwarder.
type ForwarderConfig struct {
	// Address is the host:port mirrored packets are sent to.
	Address string
	// QueueSize bounds the packets waiting to be sent; overflow is dropped.
	QueueSize int
	// LogInterval is how often send failures are summarized.
	LogInterval time.Duration
	// Stats counts dropped packets. Optional.
	Stats *PacketStats
	Clock timeutil.Clock
	// Conn replaces the dialed UDP connection (tests).
	Conn io.WriteCloser
}

// PacketForwarder mirrors received firing packets to another UDP address (a
// LidarView instance, typically) without blocking the receive path.
type PacketForwarder struct {
	conn        io.WriteCloser
	queue       chan []byte
	stats       *PacketStats
	clock       timeutil.Clock
	logInterval time.Duration
	address     string

	sent   atomic.Uint64
	failed atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// NewPacketForwarder dials cfg.Address unless cfg.Conn is set.
func NewPacketForwarder(cfg ForwarderConfig) (*PacketForwarder, error) {
	conn := cfg.Conn
	if conn == nil {
		raddr, err := net.ResolveUDPAddr("udp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve forward address %q: %w", cfg.Address, err)
		}
		udp, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create forward connection: %w", err)
		}
		conn = udp
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultForwardQueue
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	return &PacketForwarder{
		conn:        conn,
		queue:       make(chan []byte, cfg.QueueSize),
		stats:       cfg.Stats,
		clock:       cfg.Clock,
		logInterval: cfg.LogInterval,
		address:     cfg.Address,
		done:        make(chan struct{}),
	}, nil
}

// Start runs the send loop until ctx is done or Close is called.
func (f *PacketForwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.loop(ctx)
	}()
	monitoring.Logf("forwarding firing packets to %s", f.address)
}

func (f *PacketForwarder) loop(ctx context.Context) {
	ticker := f.clock.NewTicker(f.logInterval)
	defer ticker.Stop()

	var (
		failures uint64
		lastErr  error
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case pkt := <-f.queue:
			if _, err := f.conn.Write(pkt); err != nil {
				f.failed.Add(1)
				failures++
				lastErr = err
				continue
			}
			f.sent.Add(1)
		case <-ticker.C():
			if failures > 0 {
				monitoring.Logf("forwarder: %d packets failed to send to %s (latest: %v)", failures, f.address, lastErr)
				failures, lastErr = 0, nil
			}
		}
	}
}

// ForwardAsync queues a copy of pkt. A full queue drops the packet and counts
// it in the stats.
func (f *PacketForwarder) ForwardAsync(pkt []byte) {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)

	select {
	case f.queue <- cp:
	default:
		if f.stats != nil {
			f.stats.AddDropped()
		}
	}
}

// Address returns the forwarding destination.
func (f *PacketForwarder) Address() string { return f.address }

// Sent returns the number of packets written to the destination.
func (f *PacketForwarder) Sent() uint64 { return f.sent.Load() }

// Failed returns the number of packets whose write failed.
func (f *PacketForwarder) Failed() uint64 { return f.failed.Load() }

// Close stops the send loop, waits for it and closes the connection.
func (f *PacketForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		f.wg.Wait()
		err = f.conn.Close()
	})
	return err
}
