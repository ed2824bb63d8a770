package network

import (
	"sync"
	"time"

	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

// Read is one scripted result of a FakeSource.
type Read struct {
	Packet packet.Raw
	Err    error
}

// FakeSource is a scripted PacketSource for tests and simulations. Once the
// script is drained each read waits up to its timeout for more reads to be
// pushed and then returns Drained (ErrTimeout unless set).
type FakeSource struct {
	mu      sync.Mutex
	reads   []Read
	pos     int
	calls   int
	closed  bool
	notify  chan struct{}
	Drained error
}

// NewFakeSource returns a FakeSource that replays reads in order.
func NewFakeSource(reads ...Read) *FakeSource {
	return &FakeSource{
		reads:   reads,
		notify:  make(chan struct{}, 1),
		Drained: ErrTimeout,
	}
}

// Packets returns Reads that deliver each packet successfully.
func Packets(pkts ...packet.Raw) []Read {
	out := make([]Read, len(pkts))
	for i, p := range pkts {
		out[i] = Read{Packet: p}
	}
	return out
}

// Push appends reads to the script.
func (f *FakeSource) Push(reads ...Read) {
	f.mu.Lock()
	f.reads = append(f.reads, reads...)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// ReadPacket returns the next scripted read.
func (f *FakeSource) ReadPacket(timeout time.Duration) (packet.Raw, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, ErrSourceExhausted
		}
		if f.pos < len(f.reads) {
			r := f.reads[f.pos]
			f.pos++
			f.mu.Unlock()
			return r.Packet, r.Err
		}
		drained := f.Drained
		f.mu.Unlock()

		if drained != ErrTimeout {
			return nil, drained
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		select {
		case <-f.notify:
		case <-time.After(remaining):
			return nil, ErrTimeout
		}
	}
}

// Calls returns how many times ReadPacket was invoked.
func (f *FakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Remaining returns the number of scripted reads not yet consumed.
func (f *FakeSource) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads) - f.pos
}

// Close makes every later read return ErrSourceExhausted.
func (f *FakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}
