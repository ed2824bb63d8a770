package network

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/timeutil"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

// pcapng section header block magic.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// packetDataReader is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetDataReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PCAPOptions configures a PCAPSource.
type PCAPOptions struct {
	// Port selects UDP datagrams by destination port.
	Port int
	// PacketSize, when non-zero, skips payloads of any other size.
	PacketSize int
	// Speed paces replay against capture timestamps (1.0 = real time).
	// Zero replays as fast as the reader consumes.
	Speed float64
	Stats *PacketStats
	Clock timeutil.Clock
	// Epoch is shared by sources replaying the same capture so their packets
	// keep their captured spacing. Nil gives the source its own epoch.
	Epoch *ReplayEpoch
}

// ReplayEpoch pins capture time to wall time. The first packet due on any
// source sharing the epoch fixes it.
type ReplayEpoch struct {
	mu      sync.Mutex
	wall    time.Time
	capture time.Time
}

// NewReplayEpoch returns an unset epoch.
func NewReplayEpoch() *ReplayEpoch { return &ReplayEpoch{} }

// due returns the wall time a packet captured at ts should be delivered.
func (e *ReplayEpoch) due(ts, now time.Time, speed float64) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wall.IsZero() {
		e.wall, e.capture = now, ts
		return now
	}
	return e.wall.Add(time.Duration(float64(ts.Sub(e.capture)) / speed))
}

// PCAPSource replays the UDP payloads for one port from a pcap or pcapng
// capture. End of file is reported as ErrSourceExhausted.
type PCAPSource struct {
	file     *os.File
	reader   packetDataReader
	linkType layers.LinkType
	opts     PCAPOptions
	path     string

	count     int
	exhausted bool

	pending   packet.Raw
	pendingTS time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// OpenPCAPSource opens path for replay of opts.Port.
func OpenPCAPSource(path string, opts PCAPOptions) (*PCAPSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PCAP header from %s: %w", path, err)
	}

	var r packetDataReader
	if bytes.Equal(magic, pcapngMagic) {
		r, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		r, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to parse PCAP file %s: %w", path, err)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Epoch == nil {
		opts.Epoch = NewReplayEpoch()
	}

	monitoring.Logf("PCAP replay of %s: udp port %d, link type %s, speed %.2fx", path, opts.Port, r.LinkType(), opts.Speed)
	return &PCAPSource{file: f, reader: r, linkType: r.LinkType(), opts: opts, path: path, done: make(chan struct{})}, nil
}

// ReadPacket returns the next matching UDP payload. A replay wait is cut
// short by Close.
func (s *PCAPSource) ReadPacket(timeout time.Duration) (packet.Raw, error) {
	select {
	case <-s.done:
		return nil, ErrSourceExhausted
	default:
	}
	if s.pending == nil {
		if s.exhausted {
			return nil, ErrSourceExhausted
		}
		payload, ts, err := s.next()
		if err != nil {
			return nil, err
		}
		s.pending, s.pendingTS = payload, ts
	}

	if wait := s.replayDelay(); wait > 0 {
		if wait > timeout {
			if !s.sleep(timeout) {
				return nil, ErrSourceExhausted
			}
			return nil, ErrTimeout
		}
		if !s.sleep(wait) {
			return nil, ErrSourceExhausted
		}
	}

	out := s.pending
	s.pending = nil
	if s.opts.Stats != nil {
		s.opts.Stats.AddPacket(len(out))
	}
	return out, nil
}

// sleep waits d and reports false if the source was closed meanwhile.
func (s *PCAPSource) sleep(d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-s.opts.Clock.After(d):
		return true
	}
}

// replayDelay returns how long to wait before the pending packet is due.
func (s *PCAPSource) replayDelay() time.Duration {
	if s.opts.Speed <= 0 {
		return 0
	}
	now := s.opts.Clock.Now()
	return s.opts.Epoch.due(s.pendingTS, now, s.opts.Speed).Sub(now)
}

// next decodes frames until one carries a UDP payload for the configured port.
func (s *PCAPSource) next() (packet.Raw, time.Time, error) {
	for {
		data, ci, err := s.reader.ReadPacketData()
		if err != nil {
			s.exhausted = true
			if errors.Is(err, io.EOF) {
				monitoring.Logf("PCAP file reading complete: %d packets on port %d from %s", s.count, s.opts.Port, s.path)
				return nil, time.Time{}, ErrSourceExhausted
			}
			return nil, time.Time{}, fmt.Errorf("%w: %v", ErrSourceExhausted, err)
		}

		pkt := gopacket.NewPacket(data, s.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || int(udp.DstPort) != s.opts.Port || len(udp.Payload) == 0 {
			continue
		}
		if s.opts.PacketSize > 0 && len(udp.Payload) != s.opts.PacketSize {
			if s.opts.Stats != nil {
				s.opts.Stats.AddShort()
			}
			continue
		}

		s.count++
		return packet.Clone(udp.Payload), ci.Timestamp, nil
	}
}

// Close closes the capture file and wakes a pending replay wait.
func (s *PCAPSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.file.Close()
	})
	return err
}
