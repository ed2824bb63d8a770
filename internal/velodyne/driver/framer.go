package driver

import (
	"fmt"
	"math"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

// Framer decides where one revolution ends. Add is called with each packet
// appended to the pending scan, and returns true when that packet completes
// it. Reset is called after the scan is emitted or discarded.
type Framer interface {
	Add(p packet.Raw) bool
	Reset()
}

// CountFramer completes a revolution after a fixed number of packets.
type CountFramer struct {
	n     int
	count int
}

// NewCountFramer returns a framer for n packets per revolution.
func NewCountFramer(n int) *CountFramer {
	if n < 1 {
		n = 1
	}
	return &CountFramer{n: n}
}

func (f *CountFramer) Add(packet.Raw) bool {
	f.count++
	return f.count >= f.n
}

func (f *CountFramer) Reset() { f.count = 0 }

// AzimuthFramer completes a revolution on the packet whose first block
// azimuth crosses the cut angle. A revolution that never crosses is closed
// after maxPackets.
type AzimuthFramer struct {
	cut        int
	maxPackets int

	count   int
	prevRel int
	hasPrev bool
}

// NewAzimuthFramer returns a framer cutting at cutAngle degrees, capped at
// maxPackets per revolution.
func NewAzimuthFramer(cutAngle float64, maxPackets int) (*AzimuthFramer, error) {
	if cutAngle < 0 || cutAngle >= 360 || math.IsNaN(cutAngle) {
		return nil, fmt.Errorf("cut angle must be in [0, 360), got %v", cutAngle)
	}
	if maxPackets < 1 {
		return nil, fmt.Errorf("max packets must be positive, got %d", maxPackets)
	}
	return &AzimuthFramer{
		cut:        int(math.Round(cutAngle/packet.AzimuthResolution)) % packet.AzimuthUnitsPerRev,
		maxPackets: maxPackets,
	}, nil
}

func (f *AzimuthFramer) Add(p packet.Raw) bool {
	f.count++
	az, err := packet.Azimuth(p, 0)
	if err != nil {
		monitoring.Debugf("azimuth framing skipped packet: %v", err)
		return f.count >= f.maxPackets
	}

	// Azimuth relative to the cut angle; it wraps back towards zero exactly
	// when the sensor sweeps past the cut.
	rel := (int(az) - f.cut + packet.AzimuthUnitsPerRev) % packet.AzimuthUnitsPerRev
	crossed := f.hasPrev && rel < f.prevRel
	f.prevRel, f.hasPrev = rel, true

	return crossed || f.count >= f.maxPackets
}

// Reset starts a new revolution. The last azimuth is kept so the next
// crossing is measured from where the previous scan ended.
func (f *AzimuthFramer) Reset() { f.count = 0 }

// NewFramer builds the framer for cfg.Framing.
func NewFramer(cfg Config, packetsPerScan int) (Framer, error) {
	switch cfg.Framing {
	case "", FramingCount:
		return NewCountFramer(packetsPerScan), nil
	case FramingAzimuth:
		return NewAzimuthFramer(cfg.CutAngle, 2*packetsPerScan)
	default:
		return nil, fmt.Errorf("unknown framing mode %q", cfg.Framing)
	}
}
