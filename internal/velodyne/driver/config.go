package driver

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/velodyne-driver/internal/timeutil"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

// Framing modes.
const (
	FramingCount   = "count"
	FramingAzimuth = "azimuth"
)

// Config contains the startup configuration of a Driver. It is fixed once
// the driver is built.
type Config struct {
	FrameID string
	// PacketRate is the nominal firing packet rate in packets per second.
	PacketRate float64
	RPM        float64
	// ReadTimeout bounds each packet read on either channel.
	ReadTimeout time.Duration
	// TimestampUnit is the unit of the top-of-hour packet field.
	TimestampUnit time.Duration
	// NotReadyDelay is how long Run waits after ErrNotReady.
	NotReadyDelay time.Duration
	// SyncRetryDelay is how long the synchronizer backs off after a failed
	// positioning read.
	SyncRetryDelay time.Duration
	// RetryDelay is how long Run backs off after the firing stream failed a
	// read (ErrStreamEnded).
	RetryDelay time.Duration
	Framing    string
	// CutAngle in degrees, used by azimuth framing.
	CutAngle float64
	Clock    timeutil.Clock
}

// DefaultConfig returns the HDL-32E defaults.
func DefaultConfig() Config {
	return Config{
		FrameID:        "velodyne32",
		PacketRate:     packet.NominalPacketRate,
		RPM:            600,
		ReadTimeout:    time.Second,
		TimestampUnit:  time.Second,
		NotReadyDelay:  100 * time.Microsecond,
		SyncRetryDelay: 100 * time.Millisecond,
		RetryDelay:     100 * time.Millisecond,
		Framing:        FramingCount,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FrameID == "" {
		c.FrameID = d.FrameID
	}
	if c.PacketRate == 0 {
		c.PacketRate = d.PacketRate
	}
	if c.RPM == 0 {
		c.RPM = d.RPM
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.TimestampUnit <= 0 {
		c.TimestampUnit = d.TimestampUnit
	}
	if c.NotReadyDelay <= 0 {
		c.NotReadyDelay = d.NotReadyDelay
	}
	if c.SyncRetryDelay <= 0 {
		c.SyncRetryDelay = d.SyncRetryDelay
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.Framing == "" {
		c.Framing = d.Framing
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// PacketsPerScan returns the nominal number of firing packets in one
// revolution, ceil(rate / (rpm/60)).
func PacketsPerScan(rate, rpm float64) (int, error) {
	if !(rate > 0) || math.IsInf(rate, 0) {
		return 0, fmt.Errorf("packet rate must be positive, got %v", rate)
	}
	if !(rpm > 0) || math.IsInf(rpm, 0) {
		return 0, fmt.Errorf("rpm must be positive, got %v", rpm)
	}
	n := math.Ceil(rate / (rpm / 60))
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("packets per scan overflows for rate %v at %v rpm", rate, rpm)
	}
	return int(n), nil
}
