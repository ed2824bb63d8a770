package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/timeutil"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/network"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/timesync"
)

// Scan is one revolution of firing packets stamped with sensor time.
type Scan struct {
	ID      uuid.UUID
	FrameID string
	// Packets are in arrival order.
	Packets []packet.Raw
	// PublishTime is the wall clock time the scan was assembled.
	PublishTime time.Time
	// BaseTime is the GPS hour start used for Timestamp. It differs from the
	// shared base time by whole hours when the scan straddles a rollover.
	BaseTime time.Time
	// TopOfHour is the raw offset field of the first packet.
	TopOfHour uint32
	// Timestamp is BaseTime plus TopOfHour.
	Timestamp time.Time
}

// Len returns the number of packets in the scan.
func (s *Scan) Len() int { return len(s.Packets) }

// BaseTimeReader is the read side of the shared base time.
type BaseTimeReader interface {
	Load() (time.Time, bool)
	Reference() (timesync.Reference, bool)
}

// Assembler groups firing packets into stamped scans. It is not safe for
// concurrent Poll calls; base time may change concurrently.
type Assembler struct {
	source network.PacketSource
	base   BaseTimeReader
	framer Framer

	frameID     string
	readTimeout time.Duration
	unit        time.Duration
	clock       timeutil.Clock

	pending  []packet.Raw
	sizeHint int
}

// NewAssembler returns an assembler reading source. Zero fields in cfg take
// their defaults; sizeHint preallocates each scan.
func NewAssembler(source network.PacketSource, base BaseTimeReader, framer Framer, cfg Config, sizeHint int) *Assembler {
	cfg = cfg.withDefaults()
	return &Assembler{
		source:      source,
		base:        base,
		framer:      framer,
		frameID:     cfg.FrameID,
		readTimeout: cfg.ReadTimeout,
		unit:        cfg.TimestampUnit,
		clock:       cfg.Clock,
		sizeHint:    sizeHint,
	}
}

// Pending returns the number of packets accumulated towards the next scan.
func (a *Assembler) Pending() int { return len(a.pending) }

// Poll attempts to produce one complete scan.
//
// It returns ErrNotReady without reading while base time is unset, and an
// error wrapping ErrRetry when a read times out or the stream ended for this
// attempt; packets read so far are kept for the next call. A first packet too
// short to carry its top-of-hour field fails with packet.ErrCorruptPacket and
// the revolution is dropped. network.ErrSourceExhausted is returned once the
// source has ended.
func (a *Assembler) Poll(ctx context.Context) (*Scan, error) {
	if _, ok := a.base.Load(); !ok {
		return nil, ErrNotReady
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := a.source.ReadPacket(a.readTimeout)
		if err != nil {
			if errors.Is(err, network.ErrSourceExhausted) {
				if len(a.pending) > 0 {
					monitoring.Logf("firing source ended with %d packets of a partial scan", len(a.pending))
					a.reset()
				}
				return nil, err
			}
			if len(a.pending) == 0 {
				monitoring.Debugf("empty scan, no firing packets: %v", err)
			}
			return nil, fmt.Errorf("%w: %w", ErrRetry, err)
		}

		if a.pending == nil {
			a.pending = make([]packet.Raw, 0, a.sizeHint)
		}
		a.pending = append(a.pending, p)
		if a.framer.Add(p) {
			return a.stamp()
		}
	}
}

// stamp hands the pending revolution over as a Scan.
func (a *Assembler) stamp() (*Scan, error) {
	packets := a.pending
	a.reset()

	if len(packets) == 0 {
		monitoring.Logf("empty scan from framer, retrying")
		return nil, ErrRetry
	}

	toh, err := packet.TopOfHour(packets[0])
	if err != nil {
		return nil, fmt.Errorf("first packet of %d-packet scan: %w", len(packets), err)
	}

	// One snapshot per scan: a concurrent rollover applies to the next one.
	base, ok := a.base.Load()
	if !ok {
		return nil, ErrNotReady
	}
	base = a.reconcile(base, toh)

	return &Scan{
		ID:          uuid.New(),
		FrameID:     a.frameID,
		Packets:     packets,
		PublishTime: a.clock.Now(),
		BaseTime:    base,
		TopOfHour:   toh,
		Timestamp:   base.Add(time.Duration(toh) * a.unit),
	}, nil
}

// reconcile moves base by whole hours so that the stamp lands nearest the
// GPS time extrapolated from the latest fix. Packets fired just before a
// rollover can arrive after the synchronizer advanced the base, and the
// first packets of a new hour can arrive before it does.
func (a *Assembler) reconcile(base time.Time, toh uint32) time.Time {
	ref, ok := a.base.Reference()
	if !ok {
		return base
	}
	stamp := base.Add(time.Duration(toh) * a.unit)
	shift := ref.At(a.clock.Now()).Sub(stamp).Round(time.Hour)
	if shift != 0 {
		monitoring.Debugf("scan at top-of-hour %d is %s from GPS reference, base %s -> %s",
			toh, shift, base.Format(time.RFC3339), base.Add(shift).Format(time.RFC3339))
	}
	return base.Add(shift)
}

func (a *Assembler) reset() {
	a.pending = nil
	a.framer.Reset()
}
