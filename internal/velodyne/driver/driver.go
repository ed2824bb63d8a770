// Package driver assembles Velodyne firing packets into revolutions and
// stamps them with GPS-anchored sensor time.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/timeutil"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/network"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/timesync"
)

// Status is a snapshot of driver state.
type Status struct {
	FrameID        string         `json:"frame_id"`
	PacketsPerScan int            `json:"packets_per_scan"`
	Framing        string         `json:"framing"`
	Ready          bool           `json:"ready"`
	Sync           timesync.Stats `json:"-"`
	SyncState      string         `json:"sync_state"`
	BaseTime       *time.Time     `json:"base_time,omitempty"`
	Scans          int64          `json:"scans"`
	Retries        int64          `json:"retries"`
	NotReady       int64          `json:"not_ready"`
	Corrupt        int64          `json:"corrupt"`
	ConsumerErrors int64          `json:"consumer_errors"`
	LastScan       *time.Time     `json:"last_scan,omitempty"`
}

// Driver owns one sensor: the base time, the synchronizer reading the
// positioning channel and the assembler reading the firing channel.
type Driver struct {
	cfg            Config
	packetsPerScan int

	firing      network.PacketSource
	positioning network.PacketSource

	base      *timesync.BaseTime
	sync      *timesync.Synchronizer
	assembler *Assembler

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	scans          atomic.Int64
	retries        atomic.Int64
	notReady       atomic.Int64
	corrupt        atomic.Int64
	consumerErrors atomic.Int64
	lastScan       atomic.Pointer[time.Time]
}

// New builds a driver over the firing and positioning sources. The driver
// owns both sources and closes them in Close.
func New(cfg Config, firing, positioning network.PacketSource) (*Driver, error) {
	if firing == nil || positioning == nil {
		return nil, errors.New("driver needs both firing and positioning sources")
	}
	cfg = cfg.withDefaults()

	n, err := PacketsPerScan(cfg.PacketRate, cfg.RPM)
	if err != nil {
		return nil, err
	}
	framer, err := NewFramer(cfg, n)
	if err != nil {
		return nil, err
	}

	base := &timesync.BaseTime{}
	d := &Driver{
		cfg:            cfg,
		packetsPerScan: n,
		firing:         firing,
		positioning:    positioning,
		base:           base,
		sync: timesync.NewSynchronizer(positioning, base, timesync.Config{
			ReadTimeout: cfg.ReadTimeout,
			RetryDelay:  cfg.SyncRetryDelay,
			Clock:       cfg.Clock,
		}),
		assembler: NewAssembler(firing, base, framer, cfg, n),
	}
	monitoring.Logf("velodyne driver %q: %d packets per scan (%.0f packets/s at %.0f rpm), %s framing",
		cfg.FrameID, n, cfg.PacketRate, cfg.RPM, cfg.Framing)
	return d, nil
}

// PacketsPerScan returns the value computed at startup.
func (d *Driver) PacketsPerScan() int { return d.packetsPerScan }

// BaseTime returns the shared base time (read side).
func (d *Driver) BaseTime() BaseTimeReader { return d.base }

// Start launches the base-time synchronizer. It stops when ctx is done, when
// Close is called, or when the positioning source is exhausted.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("driver closed")
	}
	if d.started {
		return errors.New("driver already started")
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.sync.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("base-time synchronizer stopped: %v", err)
		}
	}()
	return nil
}

// Poll attempts to assemble one scan. See Assembler.Poll.
func (d *Driver) Poll(ctx context.Context) (*Scan, error) {
	scan, err := d.assembler.Poll(ctx)
	switch {
	case err == nil:
		d.scans.Add(1)
		t := scan.PublishTime
		d.lastScan.Store(&t)
	case errors.Is(err, ErrNotReady):
		d.notReady.Add(1)
	case errors.Is(err, ErrRetry):
		d.retries.Add(1)
	case errors.Is(err, packet.ErrCorruptPacket):
		d.corrupt.Add(1)
	}
	return scan, err
}

// Run polls until ctx is done or the firing source is exhausted, handing
// every scan to consumer. Transient conditions and corrupt packets are
// logged and polling continues; consumer errors never stop the loop. Run
// returns nil when the firing source ends and ctx.Err() on cancellation.
func (d *Driver) Run(ctx context.Context, consumer ScanConsumer) error {
	for {
		scan, err := d.Poll(ctx)
		switch {
		case err == nil:
			if consumer == nil {
				continue
			}
			if err := consumer.ConsumeScan(ctx, scan); err != nil {
				if n := d.consumerErrors.Add(1); n == 1 || n%100 == 0 {
					monitoring.Logf("scan consumer failed (%d so far): %v", n, err)
				}
			}
		case errors.Is(err, ErrNotReady):
			if err := timeutil.Sleep(ctx, d.cfg.Clock, d.cfg.NotReadyDelay); err != nil {
				return err
			}
		case errors.Is(err, ErrRetry):
			// A timeout already waited out the read; a failed read did not.
			if errors.Is(err, network.ErrStreamEnded) {
				if err := timeutil.Sleep(ctx, d.cfg.Clock, d.cfg.RetryDelay); err != nil {
					return err
				}
			}
		case errors.Is(err, packet.ErrCorruptPacket):
			monitoring.Logf("dropping revolution: %v", err)
		case errors.Is(err, network.ErrSourceExhausted):
			monitoring.Logf("firing source exhausted after %d scans", d.scans.Load())
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("poll failed: %w", err)
		}
	}
}

// Status returns a snapshot of driver and synchronizer state.
func (d *Driver) Status() Status {
	st := Status{
		FrameID:        d.cfg.FrameID,
		PacketsPerScan: d.packetsPerScan,
		Framing:        d.cfg.Framing,
		Sync:           d.sync.Stats(),
		Scans:          d.scans.Load(),
		Retries:        d.retries.Load(),
		NotReady:       d.notReady.Load(),
		Corrupt:        d.corrupt.Load(),
		ConsumerErrors: d.consumerErrors.Load(),
		LastScan:       d.lastScan.Load(),
	}
	st.SyncState = st.Sync.State.String()
	if base, ok := d.base.Load(); ok {
		st.Ready = true
		st.BaseTime = &base
	}
	return st
}

// Close stops the synchronizer, waits for it and closes both sources.
// Calls to Poll or Run must have returned first.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	return errors.Join(d.firing.Close(), d.positioning.Close())
}
