// Package timesync maintains the GPS hour anchor (base time) that firing
// packet top-of-hour offsets are added to.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/timeutil"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/network"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/nmea"
)

// State is the synchronizer life-cycle state.
type State int32

const (
	StateUnanchored State = iota
	StateAnchored
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnanchored:
		return "unanchored"
	case StateAnchored:
		return "anchored"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config configures a Synchronizer.
type Config struct {
	// ReadTimeout bounds each positioning packet read.
	ReadTimeout time.Duration
	// RetryDelay is waited after a stream-ended read before trying again.
	RetryDelay time.Duration
	// Clock supplies wall time for anchoring fixes without a date.
	Clock timeutil.Clock
}

// Stats is a snapshot of synchronizer counters.
type Stats struct {
	State     State
	BaseTime  time.Time
	Anchored  bool
	Fixes     int64
	Malformed int64
	Timeouts  int64
	Rollovers int64
	LastFix   nmea.Time
}

// Synchronizer reads positioning packets and publishes BaseTime: once on
// the first valid fix, then again on every hour rollover.
type Synchronizer struct {
	source network.PacketSource
	base   *BaseTime
	cfg    Config

	state     atomic.Int32
	fixes     atomic.Int64
	malformed atomic.Int64
	timeouts  atomic.Int64
	rollovers atomic.Int64
	lastFix   atomic.Pointer[nmea.Time]
}

// NewSynchronizer returns a synchronizer that writes to base.
func NewSynchronizer(source network.PacketSource, base *BaseTime, cfg Config) *Synchronizer {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Synchronizer{source: source, base: base, cfg: cfg}
}

// State returns the current life-cycle state.
func (s *Synchronizer) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the synchronizer counters.
func (s *Synchronizer) Stats() Stats {
	st := Stats{
		State:     s.State(),
		Fixes:     s.fixes.Load(),
		Malformed: s.malformed.Load(),
		Timeouts:  s.timeouts.Load(),
		Rollovers: s.rollovers.Load(),
	}
	st.BaseTime, st.Anchored = s.base.Load()
	if fix := s.lastFix.Load(); fix != nil {
		st.LastFix = *fix
	}
	return st
}

// Run acquires fixes until the positioning source is exhausted or ctx is
// done. It returns nil on source exhaustion and ctx.Err() on cancellation.
// Either way the synchronizer ends in StateStopped.
func (s *Synchronizer) Run(ctx context.Context) error {
	defer s.state.Store(int32(StateStopped))
	monitoring.Logf("base-time synchronizer started (state=%s)", s.State())

	for {
		fix, err := s.acquire(ctx)
		if err != nil {
			if errors.Is(err, network.ErrSourceExhausted) {
				monitoring.Logf("positioning source exhausted, base-time synchronizer stopping: %v", err)
				return nil
			}
			return err
		}
		s.apply(fix)
	}
}

// acquire reads positioning packets until one parses. Malformed fixes and
// timeouts are skipped; they never disqualify a later successful parse.
func (s *Synchronizer) acquire(ctx context.Context) (nmea.Time, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nmea.Time{}, err
		}

		raw, err := s.source.ReadPacket(s.cfg.ReadTimeout)
		switch {
		case err == nil:
		case errors.Is(err, network.ErrTimeout):
			s.timeouts.Add(1)
			continue
		case errors.Is(err, network.ErrSourceExhausted):
			return nmea.Time{}, err
		default:
			// ErrStreamEnded and unexpected receive errors are transient.
			monitoring.Debugf("positioning read failed: %v", err)
			if err := timeutil.Sleep(ctx, s.cfg.Clock, s.cfg.RetryDelay); err != nil {
				return nmea.Time{}, err
			}
			continue
		}

		fix, err := nmea.ParsePositioningPacket(raw)
		if err != nil {
			if n := s.malformed.Add(1); n == 1 || n%100 == 0 {
				monitoring.Logf("no usable GPS fix (%d malformed so far): %v", n, err)
			}
			continue
		}
		s.fixes.Add(1)
		s.lastFix.Store(&fix)
		return fix, nil
	}
}

// apply publishes the fix as the current reference, then anchors or
// re-anchors base time. Fixes from before the anchored hour are dropped.
func (s *Synchronizer) apply(fix nmea.Time) {
	hourStart := s.hourStart(fix)
	current, anchored := s.base.Load()
	if anchored && hourStart.Before(current) {
		monitoring.Debugf("ignoring GPS fix %s from before anchored hour %s", fix, current.Format(time.RFC3339))
		return
	}
	// The reference goes out before the base so that a reader seeing the new
	// base never pairs it with a fix from the previous hour.
	s.base.storeReference(Reference{
		GPS:      hourStart.Add(time.Duration(fix.SecondsWithinHour())*time.Second + time.Duration(fix.Millisecond)*time.Millisecond),
		Received: s.cfg.Clock.Now(),
	})

	if !anchored {
		s.base.store(hourStart)
		s.state.Store(int32(StateAnchored))
		monitoring.Logf("base time anchored to %s from GPS fix %s", hourStart.Format(time.RFC3339), fix)
		return
	}

	if !hourStart.After(current) {
		return
	}

	s.base.store(hourStart)
	s.rollovers.Add(1)
	monitoring.Logf("GPS hour rollover: base time %s -> %s (+%s)",
		current.Format(time.RFC3339), hourStart.Format(time.RFC3339), hourStart.Sub(current))
}

// hourStart returns the start of the fix's GPS hour. Fixes without a date
// are placed relative to the wall clock: now minus the seconds within the
// hour, rounded to the nearest hour so that small clock offsets do not shift
// the anchor.
func (s *Synchronizer) hourStart(fix nmea.Time) time.Time {
	if fix.DateValid {
		return fix.HourStart()
	}
	now := s.cfg.Clock.Now().UTC()
	sinceHour := time.Duration(fix.SecondsWithinHour()) * time.Second
	return now.Add(-sinceHour).Round(time.Hour)
}
