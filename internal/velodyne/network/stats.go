package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/timeutil"
)

// PacketStats tracks per-channel packet statistics with thread-safe operations.
type PacketStats struct {
	name string

	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	droppedCount int64
	shortCount   int64
	lastReset    time.Time
	started      time.Time
	total        Snapshot
	clock        timeutil.Clock
}

// NewPacketStats creates a PacketStats labelled with the channel name.
func NewPacketStats(name string, clock timeutil.Clock) *PacketStats {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &PacketStats{name: name, clock: clock, lastReset: now, started: now}
}

// Name returns the channel name.
func (ps *PacketStats) Name() string { return ps.name }

// AddPacket increments packet count and byte count.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

// AddDropped increments the count of packets dropped on forward.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

// AddShort increments the count of datagrams discarded for having the
// wrong size.
func (ps *PacketStats) AddShort() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.shortCount++
}

// Snapshot is one interval of packet statistics.
type Snapshot struct {
	Packets  int64
	Bytes    int64
	Dropped  int64
	Short    int64
	Duration time.Duration
}

// GetAndReset returns the counters accumulated since the last reset.
func (ps *PacketStats) GetAndReset() Snapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := ps.clock.Now()
	s := Snapshot{
		Packets:  ps.packetCount,
		Bytes:    ps.byteCount,
		Dropped:  ps.droppedCount,
		Short:    ps.shortCount,
		Duration: now.Sub(ps.lastReset),
	}
	ps.total.Packets += s.Packets
	ps.total.Bytes += s.Bytes
	ps.total.Dropped += s.Dropped
	ps.total.Short += s.Short
	ps.packetCount, ps.byteCount, ps.droppedCount, ps.shortCount = 0, 0, 0, 0
	ps.lastReset = now
	return s
}

// Totals returns the counters accumulated since creation without resetting.
func (ps *PacketStats) Totals() Snapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return Snapshot{
		Packets:  ps.total.Packets + ps.packetCount,
		Bytes:    ps.total.Bytes + ps.byteCount,
		Dropped:  ps.total.Dropped + ps.droppedCount,
		Short:    ps.total.Short + ps.shortCount,
		Duration: ps.clock.Now().Sub(ps.started),
	}
}

// LogStats logs and resets the interval statistics.
func (ps *PacketStats) LogStats() {
	s := ps.GetAndReset()
	if s.Packets == 0 && s.Dropped == 0 && s.Short == 0 {
		return
	}
	secs := s.Duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("%s stats (/sec): %.2f MB, %.1f packets (%s total)",
		ps.name, float64(s.Bytes)/secs/(1024*1024), float64(s.Packets)/secs, FormatWithCommas(s.Packets))
	if s.Short > 0 {
		msg += fmt.Sprintf(", %d wrong-size discarded", s.Short)
	}
	if s.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped on forward", s.Dropped)
	}
	monitoring.Logf("%s", msg)
}

// Run logs statistics every interval until ctx is done.
func (ps *PacketStats) Run(ctx context.Context, interval time.Duration) {
	ticker := ps.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			ps.LogStats()
		}
	}
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	neg := false
	if n < 0 {
		neg = true
		str = str[1:]
	}
	if len(str) <= 3 {
		if neg {
			return "-" + str
		}
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	if neg {
		return "-" + result
	}
	return result
}
