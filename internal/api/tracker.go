package api

import (
	"context"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/velodyne-driver/internal/velodyne/driver"
)

// DefaultTrackerWindow is the number of recent scans a ScanTracker keeps.
const DefaultTrackerWindow = 600

// ScanSample is the part of a scan kept for statistics.
type ScanSample struct {
	Timestamp   time.Time `json:"timestamp"`
	PublishTime time.Time `json:"publish_time"`
	Packets     int       `json:"packets"`
}

// ScanStats summarises the tracked window.
type ScanStats struct {
	Total         int64      `json:"total"`
	Window        int        `json:"window"`
	PeriodMean    float64    `json:"period_mean_s"`
	PeriodStdDev  float64    `json:"period_stddev_s"`
	PacketsMean   float64    `json:"packets_mean"`
	PacketsStdDev float64    `json:"packets_stddev"`
	LatencyMean   float64    `json:"latency_mean_s"`
	LastTimestamp *time.Time `json:"last_timestamp,omitempty"`
}

// ScanTracker keeps a ring of recent scan samples. It implements
// driver.ScanConsumer.
type ScanTracker struct {
	mu      sync.Mutex
	samples []ScanSample
	next    int
	full    bool
	total   int64
}

// NewScanTracker returns a tracker holding the last window scans.
func NewScanTracker(window int) *ScanTracker {
	if window < 2 {
		window = DefaultTrackerWindow
	}
	return &ScanTracker{samples: make([]ScanSample, window)}
}

func (t *ScanTracker) ConsumeScan(_ context.Context, scan *driver.Scan) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.next] = ScanSample{
		Timestamp:   scan.Timestamp,
		PublishTime: scan.PublishTime,
		Packets:     len(scan.Packets),
	}
	t.next = (t.next + 1) % len(t.samples)
	if t.next == 0 {
		t.full = true
	}
	t.total++
	return nil
}

// Samples returns the tracked samples, oldest first.
func (t *ScanTracker) Samples() []ScanSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]ScanSample(nil), t.samples[:t.next]...)
	}
	out := make([]ScanSample, 0, len(t.samples))
	out = append(out, t.samples[t.next:]...)
	return append(out, t.samples[:t.next]...)
}

// Stats computes statistics over the tracked window. The period is the
// sensor timestamp difference between consecutive scans; latency is publish
// time minus sensor time.
func (t *ScanTracker) Stats() ScanStats {
	samples := t.Samples()
	t.mu.Lock()
	st := ScanStats{Total: t.total, Window: len(samples)}
	t.mu.Unlock()
	if len(samples) == 0 {
		return st
	}

	packets := make([]float64, len(samples))
	latency := make([]float64, len(samples))
	for i, s := range samples {
		packets[i] = float64(s.Packets)
		latency[i] = s.PublishTime.Sub(s.Timestamp).Seconds()
	}
	st.PacketsMean, st.PacketsStdDev = meanStdDev(packets)
	st.LatencyMean = stat.Mean(latency, nil)

	if len(samples) > 1 {
		st.PeriodMean, st.PeriodStdDev = meanStdDev(Periods(samples))
	}
	last := samples[len(samples)-1].Timestamp
	st.LastTimestamp = &last
	return st
}

// Periods returns the sensor time between consecutive samples in seconds.
func Periods(samples []ScanSample) []float64 {
	if len(samples) < 2 {
		return nil
	}
	out := make([]float64, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		out[i-1] = samples[i].Timestamp.Sub(samples[i-1].Timestamp).Seconds()
	}
	return out
}

func meanStdDev(x []float64) (float64, float64) {
	if len(x) < 2 {
		return stat.Mean(x, nil), 0
	}
	return stat.MeanStdDev(x, nil)
}
