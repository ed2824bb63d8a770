package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velodyne-driver/internal/velodyne/driver"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

var base = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

func scanAt(offset time.Duration, packets int) *driver.Scan {
	s := &driver.Scan{
		Timestamp:   base.Add(offset),
		PublishTime: base.Add(offset + 5*time.Millisecond),
	}
	for range packets {
		s.Packets = append(s.Packets, packet.Raw{})
	}
	return s
}

func TestScanTracker_Stats(t *testing.T) {
	tr := NewScanTracker(10)
	assert.Equal(t, ScanStats{}, tr.Stats())

	for i, n := range []int{180, 182, 180, 182} {
		require.NoError(t, tr.ConsumeScan(t.Context(), scanAt(time.Duration(i)*100*time.Millisecond, n)))
	}

	st := tr.Stats()
	assert.Equal(t, int64(4), st.Total)
	assert.Equal(t, 4, st.Window)
	assert.InDelta(t, 0.1, st.PeriodMean, 1e-9)
	assert.InDelta(t, 0, st.PeriodStdDev, 1e-9)
	assert.InDelta(t, 181, st.PacketsMean, 1e-9)
	assert.InDelta(t, 1.1547, st.PacketsStdDev, 1e-4)
	assert.InDelta(t, 0.005, st.LatencyMean, 1e-9)
	require.NotNil(t, st.LastTimestamp)
	assert.Equal(t, base.Add(300*time.Millisecond), *st.LastTimestamp)
}

func TestScanTracker_Window(t *testing.T) {
	tr := NewScanTracker(3)
	for i := range 5 {
		require.NoError(t, tr.ConsumeScan(t.Context(), scanAt(time.Duration(i)*time.Second, i)))
	}

	samples := tr.Samples()
	require.Len(t, samples, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{samples[0].Packets, samples[1].Packets, samples[2].Packets})
	assert.Equal(t, []float64{1, 1}, Periods(samples))
	assert.Equal(t, int64(5), tr.Stats().Total)
}

func TestScanTracker_SingleSample(t *testing.T) {
	tr := NewScanTracker(0)
	require.NoError(t, tr.ConsumeScan(t.Context(), scanAt(0, 181)))
	st := tr.Stats()
	assert.Equal(t, 181.0, st.PacketsMean)
	assert.Zero(t, st.PacketsStdDev)
	assert.Zero(t, st.PeriodMean)
	assert.Nil(t, Periods(tr.Samples()))
}
