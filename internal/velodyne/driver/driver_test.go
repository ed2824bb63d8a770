package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velodyne-driver/internal/timeutil"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/network"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/nmea"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

func gpsFix(t *testing.T, at time.Time) network.Read {
	t.Helper()
	raw, err := nmea.EncodePositioningPacket(nmea.RMCSentence(at, true, true))
	require.NoError(t, err)
	return network.Read{Packet: raw}
}

// testConfig frames three packets per scan.
func testConfig() Config {
	return Config{
		FrameID:       "velodyne32",
		PacketRate:    30,
		RPM:           600,
		ReadTimeout:   5 * time.Millisecond,
		NotReadyDelay: time.Millisecond,
	}
}

func waitReady(t *testing.T, d *Driver) {
	t.Helper()
	require.Eventually(t, func() bool { return d.Status().Ready }, 2*time.Second, time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	src := network.NewFakeSource()
	_, err := New(testConfig(), nil, src)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.RPM = -1
	_, err = New(cfg, src, src)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Framing = "bogus"
	_, err = New(cfg, src, src)
	assert.Error(t, err)

	d, err := New(testConfig(), src, network.NewFakeSource())
	require.NoError(t, err)
	assert.Equal(t, 3, d.PacketsPerScan())
}

func TestDriver_GPSAnchorScenario(t *testing.T) {
	firing := network.NewFakeSource(network.Packets(stamped(1800), stamped(1801), stamped(1802))...)
	positioning := network.NewFakeSource(gpsFix(t, time.Date(2026, 10, 18, 10, 25, 0, 0, time.UTC)))

	d, err := New(testConfig(), firing, positioning)
	require.NoError(t, err)

	_, err = d.Poll(t.Context())
	assert.True(t, errors.Is(err, ErrNotReady), "not started, base time unset")
	assert.Equal(t, 0, firing.Calls())

	require.NoError(t, d.Start(t.Context()))
	waitReady(t, d)

	scan, err := d.Poll(t.Context())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 18, 10, 30, 0, 0, time.UTC), scan.Timestamp)
	assert.Equal(t, time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC), scan.BaseTime)

	require.NoError(t, d.Close())
	st := d.Status()
	assert.Equal(t, int64(1), st.Scans)
	assert.Equal(t, int64(1), st.NotReady)
	assert.Equal(t, "stopped", st.SyncState)
}

func TestDriver_NeverReadyWithoutValidFix(t *testing.T) {
	zeros := make(packet.Raw, packet.PositioningPacketSize)
	positioning := network.NewFakeSource(network.Packets(zeros, zeros, zeros)...)
	positioning.Drained = network.ErrSourceExhausted
	firing := network.NewFakeSource(network.Packets(stamped(1), stamped(2), stamped(3))...)

	d, err := New(testConfig(), firing, positioning)
	require.NoError(t, err)
	require.NoError(t, d.Start(t.Context()))
	require.Eventually(t, func() bool { return d.Status().SyncState == "stopped" }, 2*time.Second, time.Millisecond)

	for range 5 {
		_, err := d.Poll(t.Context())
		assert.True(t, errors.Is(err, ErrNotReady))
	}
	assert.Equal(t, 0, firing.Calls())
	assert.Equal(t, int64(3), d.Status().Sync.Malformed)
	require.NoError(t, d.Close())
}

func TestDriver_RunDeliversScans(t *testing.T) {
	var reads []network.Read
	reads = append(reads, network.Packets(stamped(100), stamped(101), stamped(102))...)
	reads = append(reads, network.Read{Err: network.ErrTimeout})
	reads = append(reads, network.Packets(make(packet.Raw, 16), stamped(200), stamped(201))...)
	reads = append(reads, network.Packets(stamped(300), stamped(301), stamped(302))...)
	firing := network.NewFakeSource(reads...)
	firing.Drained = network.ErrSourceExhausted
	positioning := network.NewFakeSource(gpsFix(t, time.Date(2026, 10, 18, 10, 25, 0, 0, time.UTC)))

	d, err := New(testConfig(), firing, positioning)
	require.NoError(t, err)
	require.NoError(t, d.Start(t.Context()))
	defer d.Close()

	var got []uint32
	consumer := MultiConsumer{
		ConsumerFunc(func(_ context.Context, s *Scan) error {
			got = append(got, s.TopOfHour)
			return nil
		}),
		ConsumerFunc(func(context.Context, *Scan) error { return errors.New("downstream full") }),
	}
	require.NoError(t, d.Run(t.Context(), consumer))

	assert.Equal(t, []uint32{100, 300}, got)
	st := d.Status()
	assert.Equal(t, int64(2), st.Scans)
	assert.Equal(t, int64(1), st.Corrupt)
	assert.Equal(t, int64(2), st.ConsumerErrors)
	assert.GreaterOrEqual(t, st.Retries, int64(1))
	assert.True(t, st.Ready)
	require.NotNil(t, st.LastScan)
}

func TestDriver_RunCancel(t *testing.T) {
	d, err := New(testConfig(), network.NewFakeSource(), network.NewFakeSource())
	require.NoError(t, err)
	require.NoError(t, d.Start(t.Context()))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err = d.Run(ctx, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	require.NoError(t, d.Close())
}

func TestDriver_RunBacksOffWhenStreamEnds(t *testing.T) {
	firing := network.NewFakeSource()
	firing.Drained = network.ErrStreamEnded
	positioning := network.NewFakeSource(gpsFix(t, time.Date(2026, 10, 18, 10, 25, 0, 0, time.UTC)))
	clock := timeutil.NewMockClock(time.Date(2026, 10, 18, 10, 25, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.Clock = clock
	cfg.RetryDelay = time.Second

	d, err := New(cfg, firing, positioning)
	require.NoError(t, err)
	require.NoError(t, d.Start(t.Context()))
	defer d.Close()
	waitReady(t, d)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, nil) }()

	require.Eventually(t, func() bool { return clock.Pending() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, firing.Calls(), "no read while backing off")

	clock.Advance(cfg.RetryDelay)
	require.Eventually(t, func() bool { return firing.Calls() == 2 && clock.Pending() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, firing.Calls())

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int64(2), d.Status().Retries)
}

func TestDriver_Lifecycle(t *testing.T) {
	firing := network.NewFakeSource()
	positioning := network.NewFakeSource()
	d, err := New(testConfig(), firing, positioning)
	require.NoError(t, err)

	require.NoError(t, d.Start(t.Context()))
	assert.Error(t, d.Start(t.Context()), "second start")

	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "close is idempotent")
	assert.Error(t, d.Start(t.Context()), "start after close")
	assert.Equal(t, "stopped", d.Status().SyncState)

	_, err = firing.ReadPacket(time.Millisecond)
	assert.True(t, errors.Is(err, network.ErrSourceExhausted), "firing source closed")
	_, err = positioning.ReadPacket(time.Millisecond)
	assert.True(t, errors.Is(err, network.ErrSourceExhausted), "positioning source closed")
}

func TestDriver_ConcurrentPollsAndRollovers(t *testing.T) {
	firing := network.NewFakeSource()
	positioning := network.NewFakeSource(gpsFix(t, time.Date(2026, 10, 18, 10, 59, 59, 0, time.UTC)))
	d, err := New(testConfig(), firing, positioning)
	require.NoError(t, err)
	require.NoError(t, d.Start(t.Context()))
	defer d.Close()
	waitReady(t, d)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for h := 11; h < 23; h++ {
			positioning.Push(gpsFix(t, time.Date(2026, 10, 18, h, 59, 59, 0, time.UTC)))
			time.Sleep(time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 300 {
			firing.Push(network.Read{Packet: stamped(uint32(i % 3600))})
		}
	}()

	var scans []*Scan
	deadline := time.Now().Add(5 * time.Second)
	for len(scans) < 100 && time.Now().Before(deadline) {
		scan, err := d.Poll(t.Context())
		if IsTransient(err) {
			continue
		}
		require.NoError(t, err)
		scans = append(scans, scan)
	}
	wg.Wait()

	require.Len(t, scans, 100)
	var prev time.Time
	for _, s := range scans {
		assert.Equal(t, s.BaseTime.Add(time.Duration(s.TopOfHour)*time.Second), s.Timestamp)
		assert.Zero(t, s.BaseTime.Minute()+s.BaseTime.Second())
		assert.False(t, s.BaseTime.Before(prev), "base time moved backwards")
		prev = s.BaseTime
	}
}

func TestMultiConsumer_CallsAll(t *testing.T) {
	var calls int
	count := ConsumerFunc(func(context.Context, *Scan) error { calls++; return nil })
	fail := ConsumerFunc(func(context.Context, *Scan) error { return errors.New("boom") })

	err := MultiConsumer{fail, nil, count, fail, count}.ConsumeScan(t.Context(), &Scan{})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, MultiConsumer{count}.ConsumeScan(t.Context(), &Scan{}))
}
