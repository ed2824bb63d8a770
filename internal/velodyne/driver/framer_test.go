package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

func firing(az uint16) packet.Raw {
	return packet.NewFiringPacket(az, 0).Encode()
}

func TestCountFramer(t *testing.T) {
	f := NewCountFramer(3)
	assert.False(t, f.Add(nil))
	assert.False(t, f.Add(nil))
	assert.True(t, f.Add(nil))
	f.Reset()
	assert.False(t, f.Add(nil))

	assert.True(t, NewCountFramer(0).Add(nil), "count is at least one")
}

func TestAzimuthFramer_CutsOnCrossing(t *testing.T) {
	f, err := NewAzimuthFramer(0, 100)
	require.NoError(t, err)

	var done []bool
	for _, az := range []uint16{34000, 35000, 35900, 100, 1200, 30000, 35999, 50} {
		c := f.Add(firing(az))
		done = append(done, c)
		if c {
			f.Reset()
		}
	}
	assert.Equal(t, []bool{false, false, false, true, false, false, false, true}, done)
}

func TestAzimuthFramer_CutAngle(t *testing.T) {
	f, err := NewAzimuthFramer(90, 100)
	require.NoError(t, err)

	assert.False(t, f.Add(firing(35000)))
	assert.False(t, f.Add(firing(100)), "passing zero is not the cut")
	assert.False(t, f.Add(firing(8900)))
	assert.True(t, f.Add(firing(9000)))
}

func TestAzimuthFramer_CapsRevolution(t *testing.T) {
	f, err := NewAzimuthFramer(0, 3)
	require.NoError(t, err)
	assert.False(t, f.Add(firing(1000)))
	assert.False(t, f.Add(firing(1000)))
	assert.True(t, f.Add(firing(1000)))
	f.Reset()

	// Undecodable packets still count towards the cap.
	assert.False(t, f.Add(packet.Raw{1, 2}))
	assert.False(t, f.Add(packet.Raw{1, 2}))
	assert.True(t, f.Add(packet.Raw{1, 2}))
}

func TestNewFramer(t *testing.T) {
	fr, err := NewFramer(Config{Framing: FramingCount}, 5)
	require.NoError(t, err)
	assert.IsType(t, &CountFramer{}, fr)

	fr, err = NewFramer(Config{Framing: FramingAzimuth, CutAngle: 180}, 5)
	require.NoError(t, err)
	af := fr.(*AzimuthFramer)
	assert.Equal(t, 18000, af.cut)
	assert.Equal(t, 10, af.maxPackets)

	_, err = NewFramer(Config{Framing: "sync"}, 5)
	assert.Error(t, err)
	_, err = NewAzimuthFramer(360, 5)
	assert.Error(t, err)
	_, err = NewAzimuthFramer(-1, 5)
	assert.Error(t, err)
}
