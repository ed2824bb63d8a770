package packet

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopOfHour(t *testing.T) {
	raw := NewFiringPacket(0, 1800).Encode()
	require.Len(t, raw, FiringPacketSize)

	got, err := TopOfHour(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(1800), got)

	// Field is little-endian at the documented offset.
	binary.LittleEndian.PutUint32(raw[TopOfHourOffset:], 3599999999)
	got, err = TopOfHour(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(3599999999), got)
}

func TestTopOfHour_ShortPacket(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"blocks only", TopOfHourOffset},
		{"one byte short", TopOfHourOffset + TopOfHourSize - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TopOfHour(make(Raw, tt.size))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptPacket))
		})
	}

	// Exactly enough bytes for the field is accepted even without factory bytes.
	_, err := TopOfHour(make(Raw, TopOfHourOffset+TopOfHourSize))
	assert.NoError(t, err)
}

func TestAzimuth(t *testing.T) {
	raw := NewFiringPacket(35990, 0).Encode()

	az, err := Azimuth(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(35990), az)

	// Block 1 wraps past 360°.
	az, err = Azimuth(raw, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(10), az)

	_, err = Azimuth(raw, BlocksPerPacket)
	assert.Error(t, err)

	raw[0] = 0x00
	_, err = Azimuth(raw, 0)
	assert.True(t, errors.Is(err, ErrCorruptPacket))

	_, err = Azimuth(raw[:2], 0)
	assert.True(t, errors.Is(err, ErrCorruptPacket))
}

func TestClone(t *testing.T) {
	src := []byte{1, 2, 3}
	c := Clone(src)
	src[0] = 9
	assert.Equal(t, Raw{1, 2, 3}, c)
}
