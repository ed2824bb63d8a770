package nmea

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

func mustPacket(t *testing.T, sentence string) packet.Raw {
	t.Helper()
	raw, err := EncodePositioningPacket(sentence)
	require.NoError(t, err)
	return raw
}

func TestParsePositioningPacket(t *testing.T) {
	fix := time.Date(2026, 10, 18, 10, 25, 0, 0, time.UTC)
	raw := mustPacket(t, RMCSentence(fix, true, true))

	got, err := ParsePositioningPacket(raw)
	require.NoError(t, err)

	want := Time{Year: 2026, Month: 10, Day: 18, Hour: 10, Minute: 25, Second: 0, DateValid: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParsePositioningPacket() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1500, got.SecondsWithinHour())
	assert.Equal(t, time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC), got.HourStart())
}

func TestParsePositioningPacket_VelodyneCapture(t *testing.T) {
	// Sentence as emitted by an HDL-32E interface box with a Garmin 18x.
	body := "GPRMC,214446,A,3707.8292,N,12139.2769,W,000.0,000.0,190718,013.7,E,D"
	raw := mustPacket(t, "$"+body+"*"+Checksum(body))

	got, err := ParsePositioningPacket(raw)
	require.NoError(t, err)
	assert.Equal(t, 2018, got.Year)
	assert.Equal(t, 7, got.Month)
	assert.Equal(t, 19, got.Day)
	assert.Equal(t, 21, got.Hour)
	assert.Equal(t, 44*60+46, got.SecondsWithinHour())
}

func TestParsePositioningPacket_NoDate(t *testing.T) {
	fix := time.Date(2026, 10, 18, 10, 25, 30, 0, time.UTC)
	got, err := ParsePositioningPacket(mustPacket(t, RMCSentence(fix, true, false)))
	require.NoError(t, err)
	assert.False(t, got.DateValid)
	assert.Equal(t, 1530, got.SecondsWithinHour())
	assert.Contains(t, got.String(), "??")
}

func TestParsePositioningPacket_Malformed(t *testing.T) {
	fix := time.Date(2026, 10, 18, 10, 25, 0, 0, time.UTC)
	good := RMCSentence(fix, true, true)

	corruptChecksum := good[:len(good)-2] + "00"
	if strings.HasSuffix(good, "00") {
		corruptChecksum = good[:len(good)-2] + "01"
	}

	gga := "GPGGA,102500.00,3723.2475,N,12158.3416,W,1,08,0.9,545.4,M,46.9,M,,"

	tests := []struct {
		name string
		raw  packet.Raw
	}{
		{"empty", packet.Raw{}},
		{"wrong size", make(packet.Raw, packet.PositioningPacketSize-1)},
		{"all zeros", make(packet.Raw, packet.PositioningPacketSize)},
		{"receiver warning", mustPacket(t, RMCSentence(fix, false, true))},
		{"bad checksum", mustPacket(t, corruptChecksum)},
		{"not rmc", mustPacket(t, "$"+gga+"*"+Checksum(gga))},
		{"unterminated", mustPacket(t, strings.SplitN(good, "*", 2)[0])},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePositioningPacket(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedPacket), "got %v", err)
		})
	}
}

func TestChecksum(t *testing.T) {
	// Checksum of the canonical NMEA 0183 RMC example sentence.
	assert.Equal(t, "6A", Checksum("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"))
}

func TestEncodePositioningPacket(t *testing.T) {
	raw, err := EncodePositioningPacket("$GPRMC*00")
	require.NoError(t, err)
	assert.Len(t, raw, packet.PositioningPacketSize)
	assert.Equal(t, "$GPRMC*00\r\n", string(raw[packet.NMEAOffset:packet.NMEAOffset+11]))

	_, err = EncodePositioningPacket("$" + strings.Repeat("X", packet.NMEAMaxLength))
	assert.Error(t, err)
}
