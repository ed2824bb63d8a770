package network

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velodyne-driver/internal/velodyne/nmea"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

// fakeSerialPort returns one chunk per Read, then (0, nil) like a timed-out
// go.bug.st/serial port.
type fakeSerialPort struct {
	chunks   []string
	err      error
	closed   bool
	timeouts []time.Duration
}

func (p *fakeSerialPort) Read(b []byte) (int, error) {
	if len(p.chunks) == 0 {
		if p.err != nil {
			return 0, p.err
		}
		return 0, nil
	}
	n := copy(b, p.chunks[0])
	if n < len(p.chunks[0]) {
		p.chunks[0] = p.chunks[0][n:]
	} else {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func (p *fakeSerialPort) SetReadTimeout(d time.Duration) error {
	p.timeouts = append(p.timeouts, d)
	return nil
}

func (p *fakeSerialPort) Close() error {
	p.closed = true
	return nil
}

func TestSerialSource_ReadPacket(t *testing.T) {
	fix := time.Date(2026, 10, 18, 10, 25, 0, 0, time.UTC)
	rmc := nmea.RMCSentence(fix, true, true)
	gga := "$GPGGA,102500.00,3723.2475,N,12158.3416,W,1,08,0.9,545.4,M,46.9,M,,*47"

	// The RMC sentence arrives split across reads, after an unrelated sentence.
	port := &fakeSerialPort{chunks: []string{gga + "\r\n" + rmc[:10], rmc[10:] + "\r\n"}}
	src := NewSerialSource(port, "/dev/ttyUSB0")

	raw, err := src.ReadPacket(time.Second)
	require.NoError(t, err)
	require.Len(t, raw, packet.PositioningPacketSize)

	got, err := nmea.ParsePositioningPacket(raw)
	require.NoError(t, err)
	assert.Equal(t, 1500, got.SecondsWithinHour())
	assert.NotEmpty(t, port.timeouts)

	_, err = src.ReadPacket(10 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	require.NoError(t, src.Close())
	assert.True(t, port.closed)
	_, err = src.ReadPacket(time.Millisecond)
	assert.True(t, errors.Is(err, ErrSourceExhausted), "got %v", err)
}

func TestSerialSource_ErrorMapping(t *testing.T) {
	src := NewSerialSource(&fakeSerialPort{err: io.EOF}, "tty")
	_, err := src.ReadPacket(time.Second)
	assert.True(t, errors.Is(err, ErrSourceExhausted), "got %v", err)

	src = NewSerialSource(&fakeSerialPort{err: errors.New("framing error")}, "tty")
	_, err = src.ReadPacket(time.Second)
	assert.True(t, errors.Is(err, ErrStreamEnded), "got %v", err)
}

func TestSerialSource_DiscardsRunawayInput(t *testing.T) {
	junk := make([]byte, maxLineLength+1)
	for i := range junk {
		junk[i] = 'x'
	}
	fix := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	port := &fakeSerialPort{chunks: []string{string(junk), nmea.RMCSentence(fix, true, true) + "\n"}}
	src := NewSerialSource(port, "tty")
	src.chunk = make([]byte, 2048)

	raw, err := src.ReadPacket(time.Second)
	require.NoError(t, err)
	_, err = nmea.ParsePositioningPacket(raw)
	assert.NoError(t, err)
}
