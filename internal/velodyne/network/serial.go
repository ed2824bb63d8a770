package network

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/nmea"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

// maxLineLength bounds a buffered NMEA line; longer input is discarded.
const maxLineLength = 1024

// SerialPort is the subset of serial.Port used by SerialSource.
type SerialPort interface {
	io.Reader
	io.Closer
	SetReadTimeout(t time.Duration) error
}

// SerialSource reads NMEA sentences from a GPS receiver connected to a
// serial port and delivers each RMC sentence as a positioning packet.
type SerialSource struct {
	port    SerialPort
	name    string
	chunk   []byte
	pending []byte
	closed  bool
}

// OpenSerialSource opens device at baud (8N1).
func OpenSerialSource(device string, baud int) (*SerialSource, error) {
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open GPS serial port %s: %w", device, err)
	}
	monitoring.Logf("GPS serial source on %s at %d baud", device, baud)
	return NewSerialSource(port, device), nil
}

// NewSerialSource wraps an already open port.
func NewSerialSource(port SerialPort, name string) *SerialSource {
	return &SerialSource{port: port, name: name, chunk: make([]byte, 256)}
}

// ReadPacket returns the next RMC sentence wrapped as a positioning packet.
func (s *SerialSource) ReadPacket(timeout time.Duration) (packet.Raw, error) {
	if s.closed {
		return nil, ErrSourceExhausted
	}
	deadline := time.Now().Add(timeout)
	for {
		for {
			line, ok := s.nextLine()
			if !ok {
				break
			}
			if !isRMC(line) {
				continue
			}
			raw, err := nmea.EncodePositioningPacket(line)
			if err != nil {
				monitoring.Debugf("discarding NMEA line from %s: %v", s.name, err)
				continue
			}
			return raw, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return nil, fmt.Errorf("%w: set read timeout: %v", ErrStreamEnded, err)
		}
		n, err := s.port.Read(s.chunk)
		if err != nil {
			var portErr *serial.PortError
			if errors.Is(err, io.EOF) || (errors.As(err, &portErr) && portErr.Code() == serial.PortClosed) {
				return nil, fmt.Errorf("%w: %v", ErrSourceExhausted, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrStreamEnded, err)
		}
		if n == 0 {
			// go.bug.st/serial reports a read timeout as (0, nil).
			return nil, ErrTimeout
		}
		s.pending = append(s.pending, s.chunk[:n]...)
		if len(s.pending) > maxLineLength && bytes.IndexByte(s.pending, '\n') < 0 {
			monitoring.Debugf("discarding %d bytes of unterminated NMEA input from %s", len(s.pending), s.name)
			s.pending = s.pending[:0]
		}
	}
}

// nextLine pops one complete line from the pending buffer.
func (s *SerialSource) nextLine() (string, bool) {
	i := bytes.IndexByte(s.pending, '\n')
	if i < 0 {
		return "", false
	}
	line := strings.TrimSpace(string(s.pending[:i]))
	s.pending = s.pending[i+1:]
	return line, true
}

func isRMC(line string) bool {
	return len(line) > 6 && line[0] == '$' && line[3:6] == "RMC"
}

// Close closes the serial port.
func (s *SerialSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}
