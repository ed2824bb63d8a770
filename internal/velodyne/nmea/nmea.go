// Package nmea decodes the GPS time fix embedded in Velodyne positioning
// packets.
package nmea

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	gonmea "github.com/adrianmo/go-nmea"

	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

// ErrMalformedPacket reports a positioning packet that does not carry a
// usable RMC time fix. It is an expected outcome while the receiver has no
// lock.
var ErrMalformedPacket = errors.New("malformed positioning packet")

// Time is the UTC time of day carried by one RMC sentence.
type Time struct {
	Year, Month, Day     int
	Hour, Minute, Second int
	Millisecond          int
	// DateValid is false when the receiver omitted the date field.
	DateValid bool
}

// SecondsWithinHour returns the whole seconds elapsed since the top of the
// fix's hour.
func (t Time) SecondsWithinHour() int {
	return t.Minute*60 + t.Second
}

// HourStart returns the start of the fix's UTC hour. It is only meaningful
// when DateValid is true.
func (t Time) HourStart() time.Time {
	return time.Date(t.Year, time.Month(t.Month), t.Day, t.Hour, 0, 0, 0, time.UTC)
}

// String formats the fix for logging.
func (t Time) String() string {
	if !t.DateValid {
		return fmt.Sprintf("??-??-?? %02d:%02d:%02d.%03d", t.Hour, t.Minute, t.Second, t.Millisecond)
	}
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%03d",
		t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Second, t.Millisecond)
}

// ParsePositioningPacket extracts the RMC fix from a positioning packet.
func ParsePositioningPacket(raw packet.Raw) (Time, error) {
	if len(raw) != packet.PositioningPacketSize {
		return Time{}, fmt.Errorf("%w: size %d, want %d", ErrMalformedPacket, len(raw), packet.PositioningPacketSize)
	}
	sentence, err := extractSentence(raw[packet.NMEAOffset:])
	if err != nil {
		return Time{}, err
	}
	return ParseSentence(sentence)
}

// ParseSentence decodes a single $--RMC sentence including its checksum.
func ParseSentence(sentence string) (Time, error) {
	s, err := gonmea.Parse(strings.TrimSpace(sentence))
	if err != nil {
		return Time{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	rmc, ok := s.(gonmea.RMC)
	if !ok {
		return Time{}, fmt.Errorf("%w: sentence type %s, want %s", ErrMalformedPacket, s.DataType(), gonmea.TypeRMC)
	}
	if rmc.Validity != gonmea.ValidRMC {
		return Time{}, fmt.Errorf("%w: receiver warning (validity %q)", ErrMalformedPacket, rmc.Validity)
	}
	if !rmc.Time.Valid {
		return Time{}, fmt.Errorf("%w: missing time of day", ErrMalformedPacket)
	}

	t := Time{
		Hour:        rmc.Time.Hour,
		Minute:      rmc.Time.Minute,
		Second:      rmc.Time.Second,
		Millisecond: rmc.Time.Millisecond,
	}
	if rmc.Date.Valid {
		t.Year = 2000 + rmc.Date.YY
		t.Month = rmc.Date.MM
		t.Day = rmc.Date.DD
		t.DateValid = true
	}
	if err := t.validate(); err != nil {
		return Time{}, err
	}
	return t, nil
}

func (t Time) validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 60 {
		return fmt.Errorf("%w: time of day %02d:%02d:%02d out of range", ErrMalformedPacket, t.Hour, t.Minute, t.Second)
	}
	if t.DateValid && (t.Month < 1 || t.Month > 12 || t.Day < 1 || t.Day > 31) {
		return fmt.Errorf("%w: date %04d-%02d-%02d out of range", ErrMalformedPacket, t.Year, t.Month, t.Day)
	}
	return nil
}

// extractSentence returns the NMEA sentence at the start of region, up to and
// including its two checksum digits.
func extractSentence(region []byte) (string, error) {
	if len(region) == 0 || region[0] != '$' {
		return "", fmt.Errorf("%w: no sentence at offset %d", ErrMalformedPacket, packet.NMEAOffset)
	}
	star := bytes.IndexByte(region, '*')
	if star < 0 || star+3 > len(region) {
		return "", fmt.Errorf("%w: unterminated sentence", ErrMalformedPacket)
	}
	return string(region[:star+3]), nil
}

// Checksum returns the two-digit hex XOR checksum of the sentence body, the
// characters between '$' and '*'.
func Checksum(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("%02X", sum)
}

// RMCSentence renders a $GPRMC sentence for t. When withDate is false the
// date field is left empty, as some receivers do before almanac download.
func RMCSentence(t time.Time, valid, withDate bool) string {
	t = t.UTC()
	status := gonmea.ValidRMC
	if !valid {
		status = gonmea.InvalidRMC
	}
	date := ""
	if withDate {
		date = t.Format("020106")
	}
	body := fmt.Sprintf("GPRMC,%s.%02d,%s,3723.2475,N,12158.3416,W,0.0,0.0,%s,,",
		t.Format("150405"), t.Nanosecond()/int(10*time.Millisecond), status, date)
	return "$" + body + "*" + Checksum(body)
}

// EncodePositioningPacket places sentence at the NMEA offset of an otherwise
// zeroed positioning packet, followed by CRLF.
func EncodePositioningPacket(sentence string) (packet.Raw, error) {
	sentence = strings.TrimSpace(sentence)
	if len(sentence)+2 > packet.NMEAMaxLength {
		return nil, fmt.Errorf("sentence of %d bytes does not fit in positioning packet", len(sentence))
	}
	buf := make(packet.Raw, packet.PositioningPacketSize)
	n := copy(buf[packet.NMEAOffset:], sentence)
	copy(buf[packet.NMEAOffset+n:], "\r\n")
	return buf, nil
}
