// Package packet describes the fixed binary layout of Velodyne HDL-32E UDP
// packets and provides bounds-checked accessors for the fields the driver
// reads.
//
// Firing data packet (1206 bytes):
//
//	0     1200 bytes   12 blocks × 100 bytes
//	                   └── 0xFFEE flag (2) + azimuth (2, LE, 0.01°) + 32 × (distance 2 + intensity 1)
//	1200  4 bytes      top-of-hour timestamp (uint32, LE)
//	1204  2 bytes      factory bytes (return mode, product id)
//
// Positioning data packet (512 bytes):
//
//	0     198 bytes    unused
//	198   4 bytes      GPS timestamp (µs past the hour, LE)
//	206   72 bytes     NMEA $GPRMC sentence, '*'-terminated checksum
//	...   padding
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Firing data packet layout.
const (
	FiringPacketSize   = 1206
	BlocksPerPacket    = 12
	BlockSize          = 100
	LasersPerBlock     = 32
	BytesPerReturn     = 3
	BlockFlag          = 0xEEFF // 0xFF 0xEE on the wire, read little-endian
	TopOfHourOffset    = BlocksPerPacket * BlockSize
	TopOfHourSize      = 4
	FactoryOffset      = TopOfHourOffset + TopOfHourSize
	AzimuthResolution  = 0.01
	AzimuthUnitsPerRev = 36000
)

// Positioning data packet layout.
const (
	PositioningPacketSize = 512
	GPSTimestampOffset    = 198
	NMEAOffset            = 206
	NMEAMaxLength         = PositioningPacketSize - NMEAOffset
)

// NominalPacketRate is the HDL-32E firing packet emission rate in packets per
// second, independent of rotation speed.
const NominalPacketRate = 1808.0

// ErrCorruptPacket reports a firing packet that is too short to hold a field
// at its documented offset.
var ErrCorruptPacket = errors.New("corrupt packet")

// Raw is one UDP payload as received from the sensor. Callers must not
// modify a Raw once it has been handed to the driver.
type Raw []byte

// Clone returns a copy of b that does not alias the caller's buffer.
func Clone(b []byte) Raw {
	out := make(Raw, len(b))
	copy(out, b)
	return out
}

// TopOfHour returns the 4-byte little-endian top-of-hour timestamp of a
// firing packet. The unit depends on sensor configuration.
func TopOfHour(p Raw) (uint32, error) {
	if len(p) < TopOfHourOffset+TopOfHourSize {
		return 0, fmt.Errorf("%w: %d bytes, need %d for top-of-hour field at offset %d",
			ErrCorruptPacket, len(p), TopOfHourOffset+TopOfHourSize, TopOfHourOffset)
	}
	return binary.LittleEndian.Uint32(p[TopOfHourOffset : TopOfHourOffset+TopOfHourSize]), nil
}

// Azimuth returns the raw azimuth (0.01° units) of the given block.
func Azimuth(p Raw, block int) (uint16, error) {
	if block < 0 || block >= BlocksPerPacket {
		return 0, fmt.Errorf("block index %d out of range [0,%d)", block, BlocksPerPacket)
	}
	off := block * BlockSize
	if len(p) < off+4 {
		return 0, fmt.Errorf("%w: %d bytes, need %d for block %d azimuth", ErrCorruptPacket, len(p), off+4, block)
	}
	if flag := binary.LittleEndian.Uint16(p[off : off+2]); flag != BlockFlag {
		return 0, fmt.Errorf("%w: block %d flag 0x%04X, want 0x%04X", ErrCorruptPacket, block, flag, BlockFlag)
	}
	return binary.LittleEndian.Uint16(p[off+2 : off+4]), nil
}

// FiringPacket describes a synthetic firing packet. It is used by replay
// tooling and tests to produce well-formed payloads.
type FiringPacket struct {
	Azimuths  [BlocksPerPacket]uint16
	TopOfHour uint32
	Factory   [2]byte
}

// Encode renders the packet into its 1206-byte wire form. Laser returns are
// left zeroed.
func (f FiringPacket) Encode() Raw {
	buf := make(Raw, FiringPacketSize)
	for i, az := range f.Azimuths {
		off := i * BlockSize
		binary.LittleEndian.PutUint16(buf[off:], BlockFlag)
		binary.LittleEndian.PutUint16(buf[off+2:], az%AzimuthUnitsPerRev)
	}
	binary.LittleEndian.PutUint32(buf[TopOfHourOffset:], f.TopOfHour)
	copy(buf[FactoryOffset:], f.Factory[:])
	return buf
}

// NewFiringPacket returns a packet whose blocks start at azimuth az and step
// by the nominal 0.2° per block.
func NewFiringPacket(az uint16, topOfHour uint32) FiringPacket {
	var f FiringPacket
	for i := range f.Azimuths {
		f.Azimuths[i] = uint16((int(az) + i*20) % AzimuthUnitsPerRev)
	}
	f.TopOfHour = topOfHour
	return f
}
