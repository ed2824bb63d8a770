// Package network provides the packet sources the driver reads from: live
// UDP sockets, pcap capture replay and serial GPS receivers.
package network

import (
	"errors"
	"time"

	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

var (
	// ErrTimeout reports that no packet arrived within the read timeout.
	ErrTimeout = errors.New("packet read timeout")

	// ErrStreamEnded reports that this read attempt failed (receive error,
	// truncated datagram); later reads may succeed.
	ErrStreamEnded = errors.New("packet stream ended")

	// ErrSourceExhausted reports that the source is permanently done: the
	// socket was closed or the capture file has no more packets.
	ErrSourceExhausted = errors.New("packet source exhausted")
)

// PacketSource delivers raw packets from one channel, blocking for at most
// timeout per call.
type PacketSource interface {
	ReadPacket(timeout time.Duration) (packet.Raw, error)
	Close() error
}
