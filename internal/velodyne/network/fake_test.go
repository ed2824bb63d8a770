package network

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velodyne-driver/internal/velodyne/packet"
)

func TestFakeSource(t *testing.T) {
	a, b := packet.Raw{1}, packet.Raw{2}
	src := NewFakeSource(Packets(a)...)
	src.Push(Read{Err: ErrStreamEnded}, Read{Packet: b})

	got, err := src.ReadPacket(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = src.ReadPacket(time.Millisecond)
	assert.True(t, errors.Is(err, ErrStreamEnded))

	got, err = src.ReadPacket(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.Equal(t, 0, src.Remaining())

	_, err = src.ReadPacket(time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 4, src.Calls())
}

func TestFakeSource_PushWakesBlockedRead(t *testing.T) {
	src := NewFakeSource()
	done := make(chan packet.Raw, 1)
	go func() {
		p, _ := src.ReadPacket(5 * time.Second)
		done <- p
	}()

	time.Sleep(10 * time.Millisecond)
	src.Push(Read{Packet: packet.Raw{7}})
	select {
	case p := <-done:
		assert.Equal(t, packet.Raw{7}, p)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read was not woken by Push")
	}
}

func TestFakeSource_DrainedAndClose(t *testing.T) {
	src := NewFakeSource()
	src.Drained = ErrSourceExhausted
	_, err := src.ReadPacket(time.Hour)
	assert.True(t, errors.Is(err, ErrSourceExhausted))

	src = NewFakeSource(Packets(packet.Raw{1})...)
	require.NoError(t, src.Close())
	_, err = src.ReadPacket(time.Millisecond)
	assert.True(t, errors.Is(err, ErrSourceExhausted))
}
