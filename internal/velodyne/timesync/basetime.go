package timesync

import (
	"sync/atomic"
	"time"
)

// BaseTime holds the Unix time of the start of the currently anchored GPS
// hour. The zero value is unset. It has one writer, the Synchronizer, and any
// number of readers.
type BaseTime struct {
	unix atomic.Int64
	ref  atomic.Pointer[Reference]
}

// Reference pairs the GPS time of the latest valid fix with the local time
// it was received.
type Reference struct {
	GPS      time.Time
	Received time.Time
}

// At extrapolates the GPS time at now. A now before Received is clamped.
func (r Reference) At(now time.Time) time.Time {
	return r.GPS.Add(max(0, now.Sub(r.Received)))
}

// Load returns the anchored hour start, or false while unset.
func (b *BaseTime) Load() (time.Time, bool) {
	v := b.unix.Load()
	if v == 0 {
		return time.Time{}, false
	}
	return time.Unix(v, 0).UTC(), true
}

// Reference returns the latest fix reference, or false before the first
// valid fix.
func (b *BaseTime) Reference() (Reference, bool) {
	r := b.ref.Load()
	if r == nil {
		return Reference{}, false
	}
	return *r, true
}

func (b *BaseTime) store(t time.Time) {
	b.unix.Store(t.Unix())
}

func (b *BaseTime) storeReference(r Reference) {
	b.ref.Store(&r)
}
