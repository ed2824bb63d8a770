package driver

import "errors"

var (
	// ErrNotReady is returned by Poll while base time is unset.
	ErrNotReady = errors.New("base time not anchored")
	// ErrRetry is returned by Poll when no scan was produced this attempt:
	// a read timed out, the stream ended for this attempt, or nothing was
	// read.
	ErrRetry = errors.New("no scan yet, retry")
)

// IsTransient reports whether err only means "poll again".
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotReady) || errors.Is(err, ErrRetry)
}
