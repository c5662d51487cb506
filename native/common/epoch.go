package common

import "time"

// Clock abstracts the wall clock so epoch boundaries and interest accrual can
// be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a plain function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// EpochOf maps a timestamp onto its epoch index given the epoch genesis and
// length. Timestamps before genesis belong to epoch zero.
func EpochOf(now time.Time, genesis time.Time, length time.Duration) uint64 {
	if length <= 0 || !now.After(genesis) {
		return 0
	}
	return uint64(now.Sub(genesis) / length)
}
