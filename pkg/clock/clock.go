// Package clock provides the hook's time domain.
package clock

import (
	"math/bits"

	"golang.org/x/sys/unix"
)

// Clock returns a timestamp in the hook's native time domain.
type Clock interface {
	Now() uint64
}

// Monotonic reads CLOCK_MONOTONIC in nanoseconds, the same clock
// bpf_ktime_get_ns() uses, so userspace and kernel stamps are comparable.
type Monotonic struct{}

// Now implements Clock.
func (Monotonic) Now() uint64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

// Func adapts a function to Clock.
type Func func() uint64

// Now implements Clock.
func (f Func) Now() uint64 { return f() }

// ToNanos converts ticks of a hz clock to nanoseconds. hz == 0 means the
// value is already in nanoseconds. The product is computed in 128 bits so
// large tick counts do not overflow.
func ToNanos(ticks, hz uint64) uint64 {
	if hz == 0 || hz == 1e9 {
		return ticks
	}
	hi, lo := bits.Mul64(ticks, 1e9)
	if hi >= hz {
		// Quotient does not fit in 64 bits.
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, hz)
	return q
}
