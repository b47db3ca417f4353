package safeconv

import (
	"math"
	"time"

	"golang.org/x/exp/constraints"
)

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}

// Clamp limits v to [lo, hi]. NaN maps to lo.
func Clamp[T constraints.Float](v, lo, hi T) T {
	if !(v >= lo) {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// UnitToUint8 maps a probability in [0, 1] to a byte. Out of range values are clamped first and
// the scaled value is truncated, so 0.5 becomes 127.
func UnitToUint8[T constraints.Float](v T) uint8 {
	return uint8(Clamp(v, 0, 1) * 255) // #nosec G115
}
