package safe

import (
	"math"
)

// Uint64ToInt64 converts val to int64, clamping to math.MaxInt64. The
// boolean reports whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// IntToInt32 converts val to int32, clamping to the int32 range. The boolean
// reports whether clamping occurred.
func IntToInt32(val int) (int32, bool) {
	switch {
	case val > math.MaxInt32:
		return math.MaxInt32, true
	case val < math.MinInt32:
		return math.MinInt32, true
	default:
		return int32(val), false // #nosec G115: range checked above
	}
}
