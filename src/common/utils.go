package common

import "math"

const (
	THRESHOLD_EXACT = 0
	THRESHOLD_F32   = 1e-4
)

func AlmostEqualFloat64(a float64, b float64, threshold float64) bool {
	if a == b {
		// This check is for -Inf and +Inf values
		return true
	}
	return math.Abs(a-b) <= threshold
}

func ClampInt(val int, min int, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
