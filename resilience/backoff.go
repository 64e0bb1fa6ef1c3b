package resilience

import (
	"math"
	"time"
)

// maxDelayMs is the longest delay, in milliseconds, a time.Duration holds.
const maxDelayMs = math.MaxInt64 / int64(time.Millisecond)

// ComputeDelay returns the backoff in milliseconds before retry number
// attempt (zero-based): min(maxMs, initialMs * multiplier^attempt).
// A non-positive maxMs disables the cap; the result still fits a
// time.Duration once converted by Delay.
func ComputeDelay(attempt, initialMs, maxMs int, multiplier float64) int64 {
	if attempt < 0 {
		attempt = 0
	}
	if initialMs <= 0 {
		return 0
	}
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(initialMs) * math.Pow(multiplier, float64(attempt))
	limit := int64(maxDelayMs)
	if maxMs > 0 && int64(maxMs) < limit {
		limit = int64(maxMs)
	}
	if delay >= float64(limit) {
		return limit
	}
	return int64(delay)
}

// Delay is ComputeDelay as a time.Duration.
func Delay(attempt, initialMs, maxMs int, multiplier float64) time.Duration {
	return time.Duration(ComputeDelay(attempt, initialMs, maxMs, multiplier)) * time.Millisecond
}
