package resilience

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestComputeDelay(t *testing.T) {
	tests := []struct {
		name                    string
		attempt, initial, maxMs int
		multiplier              float64
		want                    int64
	}{
		{"first retry", 0, 1000, 30000, 2, 1000},
		{"second retry", 1, 1000, 30000, 2, 2000},
		{"third retry", 2, 1000, 30000, 2, 4000},
		{"fourth retry", 3, 1000, 30000, 2, 8000},
		{"capped", 10, 1000, 30000, 2, 30000},
		{"no cap", 3, 100, 0, 3, 2700},
		{"zero initial", 4, 0, 1000, 2, 0},
		{"negative attempt", -1, 500, 1000, 2, 500},
		{"uncapped overflow", 200, 1000, 0, 2, maxDelayMs},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComputeDelay(tc.attempt, tc.initial, tc.maxMs, tc.multiplier); got != tc.want {
				t.Errorf("ComputeDelay() = %d, want %d", got, tc.want)
			}
		})
	}
	if Delay(1, 1000, 30000, 2) != 2*time.Second {
		t.Error("Delay should convert milliseconds to a duration")
	}
	for _, attempt := range []int{60, 200, 5000} {
		if d := Delay(attempt, 1000, 0, 2); d <= 0 {
			t.Errorf("uncapped Delay(%d) overflowed to %v", attempt, d)
		}
	}
}

func TestComputeDelay_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(0, 40).Draw(t, "attempt")
		initial := rapid.IntRange(1, 10_000).Draw(t, "initial")
		maxMs := rapid.IntRange(initial, 600_000).Draw(t, "max")
		mult := rapid.Float64Range(1, 4).Draw(t, "multiplier")

		d := ComputeDelay(attempt, initial, maxMs, mult)
		if d > int64(maxMs) {
			t.Fatalf("delay %d exceeds max %d", d, maxMs)
		}
		if d < int64(initial) {
			t.Fatalf("delay %d below initial %d", d, initial)
		}
		if next := ComputeDelay(attempt+1, initial, maxMs, mult); next < d {
			t.Fatalf("delay decreased from %d to %d", d, next)
		}
	})
}
