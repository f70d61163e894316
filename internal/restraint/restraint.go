// Package restraint holds the agent's self-restraint checks: pure predicates
// over a decision and its triggering event that can stop an action even when
// every external gate would allow it. Low confidence forces a noop;
// contradictory signals force the cycle to observe instead of act.
package restraint

import "fmt"

// conflictPairs lists signal names that cannot be simultaneously asserted by
// a sane telemetry source. Both present means the input is contradicting
// itself, and acting on contradiction is worse than waiting.
var conflictPairs = [][2]string{
	{"cpu_high", "cpu_low"},
	{"memory_high", "memory_low"},
	{"error_rate_high", "error_rate_zero"},
}

// CheckUncertainty reports whether a decision's confidence is too low to act
// on: uncertainty (1 - confidence) strictly above the threshold forces a
// noop. A confidence exactly at the threshold boundary is still actionable.
func CheckUncertainty(confidence, threshold float64) bool {
	return 1-confidence > threshold
}

// CheckSignalConflict reports whether the event's signals assert both sides
// of a known contradiction. A signal is asserted when present with a value
// above zero. Returns the first conflicting pair found.
func CheckSignalConflict(signals map[string]float64) (bool, string) {
	for _, pair := range conflictPairs {
		a, okA := signals[pair[0]]
		b, okB := signals[pair[1]]
		if okA && okB && a > 0 && b > 0 {
			return true, fmt.Sprintf("signal_conflict: %s vs %s", pair[0], pair[1])
		}
	}
	return false, ""
}
