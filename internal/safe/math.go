// Package safe provides an overflow-checked counter used by the Replay
// Pipeline when it turns a [from, to) range into a slice count: the number
// of one-minute slices plus one for the inclusive endpoint.
package safe

// AddCount adds two non-negative counts, panicking if either operand is
// negative or the sum wraps. The pipeline only ever adds a minute count to
// 1, but a caller passing a negative range (from after to, or a clock gone
// backwards) is a bug, not a value to silently accept.
func AddCount(a, b int64) int64 {
	if a < 0 || b < 0 {
		panic("tardisgo: safe.AddCount given a negative count")
	}
	sum := a + b
	if sum < a {
		panic("tardisgo: safe.AddCount overflow")
	}
	return sum
}
