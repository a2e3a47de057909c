package core

import "unicode/utf16"

// Bucket maps a subject identifier to a stable rollout cohort in [0, 99].
//
// The hash is the classic h*31 + c rolling hash expressed as (h<<5) - h + c
// over UTF-16 code units with signed 32-bit wraparound. The exact arithmetic
// is load-bearing: cohort membership must survive process restarts and match
// buckets computed by other runtimes, so neither the iteration order nor the
// overflow behaviour may change.
func Bucket(subjectID string) int {
	var h int32
	for _, unit := range utf16.Encode([]rune(subjectID)) {
		h = (h << 5) - h + int32(unit)
	}

	// Widen before negating: abs(math.MinInt32) overflows in 32-bit space.
	v := int64(h)
	if v < 0 {
		v = -v
	}

	return int(v % 100)
}
