// Package segment decides the chunk layout for a download given the
// server's range capability and the resource's total size, picking a
// segment count via clamp(totalSize/5MiB, 4, 16).
package segment

const (
	// unitSize is the divisor used to estimate a natural segment count:
	// roughly one segment per 5 MiB of resource.
	unitSize = 5 * 1024 * 1024

	minSegments = 4
	maxSegments = 16
)

// Range is a half-open byte range [Start, End) of the resource.
type Range struct {
	Start int64
	End   int64
}

// Len reports the number of bytes covered by r.
func (r Range) Len() int64 { return r.End - r.Start }

// Plan computes the segmentation layout for a resource of totalSize bytes.
// override, if > 0, requests a specific segment count subject to the same
// [4, 16] clamp as the natural formula. The layout is computed once and is
// expected to be frozen for the lifetime of the item (no re-segmentation on
// resume).
func Plan(totalSize int64, supportsRange bool, override int) []Range {
	if !supportsRange || totalSize <= 0 {
		return []Range{{Start: 0, End: totalSize}}
	}

	n := override
	if n <= 0 {
		n = int(totalSize / unitSize)
	}
	n = clamp(n, minSegments, maxSegments)
	if int64(n) > totalSize {
		// Degenerate tiny resource: never produce a zero-length segment.
		n = int(totalSize)
		if n < 1 {
			n = 1
		}
	}

	segs := make([]Range, n)
	size := totalSize / int64(n)
	var start int64
	for i := 0; i < n; i++ {
		end := start + size
		if i == n-1 {
			end = totalSize
		}
		segs[i] = Range{Start: start, End: end}
		start = end
	}
	return segs
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
