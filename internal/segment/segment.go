// Package segment plans parallel scan segments over a DynamoDB table.
package segment

import "hash/fnv"

// Max is the largest number of segments a scan is split into.
const Max = 64

// Segment identifies one slice of a parallel scan.
type Segment struct {
	Index int32
	Total int32
}

// Parallel reports whether the segment is part of a multi-segment scan.
func (s Segment) Parallel() bool {
	return s.Total > 1
}

// Plan splits a scan into n segments.
// With n<=1 it returns a single segment covering the whole table.
func Plan(n int) []Segment {
	if n < 1 {
		n = 1
	}
	if n > Max {
		n = Max
	}
	segs := make([]Segment, n)
	for i := range segs {
		segs[i] = Segment{Index: int32(i), Total: int32(n)}
	}
	return segs
}

// Of returns the segment a partition key value falls into.
// All items of one partition land in the same segment.
func Of(partitionKey string, total int) int32 {
	if total <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(partitionKey))
	return int32(h.Sum32() % uint32(total))
}
