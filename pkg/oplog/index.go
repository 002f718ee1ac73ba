package oplog

import "math"

// Index is a one-based position in a worker's oplog. NoneIndex marks "no entry".
type Index uint64

const (
	NoneIndex    Index = 0
	InitialIndex Index = 1
)

// Next returns the following index, saturating at the maximum value.
func (i Index) Next() Index {
	if i == math.MaxUint64 {
		return i
	}
	return i + 1
}

// Previous returns the preceding index, saturating at NoneIndex.
func (i Index) Previous() Index {
	if i == NoneIndex {
		return NoneIndex
	}
	return i - 1
}

// RangeEnd returns the last index of an n-long range starting at i, saturating at
// the maximum value. A zero-length range ends just before it starts.
func (i Index) RangeEnd(n uint64) Index {
	if n == 0 {
		return i.Previous()
	}
	end := uint64(i) + n - 1
	if end < uint64(i) {
		return Index(math.MaxUint64)
	}
	return Index(end)
}
