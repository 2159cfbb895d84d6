// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package partition computes the contiguous range of a globally shared dense
// vector that each worker of a data-parallel job owns.
//
// A global vector of size S is split among N workers into N contiguous,
// non-overlapping ranges that tile [0, S) exactly. When S is not divisible by
// N, the remainder is distributed one extra element each to the first S%N
// workers. The assignment is a pure function of (workerID, numWorkers, size),
// so every worker derives the same partitioning without coordination.
package partition

// Range is a half-open interval [Start, Start+Length) of the global vector.
type Range struct {
	Start, Length int
}

// End returns the exclusive upper bound of the range.
func (r Range) End() int { return r.Start + r.Length }

// IsEmpty reports whether the range contains no elements. Empty ranges occur
// when there are more workers than elements.
func (r Range) IsEmpty() bool { return r.Length == 0 }

// OwnedRange returns the range of a global vector of the given size owned by
// workerID, out of numWorkers total.
//
// It requires 0 <= workerID < numWorkers and numWorkers > 0; the result is
// undefined otherwise. For every valid (size, numWorkers) the ranges of all
// workers tile [0, size) with no gaps or overlaps.
func OwnedRange(workerID, numWorkers, size int) Range {
	base := size / numWorkers
	rem := size % numWorkers
	length := base
	if workerID < rem {
		length++
	}
	return Range{
		Start:  workerID*base + min(workerID, rem),
		Length: length,
	}
}
