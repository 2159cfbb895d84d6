// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOwnedRange(t *testing.T) {
	// Known splits, remainder goes to the first workers.
	require.Equal(t, Range{Start: 0, Length: 4}, OwnedRange(0, 3, 10))
	require.Equal(t, Range{Start: 4, Length: 3}, OwnedRange(1, 3, 10))
	require.Equal(t, Range{Start: 7, Length: 3}, OwnedRange(2, 3, 10))

	// More workers than elements: 3 ranges of length 1, then 2 empty ones.
	require.Equal(t, Range{Start: 0, Length: 1}, OwnedRange(0, 5, 3))
	require.Equal(t, Range{Start: 1, Length: 1}, OwnedRange(1, 5, 3))
	require.Equal(t, Range{Start: 2, Length: 1}, OwnedRange(2, 5, 3))
	require.Equal(t, Range{Start: 3, Length: 0}, OwnedRange(3, 5, 3))
	require.Equal(t, Range{Start: 3, Length: 0}, OwnedRange(4, 5, 3))
	require.True(t, OwnedRange(4, 5, 3).IsEmpty())
}

func TestOwnedRangeTiling(t *testing.T) {
	// The ranges of all workers must tile [0, size) exactly, for any
	// combination of size and worker count, including numWorkers > size.
	for _, size := range []int{1, 2, 3, 7, 10, 64, 1000, 1023} {
		for _, numWorkers := range []int{1, 2, 3, 4, 5, 7, 16, 100} {
			t.Run(fmt.Sprintf("size=%d/workers=%d", size, numWorkers), func(t *testing.T) {
				next := 0
				for w := 0; w < numWorkers; w++ {
					r := OwnedRange(w, numWorkers, size)
					require.Equal(t, next, r.Start, "worker %d range must start where worker %d ended", w, w-1)
					require.GreaterOrEqual(t, r.Length, 0)
					next = r.End()
				}
				require.Equal(t, size, next, "union of ranges must cover [0, size)")
			})
		}
	}
}

func TestOwnedRangeBalance(t *testing.T) {
	// No two ranges may differ by more than one element.
	const size, numWorkers = 1000, 7
	minLen, maxLen := size, 0
	for w := 0; w < numWorkers; w++ {
		l := OwnedRange(w, numWorkers, size).Length
		minLen = min(minLen, l)
		maxLen = max(maxLen, l)
	}
	require.LessOrEqual(t, maxLen-minLen, 1)
}
