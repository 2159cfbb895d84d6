// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the bounded pool of goroutines used for the
// CPU-bound chunked reductions of the synchronization engine.
//
// The pool is a soft admission limit, not a set of long-lived threads: each
// admitted task runs on its own goroutine, and a cond-var gates admission so
// that at most the configured parallelism is running at once.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool bounds the number of concurrently running tasks.
type Pool struct {
	parallelism int
	mu          sync.Mutex
	cond        sync.Cond // Signaled whenever numRunning decreases.
	numRunning  int
}

// New returns a pool with the given parallelism. If parallelism <= 0 it
// defaults to runtime.NumCPU().
func New(parallelism int) *Pool {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	p := &Pool{parallelism: parallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// Parallelism returns the admission limit of the pool.
func (p *Pool) Parallelism() int { return p.parallelism }

// WaitToStart blocks until a worker slot is free, then runs task on its own
// goroutine. The caller is responsible for joining on the task's completion.
func (p *Pool) WaitToStart(task func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning >= p.parallelism {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// ParallelChunks splits the index range [0, length) into
// min(Parallelism, length) near-equal contiguous chunks and runs
// fn(chunkStart, chunkLength) for each on the pool, returning once all chunks
// completed.
//
// Chunks are disjoint, so as long as fn only touches its own chunk the result
// is independent of goroutine scheduling. The chunk boundaries are a pure
// function of (length, Parallelism), mirroring the remainder distribution of
// the partition arithmetic.
func (p *Pool) ParallelChunks(length int, fn func(chunkStart, chunkLength int)) {
	if length <= 0 {
		return
	}
	numChunks := min(p.parallelism, length)
	if numChunks == 1 {
		fn(0, length)
		return
	}
	base := length / numChunks
	rem := length % numChunks
	var wg sync.WaitGroup
	start := 0
	for c := 0; c < numChunks; c++ {
		chunkLength := base
		if c < rem {
			chunkLength++
		}
		chunkStart := start
		start += chunkLength
		wg.Add(1)
		p.WaitToStart(func() {
			defer wg.Done()
			fn(chunkStart, chunkLength)
		})
	}
	wg.Wait()
}
