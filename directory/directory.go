// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package directory defines the coordination service that tracks which
// gradient-shard blocks have been deposited for each owning worker, and
// provides an in-memory implementation.
//
// The synchronization engine uses it only for local-shard bookkeeping: the
// data-loading side records a block key per deposited shard, the local
// reducer lists and then retires them. The recording order is preserved
// because local reduction sums shards in that fixed order, which keeps
// floating-point results deterministic.
package directory

import "sync"

// Directory tracks pending gradient-shard block keys per owning worker.
type Directory interface {
	// RecordShard registers blockKey as a pending shard for owner. Recording
	// the same key twice is a no-op.
	RecordShard(owner int, blockKey string)

	// ListShards returns the pending shard keys for owner, in recording
	// order. The returned slice is the caller's to keep.
	ListShards(owner int) []string

	// ClearShards retires all pending shards of owner.
	ClearShards(owner int)
}

// Memory is a process-local Directory guarded by a mutex. Safe for
// concurrent use by any number of workers.
type Memory struct {
	mu     sync.Mutex
	shards map[int][]string
	seen   map[int]map[string]bool
}

var _ Directory = (*Memory)(nil)

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		shards: make(map[int][]string),
		seen:   make(map[int]map[string]bool),
	}
}

// RecordShard implements Directory.
func (d *Memory) RecordShard(owner int, blockKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[owner][blockKey] {
		return
	}
	if d.seen[owner] == nil {
		d.seen[owner] = make(map[string]bool)
	}
	d.seen[owner][blockKey] = true
	d.shards[owner] = append(d.shards[owner], blockKey)
}

// ListShards implements Directory.
func (d *Memory) ListShards(owner int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, len(d.shards[owner]))
	copy(keys, d.shards[owner])
	return keys
}

// ClearShards implements Directory.
func (d *Memory) ClearShards(owner int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.shards, owner)
	delete(d.seen, owner)
}
