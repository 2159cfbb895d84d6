// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blockstore defines the distributed block store the synchronization
// engine publishes tensors and compressed byte blocks to, and provides an
// in-memory implementation suitable for tests and single-process simulation.
//
// The engine only ever talks to the Store interface: production deployments
// plug in whatever cluster block manager they run on. Keys are opaque strings
// (see the typed keys in the paramsync package); values are opaque byte
// blocks. A put overwrites atomically with respect to concurrent reads, and a
// block published by one worker can be fetched by any other via
// GetLocalOrRemote.
package blockstore

// Durability tells the store how hard it should try to keep a block around.
type Durability int

const (
	// DurabilityMemory keeps the block in memory only; it may be dropped
	// under memory pressure.
	DurabilityMemory Durability = iota

	// DurabilityMemoryAndDisk lets the store spill the block to local disk
	// instead of dropping it.
	DurabilityMemoryAndDisk
)

// String implements fmt.Stringer.
func (d Durability) String() string {
	switch d {
	case DurabilityMemory:
		return "memory"
	case DurabilityMemoryAndDisk:
		return "memory+disk"
	}
	return "invalid"
}

// Store is one worker's handle to the distributed block store.
//
// Gets return a copy (or an otherwise immutable snapshot) of the block: the
// caller may not observe later puts through a previously fetched slice, and
// mutating a fetched slice must not corrupt the store.
type Store interface {
	// PutLocal publishes a block on this worker's node, overwriting any
	// previous block under the same key. The put is atomic: concurrent
	// readers see either the old block or the new one, never a mix. The
	// store must not alias data after the call returns (the engine reuses
	// publication buffers across rounds), so implementations copy as needed.
	PutLocal(key string, data []byte, durability Durability) error

	// GetLocal fetches a block from this worker's node only.
	GetLocal(key string) ([]byte, bool)

	// GetLocalOrRemote fetches a block from this worker's node, falling back
	// to querying peers. A successful remote fetch takes an advisory read
	// lock on the block, which the caller releases with Unlock once done
	// with the data.
	GetLocalOrRemote(key string) ([]byte, bool)

	// RemoveLocal drops this worker's node's block under key, if any.
	RemoveLocal(key string)

	// Unlock releases the advisory read lock acquired by the last remote
	// fetch of key through this handle. It is a no-op if the fetch was
	// served locally.
	Unlock(key string)
}
