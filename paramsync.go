// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package paramsync implements a partitioned all-reduce protocol with inline
// lossy compression, for synchronizing one large parameter vector across the
// workers of a data-parallel training job.
//
// The global vector of Size float32 elements is partitioned into NumWorkers
// contiguous ranges (package partition), one owner each. Every training round
// each worker:
//
//  1. Sums its locally deposited gradient shards (AggregateLocalGradient).
//  2. Splits the local gradient into per-owner pieces, compresses each to
//     float16 and publishes them (PublishGradientShards).
//  3. Fetches the piece addressed to it from every peer and sums them in the
//     compressed domain (AggregateCrossWorkerGradient), yielding the fully
//     reduced gradient for its owned range.
//  4. After the optimizer updates the owned slice, republishes it compressed
//     (PublishWeightShare).
//  5. Fetches all owners' slices and rebuilds the full parameter
//     (ReconstructParameter).
//
// Blocks travel through an external block store (package blockstore) under
// deterministic typed keys; pending local shards are tracked by an external
// directory service (package directory). The protocol is fail-fast: one
// missing or unreachable block aborts the round with an error, there is no
// retry and no partial result.
package paramsync

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/paramsync/blockstore"
	"github.com/gomlx/paramsync/codec"
	"github.com/gomlx/paramsync/directory"
	"github.com/gomlx/paramsync/internal/workerspool"
	"github.com/gomlx/paramsync/partition"
)

// DefaultIOParallelism bounds the concurrent block-store operations of one
// synchronizer when Config.IOParallelism is left zero. Fetches are
// network-bound, so a small constant is enough to keep the wire busy.
const DefaultIOParallelism = 4

// Config configures one worker's Synchronizer.
type Config struct {
	// WorkerID in [0, NumWorkers) identifies this worker.
	WorkerID int

	// NumWorkers is the total number of cooperating workers.
	NumWorkers int

	// Size is the number of elements of the global parameter vector.
	Size int

	// IOParallelism bounds concurrent block-store operations. Defaults to
	// DefaultIOParallelism if zero.
	IOParallelism int

	// CPUParallelism bounds the chunked numeric reductions. Defaults to
	// runtime.NumCPU() if zero.
	CPUParallelism int
}

// Synchronizer coordinates one worker's side of the protocol. Construct one
// per worker per training job with New and pass it to whatever drives the
// training loop; partition boundaries are fixed at construction.
//
// The owned weight slice and gradient accumulator live in the block store
// under this worker's local-only keys, so any task running on this worker can
// read them; the Synchronizer is their only writer.
type Synchronizer struct {
	workerID   int
	numWorkers int
	size       int
	owned      partition.Range

	store blockstore.Store
	dir   directory.Directory

	ioParallelism int
	cpuPool       *workerspool.Pool

	initialized atomic.Bool

	// scratch reuses one compression buffer per destination key across
	// rounds. The store copies on put, so reuse cannot alias published
	// blocks.
	scratchMu sync.Mutex
	scratch   map[BlockKey][]byte
}

// New creates the Synchronizer for cfg.WorkerID. It fails with ErrRange if
// the worker id, worker count or size are inconsistent.
func New(cfg Config, store blockstore.Store, dir directory.Directory) (*Synchronizer, error) {
	if cfg.NumWorkers <= 0 {
		return nil, errors.Wrapf(ErrRange, "NumWorkers=%d, must be positive", cfg.NumWorkers)
	}
	if cfg.WorkerID < 0 || cfg.WorkerID >= cfg.NumWorkers {
		return nil, errors.Wrapf(ErrRange, "WorkerID=%d out of [0, %d)", cfg.WorkerID, cfg.NumWorkers)
	}
	if cfg.Size < 0 {
		return nil, errors.Wrapf(ErrRange, "Size=%d, must be non-negative", cfg.Size)
	}
	ioParallelism := cfg.IOParallelism
	if ioParallelism <= 0 {
		ioParallelism = DefaultIOParallelism
	}
	return &Synchronizer{
		workerID:      cfg.WorkerID,
		numWorkers:    cfg.NumWorkers,
		size:          cfg.Size,
		owned:         partition.OwnedRange(cfg.WorkerID, cfg.NumWorkers, cfg.Size),
		store:         store,
		dir:           dir,
		ioParallelism: ioParallelism,
		cpuPool:       workerspool.New(cfg.CPUParallelism),
		scratch:       make(map[BlockKey][]byte),
	}, nil
}

// WorkerID returns this worker's id.
func (s *Synchronizer) WorkerID() int { return s.workerID }

// NumWorkers returns the total worker count.
func (s *Synchronizer) NumWorkers() int { return s.numWorkers }

// Size returns the global vector's element count.
func (s *Synchronizer) Size() int { return s.size }

// OwnedRange returns the range of the global vector this worker owns.
func (s *Synchronizer) OwnedRange() partition.Range { return s.owned }

// Init seeds this worker's per-job state from the initial parameter vector:
// its uncompressed owned weight slice, a zeroed gradient accumulator for the
// owned range, a full-parameter copy, and -- so that reconstruction works
// from round 0 -- the initial compressed weight slice, published for peers.
func (s *Synchronizer) Init(parameter []float32) error {
	if len(parameter) != s.size {
		return errors.Wrapf(ErrRange, "Init: parameter has %d elements, global vector has %d", len(parameter), s.size)
	}
	ownedSlice := parameter[s.owned.Start:s.owned.End()]
	if err := s.store.PutLocal(LocalWeightKey(s.workerID).String(),
		codec.PackFloat32s(ownedSlice), blockstore.DurabilityMemoryAndDisk); err != nil {
		return errors.WithMessage(err, "Init: storing owned weight slice")
	}
	if err := s.store.PutLocal(LocalGradientKey(s.workerID).String(),
		codec.PackFloat32s(make([]float32, s.owned.Length)), blockstore.DurabilityMemory); err != nil {
		return errors.WithMessage(err, "Init: storing zeroed gradient accumulator")
	}
	if err := s.store.PutLocal(FullWeightKey(s.workerID).String(),
		codec.PackFloat32s(parameter), blockstore.DurabilityMemoryAndDisk); err != nil {
		return errors.WithMessage(err, "Init: storing full parameter copy")
	}
	if err := s.store.PutLocal(WeightSliceKey(s.workerID).String(),
		codec.Compress(ownedSlice), blockstore.DurabilityMemory); err != nil {
		return errors.WithMessage(err, "Init: publishing initial weight slice")
	}
	s.initialized.Store(true)
	klog.V(1).Infof("paramsync: worker %d/%d initialized, owns [%d, %d) of %d elements",
		s.workerID, s.numWorkers, s.owned.Start, s.owned.End(), s.size)
	return nil
}

// OwnedWeight returns a copy of this worker's current owned weight slice.
// Fails with ErrUninitialized before Init.
func (s *Synchronizer) OwnedWeight() ([]float32, error) {
	return s.readLocalSlice(LocalWeightKey(s.workerID), s.owned.Length)
}

// OwnedGradient returns a copy of this worker's gradient accumulator for its
// owned range: zeros after Init, the fully reduced gradient after
// AggregateCrossWorkerGradient. Fails with ErrUninitialized before Init.
func (s *Synchronizer) OwnedGradient() ([]float32, error) {
	return s.readLocalSlice(LocalGradientKey(s.workerID), s.owned.Length)
}

// Parameter returns a copy of this worker's full parameter vector, as of the
// last Init or ReconstructParameter. Fails with ErrUninitialized before Init.
func (s *Synchronizer) Parameter() ([]float32, error) {
	return s.readLocalSlice(FullWeightKey(s.workerID), s.size)
}

func (s *Synchronizer) readLocalSlice(key BlockKey, length int) ([]float32, error) {
	if !s.initialized.Load() {
		return nil, errors.Wrapf(ErrUninitialized, "reading %q", key)
	}
	block, ok := s.store.GetLocal(key.String())
	if !ok {
		return nil, errors.Wrapf(ErrMissingBlock, "local block %q", key)
	}
	values := make([]float32, length)
	if err := codec.UnpackFloat32sInto(block, values); err != nil {
		return nil, errors.WithMessagef(err, "local block %q", key)
	}
	return values, nil
}

// fanOut runs the given block-store tasks with at most IOParallelism in
// flight and waits for all of them. The first error wins; tasks already
// running are drained, not cancelled -- their results are simply discarded
// by the caller on error.
func (s *Synchronizer) fanOut(tasks []func() error) error {
	var group errgroup.Group
	group.SetLimit(s.ioParallelism)
	for _, task := range tasks {
		group.Go(task)
	}
	return group.Wait()
}

// scratchFor returns the reusable compression buffer for key, sized to
// numBytes.
func (s *Synchronizer) scratchFor(key BlockKey, numBytes int) []byte {
	s.scratchMu.Lock()
	defer s.scratchMu.Unlock()
	buffer := s.scratch[key]
	if len(buffer) != numBytes {
		buffer = make([]byte, numBytes)
		s.scratch[key] = buffer
	}
	return buffer
}
