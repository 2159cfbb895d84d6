// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramsync

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/paramsync/blockstore"
	"github.com/gomlx/paramsync/codec"
	"github.com/gomlx/paramsync/partition"
)

// PublishGradientShards splits this worker's local gradient -- the output of
// AggregateLocalGradient, covering the whole global vector -- into one piece
// per owning worker, compresses each piece and publishes it under the
// owner-addressed gradient-shard key, overwriting last round's piece.
//
// Publications run in parallel on the I/O pool. Owners with an empty range
// still get a (zero-length) block, so the fetch side can tell "published
// nothing" apart from "not published yet".
func (s *Synchronizer) PublishGradientShards(gradient []float32) error {
	if len(gradient) != s.size {
		return errors.Wrapf(ErrRange, "PublishGradientShards: gradient has %d elements, global vector has %d",
			len(gradient), s.size)
	}
	tasks := make([]func() error, s.numWorkers)
	for owner := 0; owner < s.numWorkers; owner++ {
		owner := owner
		tasks[owner] = func() error {
			r := s.rangeOf(owner)
			key := GradientShardKey(s.workerID, owner)
			block := s.scratchFor(key, r.Length*codec.Width)
			if err := codec.CompressInto(gradient[r.Start:r.End()], block); err != nil {
				return errors.WithMessagef(err, "compressing gradient shard %q", key)
			}
			if err := s.store.PutLocal(key.String(), block, blockstore.DurabilityMemory); err != nil {
				err = errors.WithMessagef(err, "publishing gradient shard %q", key)
				klog.Errorf("paramsync: %+v", err)
				return err
			}
			return nil
		}
	}
	if err := s.fanOut(tasks); err != nil {
		return err
	}
	klog.V(2).Infof("paramsync: worker %d published %d gradient shards", s.workerID, s.numWorkers)
	return nil
}

// AggregateCrossWorkerGradient fetches, from every worker, the compressed
// gradient shard addressed to this worker, sums them without leaving the
// compressed domain, and decompresses the total once into this worker's
// gradient accumulator, which is returned.
//
// Fetches run in parallel and fall back from local to remote lookup; the
// summation is chunked on the CPU pool with peers always added in index
// order 0..N-1 within a chunk, so the result is deterministic. A missing
// peer shard aborts with ErrMissingBlock and the partial sums are discarded;
// retrying is the training loop's business, not this layer's.
func (s *Synchronizer) AggregateCrossWorkerGradient() ([]float32, error) {
	accumulator, err := s.OwnedGradient() // Also rejects calls before Init.
	if err != nil {
		return nil, err
	}

	expectedBytes := s.owned.Length * codec.Width
	blocks := make([][]byte, s.numWorkers)
	tasks := make([]func() error, s.numWorkers)
	for peer := 0; peer < s.numWorkers; peer++ {
		peer := peer
		tasks[peer] = func() error {
			key := GradientShardKey(peer, s.workerID)
			block, ok := s.store.GetLocalOrRemote(key.String())
			if !ok {
				err := errors.Wrapf(ErrMissingBlock, "gradient shard %q from peer %d to worker %d",
					key, peer, s.workerID)
				klog.Errorf("paramsync: %+v", err)
				return err
			}
			s.store.Unlock(key.String())
			if len(block) != expectedBytes {
				err := errors.Wrapf(codec.ErrFormatMismatch,
					"gradient shard %q from peer %d has %d bytes, want %d for %d elements",
					key, peer, len(block), expectedBytes, s.owned.Length)
				klog.Errorf("paramsync: %+v", err)
				return err
			}
			blocks[peer] = block
			return nil
		}
	}
	if err := s.fanOut(tasks); err != nil {
		return nil, err
	}

	// Sum in the compressed domain: chunks in parallel, peers in fixed index
	// order within each chunk. Lengths were validated above, so the only
	// conceivable accumulate failure is a bug; still, it is propagated.
	total := blocks[0]
	var accumulateErr error
	var accumulateErrMu sync.Mutex
	s.cpuPool.ParallelChunks(s.owned.Length, func(chunkStart, chunkLength int) {
		for _, block := range blocks[1:] {
			if err := codec.AccumulateRange(total, block, chunkStart, chunkLength); err != nil {
				accumulateErrMu.Lock()
				if accumulateErr == nil {
					accumulateErr = err
				}
				accumulateErrMu.Unlock()
				return
			}
		}
	})
	if accumulateErr != nil {
		return nil, errors.WithMessagef(accumulateErr, "accumulating gradient shards for worker %d", s.workerID)
	}

	// One decompression at the very end, into the accumulator.
	if err := codec.DecompressInto(total, accumulator); err != nil {
		return nil, errors.WithMessagef(err, "decompressing reduced gradient of worker %d", s.workerID)
	}
	if err := s.store.PutLocal(LocalGradientKey(s.workerID).String(),
		codec.PackFloat32s(accumulator), blockstore.DurabilityMemory); err != nil {
		return nil, errors.WithMessage(err, "storing reduced gradient accumulator")
	}
	klog.V(1).Infof("paramsync: worker %d reduced gradient shards from %d peers over [%d, %d)",
		s.workerID, s.numWorkers, s.owned.Start, s.owned.End())
	return accumulator, nil
}

// rangeOf returns the owned range of any worker of this job.
func (s *Synchronizer) rangeOf(workerID int) partition.Range {
	return partition.OwnedRange(workerID, s.numWorkers, s.size)
}
