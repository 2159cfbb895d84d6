// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramsync

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/paramsync/codec"
)

// AggregateLocalGradient sums the gradient shards deposited on this worker --
// one per local data partition, registered with the directory service --
// into a single local gradient of the given element count.
//
// Shards are fetched from local storage in parallel, then summed chunk by
// chunk on the CPU pool, always in shard-recording order within every chunk,
// so the floating-point result does not depend on scheduling. The sum lands
// in the first shard's buffer, which is returned.
//
// On success the worker's pending-shard set is cleared from the directory.
// Any missing shard aborts the whole reduce with ErrMissingBlock; a shard of
// the wrong byte length aborts with codec.ErrFormatMismatch.
func (s *Synchronizer) AggregateLocalGradient(size int) ([]float32, error) {
	if size < 0 {
		return nil, errors.Wrapf(ErrRange, "AggregateLocalGradient: size=%d", size)
	}
	shardKeys := s.dir.ListShards(s.workerID)
	if len(shardKeys) == 0 {
		return nil, errors.Wrapf(ErrMissingBlock, "worker %d has no pending local gradient shards", s.workerID)
	}

	shards := make([][]float32, len(shardKeys))
	tasks := make([]func() error, len(shardKeys))
	for i, key := range shardKeys {
		i, key := i, key
		tasks[i] = func() error {
			block, ok := s.store.GetLocal(key)
			if !ok {
				err := errors.Wrapf(ErrMissingBlock, "local gradient shard %q of worker %d", key, s.workerID)
				klog.Errorf("paramsync: %+v", err)
				return err
			}
			shard := make([]float32, size)
			if err := codec.UnpackFloat32sInto(block, shard); err != nil {
				err = errors.WithMessagef(err, "local gradient shard %q of worker %d", key, s.workerID)
				klog.Errorf("paramsync: %+v", err)
				return err
			}
			shards[i] = shard
			return nil
		}
	}
	if err := s.fanOut(tasks); err != nil {
		return nil, err
	}

	// Embarrassingly parallel over chunks; within a chunk the shards are
	// added in index order, keeping the summation order fixed.
	accumulator := shards[0]
	s.cpuPool.ParallelChunks(size, func(chunkStart, chunkLength int) {
		chunk := accumulator[chunkStart : chunkStart+chunkLength]
		for _, shard := range shards[1:] {
			shardChunk := shard[chunkStart : chunkStart+chunkLength]
			for i := range chunk {
				chunk[i] += shardChunk[i]
			}
		}
	})

	s.dir.ClearShards(s.workerID)
	klog.V(1).Infof("paramsync: worker %d reduced %d local shards of %d elements", s.workerID, len(shards), size)
	return accumulator, nil
}
