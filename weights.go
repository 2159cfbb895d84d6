// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramsync

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/paramsync/blockstore"
	"github.com/gomlx/paramsync/codec"
	"github.com/gomlx/paramsync/internal/xsync"
)

// PublishWeightShare publishes this worker's updated owned weight slice:
// the uncompressed copy locally, and the compressed block for peers,
// overwriting the previous round's block. No merge, no append -- publishing
// the same slice twice is indistinguishable from publishing it once.
func (s *Synchronizer) PublishWeightShare(localSlice []float32) error {
	if !s.initialized.Load() {
		return errors.Wrapf(ErrUninitialized, "PublishWeightShare on worker %d", s.workerID)
	}
	if len(localSlice) != s.owned.Length {
		return errors.Wrapf(ErrRange, "PublishWeightShare: slice has %d elements, worker %d owns %d",
			len(localSlice), s.workerID, s.owned.Length)
	}
	if err := s.store.PutLocal(LocalWeightKey(s.workerID).String(),
		codec.PackFloat32s(localSlice), blockstore.DurabilityMemoryAndDisk); err != nil {
		return errors.WithMessage(err, "storing owned weight slice")
	}
	key := WeightSliceKey(s.workerID)
	block := s.scratchFor(key, s.owned.Length*codec.Width)
	if err := codec.CompressInto(localSlice, block); err != nil {
		return errors.WithMessagef(err, "compressing weight slice %q", key)
	}
	if err := s.store.PutLocal(key.String(), block, blockstore.DurabilityMemory); err != nil {
		err = errors.WithMessagef(err, "publishing weight slice %q", key)
		klog.Errorf("paramsync: %+v", err)
		return err
	}
	klog.V(2).Infof("paramsync: worker %d published weight slice [%d, %d)", s.workerID, s.owned.Start, s.owned.End())
	return nil
}

// ReconstructParameter rebuilds the full parameter vector into the given
// buffer by fetching every owner's published weight slice and decompressing
// it into the owner's range. All fetches run in parallel on the I/O pool;
// the buffer holds the complete new parameter only once the call returns
// without error, partial states are never exposed.
//
// This worker's own slice is taken from its uncompressed local copy when
// present, skipping a pointless compress/decompress round trip; correctness
// does not depend on that shortcut.
//
// A never-published slice fails the call with ErrMissingBlock; a slice whose
// byte length disagrees with the owner's range fails it with
// codec.ErrFormatMismatch.
func (s *Synchronizer) ReconstructParameter(into []float32) error {
	if len(into) != s.size {
		return errors.Wrapf(ErrRange, "ReconstructParameter: buffer has %d elements, global vector has %d",
			len(into), s.size)
	}
	tasks := make([]func() error, s.numWorkers)
	for owner := 0; owner < s.numWorkers; owner++ {
		owner := owner
		tasks[owner] = func() error {
			r := s.rangeOf(owner)
			dst := into[r.Start:r.End()]
			if owner == s.workerID {
				if block, ok := s.store.GetLocal(LocalWeightKey(owner).String()); ok {
					if err := codec.UnpackFloat32sInto(block, dst); err == nil {
						return nil
					}
					// Malformed local copy: fall through to the published block.
				}
			}
			key := WeightSliceKey(owner)
			block, ok := s.store.GetLocalOrRemote(key.String())
			if !ok {
				err := errors.Wrapf(ErrMissingBlock, "weight slice %q of owner %d", key, owner)
				klog.Errorf("paramsync: %+v", err)
				return err
			}
			s.store.Unlock(key.String())
			if err := codec.DecompressInto(block, dst); err != nil {
				err = errors.WithMessagef(err, "weight slice %q of owner %d", key, owner)
				klog.Errorf("paramsync: %+v", err)
				return err
			}
			return nil
		}
	}
	if err := s.fanOut(tasks); err != nil {
		return err
	}
	if s.initialized.Load() {
		if err := s.store.PutLocal(FullWeightKey(s.workerID).String(),
			codec.PackFloat32s(into), blockstore.DurabilityMemoryAndDisk); err != nil {
			return errors.WithMessage(err, "storing reconstructed parameter copy")
		}
	}
	klog.V(1).Infof("paramsync: worker %d reconstructed the full parameter from %d slices", s.workerID, s.numWorkers)
	return nil
}

// Pending is the handle of an asynchronous reconstruction started with
// ReconstructParameterAsync.
type Pending struct {
	latch *xsync.Latch[error]
}

// Wait blocks until the operation finishes and returns its outcome. It can
// be called any number of times, from any goroutine.
func (p *Pending) Wait() error { return p.latch.Wait() }

// Done reports whether the operation already finished, without blocking.
func (p *Pending) Done() bool { return p.latch.Test() }

// ReconstructParameterAsync starts ReconstructParameter in the background so
// the caller can overlap the weight fetch with other end-of-round work. The
// into buffer must not be touched until Wait returns.
func (s *Synchronizer) ReconstructParameterAsync(into []float32) *Pending {
	pending := &Pending{latch: xsync.NewLatch[error]()}
	go func() {
		pending.latch.Trigger(s.ReconstructParameter(into))
	}()
	return pending
}
