// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramsync

import "strconv"

// BlockKind says what role a block plays in the synchronization protocol.
type BlockKind int

const (
	// KindWeightSlice is an owner's published compressed weight slice,
	// fetched by every worker during reconstruction.
	KindWeightSlice BlockKind = iota

	// KindGradientShard is the compressed piece of From's local gradient
	// covering To's owned range, fetched by To during cross-worker reduction.
	KindGradientShard

	// KindLocalGradient is a worker's own full-precision gradient
	// accumulator for its owned range. Local only.
	KindLocalGradient

	// KindLocalWeight is a worker's own full-precision weight slice for its
	// owned range. Local only.
	KindLocalWeight

	// KindFullWeight is a worker's full-precision copy of the whole
	// parameter vector, refreshed by reconstruction. Local only.
	KindFullWeight
)

// String implements fmt.Stringer.
func (k BlockKind) String() string {
	switch k {
	case KindWeightSlice:
		return "weight-slice"
	case KindGradientShard:
		return "gradient-shard"
	case KindLocalGradient:
		return "local-gradient"
	case KindLocalWeight:
		return "local-weight"
	case KindFullWeight:
		return "full-weight"
	}
	return "invalid"
}

// BlockKey identifies one block in the block store: its role plus the worker
// ids involved. Using a typed key instead of ad-hoc string concatenation at
// every call site keeps the distinct roles from colliding; the wire names
// below are the store-level encoding the rest of the cluster expects.
type BlockKey struct {
	Kind BlockKind
	// To is the worker owning the block's range. From is the producing
	// worker, only meaningful for KindGradientShard.
	From, To int
}

// WeightSliceKey addresses owner's published compressed weight slice.
func WeightSliceKey(owner int) BlockKey {
	return BlockKey{Kind: KindWeightSlice, To: owner}
}

// GradientShardKey addresses the compressed gradient piece produced by from
// for to's owned range.
func GradientShardKey(from, to int) BlockKey {
	return BlockKey{Kind: KindGradientShard, From: from, To: to}
}

// LocalGradientKey addresses owner's own gradient accumulator.
func LocalGradientKey(owner int) BlockKey {
	return BlockKey{Kind: KindLocalGradient, To: owner}
}

// LocalWeightKey addresses owner's own uncompressed weight slice.
func LocalWeightKey(owner int) BlockKey {
	return BlockKey{Kind: KindLocalWeight, To: owner}
}

// FullWeightKey addresses owner's full-parameter copy.
func FullWeightKey(owner int) BlockKey {
	return BlockKey{Kind: KindFullWeight, To: owner}
}

// String returns the block-store key name. The layout is fixed protocol
// surface; changing it orphans blocks published by peers running older
// builds.
func (k BlockKey) String() string {
	switch k.Kind {
	case KindWeightSlice:
		return "pm_wBytes" + strconv.Itoa(k.To)
	case KindGradientShard:
		return "pm" + strconv.Itoa(k.To) + "gBytes" + strconv.Itoa(k.From)
	case KindLocalGradient:
		return "pm_g" + strconv.Itoa(k.To)
	case KindLocalWeight:
		return "pm_w" + strconv.Itoa(k.To)
	case KindFullWeight:
		return "weight" + strconv.Itoa(k.To)
	}
	return "invalid" + strconv.Itoa(k.To)
}
