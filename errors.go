// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramsync

import "github.com/pkg/errors"

// The codec-level sentinels (codec.ErrFormatMismatch, codec.ErrRangeMismatch)
// propagate through this package wrapped with key and peer context. The
// sentinels below cover the protocol-level failures. All of them are
// fatal-for-the-round: this layer never retries and never salvages partial
// results, the training loop either aborts or restarts the round from a
// checkpoint.
var (
	// ErrMissingBlock means a fetch came back empty where a block was
	// required -- usually the producer has not published yet, i.e. an
	// initialization-ordering bug in the training loop.
	ErrMissingBlock = errors.New("required block has not been published")

	// ErrUninitialized means a worker's own local state was read before
	// Init ran.
	ErrUninitialized = errors.New("worker state accessed before Init")

	// ErrRange means an out-of-range worker index or a slice whose length
	// disagrees with the partition arithmetic.
	ErrRange = errors.New("index or slice length out of range")
)
