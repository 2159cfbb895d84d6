// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package codec implements the reduced-precision wire representation used to
// move gradient and weight slices between workers.
//
// A compressed block encodes a []float32 slice as IEEE 754 half-precision
// (float16) values, 2 bytes per element, little-endian, with no header: the
// element count of a block is len(block)/Width. Blocks can be summed directly
// in the compressed domain (see AccumulateRange), which is what lets the
// cross-worker reduction run without ever materializing the peers'
// contributions in full precision.
//
// The format is lossy: each compressed element carries one float16 rounding,
// and accumulating K blocks accumulates K roundings. That is the intended
// bandwidth/precision trade-off of the protocol, halving the bytes on the
// wire relative to float32.
package codec

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

const (
	// Width is the size in bytes of one compressed element.
	Width = 2

	// Float32Width is the size in bytes of one uncompressed element, used by
	// the raw (full-precision) packing of local-only blocks.
	Float32Width = 4
)

var (
	// ErrFormatMismatch is returned when a byte buffer's length disagrees
	// with the expected element count times the element width.
	ErrFormatMismatch = errors.New("block length disagrees with expected element count")

	// ErrRangeMismatch is returned when accumulate operands differ in length
	// or the requested element range falls outside the block.
	ErrRangeMismatch = errors.New("mismatched block lengths or out-of-range accumulation")
)

// NumElements returns the number of elements a compressed block represents.
// It fails with ErrFormatMismatch if the block length is not a multiple of
// Width.
func NumElements(block []byte) (int, error) {
	if len(block)%Width != 0 {
		return 0, errors.Wrapf(ErrFormatMismatch, "compressed block has %d bytes, not a multiple of the element width %d", len(block), Width)
	}
	return len(block) / Width, nil
}

// Compress encodes values into a freshly allocated compressed block of
// len(values)*Width bytes.
func Compress(values []float32) []byte {
	block := make([]byte, len(values)*Width)
	_ = CompressInto(values, block)
	return block
}

// CompressInto encodes values into block, which must have exactly
// len(values)*Width bytes. It exists so callers can reuse one block per
// destination across rounds instead of reallocating.
func CompressInto(values []float32, block []byte) error {
	if len(block) != len(values)*Width {
		return errors.Wrapf(ErrFormatMismatch, "compressed block has %d bytes, want %d for %d elements",
			len(block), len(values)*Width, len(values))
	}
	for i, v := range values {
		binary.LittleEndian.PutUint16(block[i*Width:], float16.Fromfloat32(v).Bits())
	}
	return nil
}

// DecompressInto decodes block into dst. The block must have exactly
// len(dst)*Width bytes, otherwise it fails with ErrFormatMismatch.
func DecompressInto(block []byte, dst []float32) error {
	if len(block) != len(dst)*Width {
		return errors.Wrapf(ErrFormatMismatch, "compressed block has %d bytes, want %d for %d elements",
			len(block), len(dst)*Width, len(dst))
	}
	for i := range dst {
		dst[i] = float16.Frombits(binary.LittleEndian.Uint16(block[i*Width:])).Float32()
	}
	return nil
}

// AccumulateRange adds the values src represents over the element range
// [start, start+length) into dst's representation, in place.
//
// Both blocks must represent the same number of elements; the addition stays
// in the float16 domain -- each element pair is widened, added and rounded
// back to float16 -- so neither block is ever decompressed as a whole.
// Disjoint ranges of dst may be accumulated concurrently.
//
// It fails with ErrRangeMismatch if the operand lengths differ or the range
// does not fit in the blocks, and with ErrFormatMismatch if the common length
// is not a multiple of Width.
func AccumulateRange(dst, src []byte, start, length int) error {
	if len(dst) != len(src) {
		return errors.Wrapf(ErrRangeMismatch, "accumulate operands differ in length: %d vs %d bytes", len(dst), len(src))
	}
	numElements, err := NumElements(dst)
	if err != nil {
		return err
	}
	if start < 0 || length < 0 || start+length > numElements {
		return errors.Wrapf(ErrRangeMismatch, "element range [%d, %d) out of block with %d elements",
			start, start+length, numElements)
	}
	for i := start; i < start+length; i++ {
		offset := i * Width
		a := float16.Frombits(binary.LittleEndian.Uint16(dst[offset:])).Float32()
		b := float16.Frombits(binary.LittleEndian.Uint16(src[offset:])).Float32()
		binary.LittleEndian.PutUint16(dst[offset:], float16.Fromfloat32(a+b).Bits())
	}
	return nil
}

// PackFloat32s encodes values at full precision, 4 bytes per element,
// little-endian. Used for local-only blocks (a worker's own weight and
// gradient slices and its pending gradient shards), which never cross the
// network and therefore are not worth compressing.
func PackFloat32s(values []float32) []byte {
	block := make([]byte, len(values)*Float32Width)
	for i, v := range values {
		binary.LittleEndian.PutUint32(block[i*Float32Width:], math.Float32bits(v))
	}
	return block
}

// UnpackFloat32sInto decodes a full-precision block into dst. The block must
// have exactly len(dst)*Float32Width bytes, otherwise it fails with
// ErrFormatMismatch.
func UnpackFloat32sInto(block []byte, dst []float32) error {
	if len(block) != len(dst)*Float32Width {
		return errors.Wrapf(ErrFormatMismatch, "full-precision block has %d bytes, want %d for %d elements",
			len(block), len(dst)*Float32Width, len(dst))
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(block[i*Float32Width:]))
	}
	return nil
}

// UnpackFloat32s decodes a full-precision block into a fresh slice. It fails
// with ErrFormatMismatch if the block length is not a multiple of
// Float32Width.
func UnpackFloat32s(block []byte) ([]float32, error) {
	if len(block)%Float32Width != 0 {
		return nil, errors.Wrapf(ErrFormatMismatch, "full-precision block has %d bytes, not a multiple of %d",
			len(block), Float32Width)
	}
	dst := make([]float32, len(block)/Float32Width)
	return dst, UnpackFloat32sInto(block, dst)
}
