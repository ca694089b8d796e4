// Package logbuf implements the shared-memory term-log protocol: three
// rotating power-of-two term buffers, stream-position arithmetic, and
// the append (publisher) and rebuild (subscriber) disciplines defined
// over them. Grounded on the teacher's own segmented ring-buffer
// patterns (transport/bundle/stream_bundle.go's multi-buffer rotation)
// generalized to this driver's position/term model.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package logbuf

import "math/bits"

// NullPosition is the sentinel for "no position yet", replacing the
// original's NULL_POSITION = -1 null-object sentinel with a single
// named module-level constant.
const NullPosition int64 = -1

// PartitionCount is fixed at 3: two terms actively receiving/draining,
// one kept zeroed ahead of the active tail for lock-free rotation (§3).
const PartitionCount = 3

// PositionBitsToShift returns log2(termLength); termLength must be a
// power of two, validated by callers at publication/image creation.
func PositionBitsToShift(termLength int64) uint {
	return uint(bits.TrailingZeros64(uint64(termLength)))
}

// ComputePosition maps (termID, termOffset) to an absolute 64-bit
// stream position, given the term in which the stream started.
func ComputePosition(termID, initialTermID int32, positionBitsToShift uint, termOffset int32) int64 {
	termCount := int64(termID - initialTermID)
	return (termCount << positionBitsToShift) + int64(termOffset)
}

// ComputeTermID returns the termID at the given absolute position.
func ComputeTermID(position int64, initialTermID int32, positionBitsToShift uint) int32 {
	return initialTermID + int32(position>>positionBitsToShift)
}

// ComputeTermOffset returns the offset within the active term at the
// given absolute position.
func ComputeTermOffset(position int64, termLength int64) int32 {
	return int32(position & (termLength - 1))
}

// IndexByTerm returns which of the PartitionCount term buffers holds
// the given termID, mod 3 as the corresponding Java/C driver does.
func IndexByTerm(initialTermID, termID int32) int32 {
	return (termID - initialTermID) % PartitionCount
}

// IndexByPosition is IndexByTerm composed with ComputeTermID.
func IndexByPosition(position int64, positionBitsToShift uint) int32 {
	return int32((position >> positionBitsToShift) % PartitionCount)
}

// TermOffsetMask returns the bitmask that extracts a term offset from
// an absolute position (termLength - 1); termLength must be a power of two.
func TermOffsetMask(termLength int64) int64 { return termLength - 1 }
