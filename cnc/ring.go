// Package cnc implements the command-and-control file (§6): the
// meta header, the to-driver and to-clients message rings, the
// counters region, and the distinct-error log, all owned by the
// driver process. Grounded on the teacher's single-producer/
// single-consumer `workCh`/`cmplCh` channel pair in
// transport/send.go, generalized here to a byte-oriented,
// length-prefixed ring buffer since the real CnC use case is a
// cross-process shared region rather than an in-process channel.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package cnc

import (
	"encoding/binary"

	catomic "github.com/streamcast/mdriver/cmn/atomic"
	"github.com/streamcast/mdriver/cmn/debug"
)

const recordHeaderLen = 8 // msgTypeID int32, length int32
const paddingMsgTypeID int32 = -1

// Ring is the single-producer single-consumer wait-free command queue
// described in §5, reused here for the to-driver CnC region. Capacity
// must be a power of two.
type Ring struct {
	buf  []byte
	mask int64

	head catomic.Int64 // consumer cursor, advanced only by the single reader
	tail catomic.Int64 // producer cursor, advanced only by the single writer
}

func NewRing(capacity int) *Ring {
	debug.Assert(capacity&(capacity-1) == 0, "ring capacity must be a power of two")
	return &Ring{buf: make([]byte, capacity), mask: int64(capacity - 1)}
}

func alignUp(n int) int { return (n + recordHeaderLen - 1) &^ (recordHeaderLen - 1) }

// Offer copies one message into the ring, returning false if there is
// not enough room for it (including any padding record needed to
// avoid the message straddling the buffer's wraparound point).
func (r *Ring) Offer(msgTypeID int32, msg []byte) bool {
	capacity := len(r.buf)
	needed := alignUp(recordHeaderLen + len(msg))

	for {
		tail := r.tail.Load()
		head := r.head.Load()
		off := int(tail & r.mask)
		toEnd := capacity - off

		if toEnd < needed {
			if tail-head+int64(toEnd) > int64(capacity) {
				return false // not enough room even to pad to the end
			}
			if toEnd >= recordHeaderLen {
				writeRecordHeader(r.buf, off, paddingMsgTypeID, toEnd-recordHeaderLen)
			}
			r.tail.Store(tail + int64(toEnd))
			continue
		}

		if tail-head+int64(needed) > int64(capacity) {
			return false
		}
		writeRecordHeader(r.buf, off, msgTypeID, len(msg))
		copy(r.buf[off+recordHeaderLen:], msg)
		r.tail.Store(tail + int64(needed))
		return true
	}
}

// Handler processes one dequeued message.
type Handler func(msgTypeID int32, msg []byte)

// Read drains every message currently available, invoking handler for
// each (padding records are skipped), and returns how many it delivered.
func (r *Ring) Read(handler Handler) int {
	head := r.head.Load()
	tail := r.tail.Load()

	var consumed int64
	var count int
	for head+consumed < tail {
		off := int((head + consumed) & r.mask)
		msgTypeID, length := readRecordHeader(r.buf, off)
		recordLen := alignUp(recordHeaderLen + length)
		if msgTypeID != paddingMsgTypeID {
			handler(msgTypeID, r.buf[off+recordHeaderLen:off+recordHeaderLen+length])
			count++
		}
		consumed += int64(recordLen)
	}
	if consumed > 0 {
		r.head.Store(head + consumed)
	}
	return count
}

func writeRecordHeader(buf []byte, off int, msgTypeID int32, length int) {
	binary.LittleEndian.PutUint32(buf[off:], uint32(msgTypeID))
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(length))
}

func readRecordHeader(buf []byte, off int) (msgTypeID int32, length int) {
	msgTypeID = int32(binary.LittleEndian.Uint32(buf[off:]))
	length = int(int32(binary.LittleEndian.Uint32(buf[off+4:])))
	return msgTypeID, length
}

func (r *Ring) Capacity() int { return len(r.buf) }
