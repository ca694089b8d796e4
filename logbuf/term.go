package logbuf

import (
	"sync/atomic"

	"github.com/streamcast/mdriver/cmn/debug"
	"github.com/streamcast/mdriver/wire"
)

// Term is a single fixed-length, power-of-two shared-memory region.
// tail tracks how much of the term has been claimed by an appender;
// high 32 bits of Tail encode the termID owning this claim (matching
// the rotation scheme of §4.1's tailCounters), low 32 bits the offset.
type Term struct {
	Buf  []byte
	tail int64 // atomic: termID<<32 | termOffset
}

func NewTerm(length int64) *Term {
	debug.Assert(length&(length-1) == 0, "term length must be a power of two")
	return &Term{Buf: make([]byte, length)}
}

func packTail(termID int32, offset int32) int64 {
	return int64(uint32(termID))<<32 | int64(uint32(offset))
}

func unpackTail(v int64) (termID, offset int32) {
	return int32(v >> 32), int32(uint32(v))
}

func (t *Term) LoadTail() (termID, offset int32) {
	return unpackTail(atomic.LoadInt64(&t.tail))
}

func (t *Term) ResetTail(termID int32) {
	atomic.StoreInt64(&t.tail, packTail(termID, 0))
}

// claim performs the exclusive-publication CAS append: claim
// [offset, offset+alignedLength) for termID, retrying until another
// writer's claim (same termID) is observed instead of racing it.
// Returns the claimed offset, or -1 if the term is full (caller must
// pad-and-rotate).
func (t *Term) claim(termID int32, alignedLength int32, termLength int64) int32 {
	for {
		old := atomic.LoadInt64(&t.tail)
		oldTerm, oldOff := unpackTail(old)
		debug.Assert(oldTerm == termID, "claim against wrong term generation")
		newOff := oldOff + alignedLength
		if int64(newOff) > termLength {
			return -1
		}
		if atomic.CompareAndSwapInt64(&t.tail, old, packTail(termID, newOff)) {
			return oldOff
		}
	}
}

// PadToEnd writes a single PAD frame filling [offset, termLength) and
// claims the remainder of the term, so no DATA frame ever straddles a
// term boundary (§8 boundary behaviour).
func (t *Term) PadToEnd(termID, offset int32, termLength int64, streamID, sessionID int32) {
	remaining := int32(termLength) - offset
	if remaining <= 0 {
		return
	}
	h := wire.AsHeader(t.Buf[offset : offset+wire.HeaderLength])
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeData)
	h.SetFlags(wire.FlagPad)
	h.SetLength(remaining)
	h.SetTermOffset(offset)
	h.SetTermID(termID)
	h.SetStreamID(streamID)
	h.SetSessionID(sessionID)
	atomic.StoreInt64(&t.tail, packTail(termID, int32(termLength)))
}

// Zero clears the term buffer ahead of its next cycle of reuse (§3:
// "kept zeroed ahead of the active tail"). Called by the owning
// component once cleanPosition has advanced past this term's prior
// cycle.
func (t *Term) Zero() {
	clear(t.Buf)
}
