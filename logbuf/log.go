package logbuf

import (
	catomic "github.com/streamcast/mdriver/cmn/atomic"
	"github.com/streamcast/mdriver/wire"
)

// Metadata mirrors §4.1's metadata page: everything needed to
// interpret a Log's three Terms without consulting any other state.
type Metadata struct {
	InitialTermID       int32
	MTULength           int32
	TermLength          int64
	ActiveTermCount      catomic.Int32
	IsConnected          catomic.Bool
	EndOfStreamPosition catomic.Int64
	DefaultFrameHeader   []byte // HeaderLength bytes, copied onto every frame this Log emits
}

// Log is the three-term shared-memory region plus metadata backing
// one stream, on either the publisher (NetworkPublication/IPC) or
// subscriber (PublicationImage) side.
type Log struct {
	Meta  Metadata
	Terms [PartitionCount]*Term

	positionBitsToShift uint

	activeIndex catomic.Int32 // which Terms[] slot is currently active
}

func NewLog(initialTermID int32, termLength int64, mtu int32) *Log {
	l := &Log{}
	l.Meta.InitialTermID = initialTermID
	l.Meta.TermLength = termLength
	l.Meta.MTULength = mtu
	l.Meta.DefaultFrameHeader = make([]byte, wire.HeaderLength)
	l.positionBitsToShift = PositionBitsToShift(termLength)
	for i := range l.Terms {
		l.Terms[i] = NewTerm(termLength)
	}
	l.Terms[0].ResetTail(initialTermID)
	l.Terms[1].ResetTail(initialTermID + 1)
	l.Terms[2].ResetTail(initialTermID + 2)
	l.Meta.ActiveTermCount.Store(1)
	return l
}

func (l *Log) PositionBitsToShift() uint { return l.positionBitsToShift }

func (l *Log) TermAt(termID int32) *Term {
	return l.Terms[IndexByTerm(l.Meta.InitialTermID, termID)]
}

// TailPosition reports the absolute position of the active term's
// claimed tail — the producer's append cursor — read by the Conductor
// for back-pressure unblock detection and surfaced to the Sender as
// the publisher position (§4.5, §4.8).
func (l *Log) TailPosition() int64 {
	idx := l.activeIndex.Load()
	termID, offset := l.Terms[idx].LoadTail()
	return ComputePosition(termID, l.Meta.InitialTermID, l.positionBitsToShift, offset)
}

// Append reserves alignedLength bytes for streamID/sessionID at the
// active term's current tail and returns a slice of the claimed
// region (header + payload capacity) for the caller to fill, along
// with the absolute position this frame starts at. If the term is
// full, Append pads it to the end, rotates to the next term, and
// retries once — matching §4.1's append-rotate discipline.
func (l *Log) Append(streamID, sessionID int32, payloadLength int32) (region []byte, position int64, ok bool) {
	alignedLength := wire.AlignLength(wire.HeaderLength + payloadLength)
	for attempt := 0; attempt < 2; attempt++ {
		idx := l.activeIndex.Load()
		term := l.Terms[idx]
		termID, _ := term.LoadTail()

		off := term.claim(termID, alignedLength, l.Meta.TermLength)
		if off >= 0 {
			region = term.Buf[off : off+alignedLength]
			position = ComputePosition(termID, l.Meta.InitialTermID, l.positionBitsToShift, off)
			return region, position, true
		}

		// Term full: pad to end and rotate (only one appender may win the rotation CAS).
		_, curOff := term.LoadTail()
		if curOff < int32(l.Meta.TermLength) {
			term.PadToEnd(termID, curOff, l.Meta.TermLength, streamID, sessionID)
		}
		l.rotate(idx, termID)
	}
	return nil, NullPosition, false
}

func (l *Log) rotate(fromIdx int32, fromTermID int32) {
	nextIdx := (fromIdx + 1) % PartitionCount
	if !l.activeIndex.CAS(fromIdx, nextIdx) {
		return // another writer already rotated
	}
	nextTerm := l.Terms[nextIdx]
	nextTerm.ResetTail(fromTermID + 1)
	l.Meta.ActiveTermCount.Add(1)
}

// RebuildResult reports the outcome of one Rebuild scan: the new
// contiguous rebuildPosition, and whether a gap was observed ahead of it.
type RebuildResult struct {
	RebuildPosition int64
	LossFound       bool
	GapTermID       int32
	GapOffset       int32
	GapLength       int32
}

// Rebuilder tracks the subscriber-side reconstruction state for one Log.
type Rebuilder struct {
	log *Log

	hwmPosition     catomic.Int64
	rebuildPosition catomic.Int64
	cleanPosition   catomic.Int64
}

func NewRebuilder(log *Log, startPosition int64) *Rebuilder {
	r := &Rebuilder{log: log}
	r.hwmPosition.Store(startPosition)
	r.rebuildPosition.Store(startPosition)
	r.cleanPosition.Store(startPosition)
	return r
}

func (r *Rebuilder) HwmPosition() int64     { return r.hwmPosition.Load() }
func (r *Rebuilder) RebuildPosition() int64 { return r.rebuildPosition.Load() }
func (r *Rebuilder) CleanPosition() int64   { return r.cleanPosition.Load() }

// Insert is the single-writer rebuild-side insert at a computed
// offset (§4.1): copy frame bytes into the term buffer at termOffset
// and advance hwmPosition (the max observed frame-end), without yet
// advancing rebuildPosition — that happens in Scan.
func (r *Rebuilder) Insert(termID, termOffset int32, frame []byte) {
	term := r.log.TermAt(termID)
	copy(term.Buf[termOffset:], frame)

	end := ComputePosition(termID, r.log.Meta.InitialTermID, r.log.positionBitsToShift, termOffset) + int64(wire.AlignLength(int32(len(frame))))
	for {
		hwm := r.hwmPosition.Load()
		if end <= hwm {
			return
		}
		if r.hwmPosition.CAS(hwm, end) {
			return
		}
	}
}

// Scan walks forward from rebuildPosition using frame headers,
// advancing the contiguous prefix as far as it can, and reports the
// first gap found (if any) so the caller (loss detector) can schedule
// a NAK. Only each header's Length field is read, with a plain
// (non-atomic) load; a zero length marks the gap. The position reached
// is stored as the new rebuildPosition whether or not a gap was found.
func (r *Rebuilder) Scan(limitPosition int64) RebuildResult {
	pos := r.rebuildPosition.Load()
	shift := r.log.positionBitsToShift
	termLength := r.log.Meta.TermLength

	for pos < limitPosition {
		termID := ComputeTermID(pos, r.log.Meta.InitialTermID, shift)
		offset := ComputeTermOffset(pos, termLength)
		term := r.log.TermAt(termID)

		if int64(offset)+wire.HeaderLength > termLength {
			break
		}
		h := wire.AsHeader(term.Buf[offset : offset+wire.HeaderLength])
		length := h.Length()
		if length == 0 {
			// nothing written here yet: gap
			r.rebuildPosition.Store(pos)
			return RebuildResult{RebuildPosition: pos, LossFound: true, GapTermID: termID, GapOffset: offset}
		}
		pos += int64(wire.AlignLength(length))
	}
	r.rebuildPosition.Store(pos)
	return RebuildResult{RebuildPosition: pos}
}

// AdvanceClean moves cleanPosition up to at most rebuildPosition -
// termLength, zeroing any term that falls fully behind it, enforcing
// §3's `cleanPosition >= rebuildPosition - termLength` invariant.
func (r *Rebuilder) AdvanceClean() {
	rebuildPos := r.rebuildPosition.Load()
	target := rebuildPos - r.log.Meta.TermLength
	if target <= r.cleanPosition.Load() {
		return
	}
	shift := r.log.positionBitsToShift
	cleanTermID := ComputeTermID(r.cleanPosition.Load(), r.log.Meta.InitialTermID, shift)
	targetTermID := ComputeTermID(target, r.log.Meta.InitialTermID, shift)
	for id := cleanTermID; id < targetTermID; id++ {
		r.log.TermAt(id).Zero()
	}
	r.cleanPosition.Store(target)
}
