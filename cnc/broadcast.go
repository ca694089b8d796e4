package cnc

import (
	catomic "github.com/streamcast/mdriver/cmn/atomic"
	"github.com/streamcast/mdriver/cmn/debug"
)

// Broadcast is the driver->clients region (§6): a single producer
// (the Conductor) appending events that any number of clients may
// read from their own cursor, Aeron-broadcast-transmitter style — a
// slow reader that falls behind by more than Capacity() bytes simply
// misses the lapped messages rather than blocking the producer.
type Broadcast struct {
	buf  []byte
	mask int64
	tail catomic.Int64
}

func NewBroadcast(capacity int) *Broadcast {
	debug.Assert(capacity&(capacity-1) == 0, "broadcast capacity must be a power of two")
	return &Broadcast{buf: make([]byte, capacity), mask: int64(capacity - 1)}
}

// Publish appends one broadcast message (ON_PUBLICATION_READY,
// ON_AVAILABLE_IMAGE, etc., §6), unconditionally overwriting the
// oldest bytes once the ring has wrapped.
func (b *Broadcast) Publish(msgTypeID int32, msg []byte) {
	capacity := len(b.buf)
	needed := alignUp(recordHeaderLen + len(msg))
	tail := b.tail.Load()
	off := int(tail & b.mask)
	toEnd := capacity - off
	if toEnd < needed {
		if toEnd >= recordHeaderLen {
			writeRecordHeader(b.buf, off, paddingMsgTypeID, toEnd-recordHeaderLen)
		}
		tail += int64(toEnd)
		off = 0
	}
	writeRecordHeader(b.buf, off, msgTypeID, len(msg))
	copy(b.buf[off+recordHeaderLen:], msg)
	b.tail.Store(tail + int64(needed))
}

// Since replays every message published after cursor (0 to start from
// the beginning), returning the messages and the cursor to resume
// from on the next call. If cursor is too far behind to be covered by
// the buffer's current contents, it is silently advanced to the
// oldest message still available (a lapped reader, matching the real
// broadcast transmitter's "you missed some" contract).
func (b *Broadcast) Since(cursor int64) (msgs []BroadcastMsg, nextCursor int64) {
	capacity := int64(len(b.buf))
	tail := b.tail.Load()
	oldest := tail - capacity
	if oldest < 0 {
		oldest = 0
	}
	if cursor < oldest {
		cursor = oldest
	}
	for cursor < tail {
		off := int(cursor & b.mask)
		msgTypeID, length := readRecordHeader(b.buf, off)
		recordLen := alignUp(recordHeaderLen + length)
		if msgTypeID != paddingMsgTypeID {
			msgs = append(msgs, BroadcastMsg{Type: msgTypeID, Body: append([]byte(nil), b.buf[off+recordHeaderLen:off+recordHeaderLen+length]...)})
		}
		cursor += int64(recordLen)
	}
	return msgs, cursor
}

func (b *Broadcast) Capacity() int { return len(b.buf) }

// BroadcastMsg is one message returned by Since.
type BroadcastMsg struct {
	Type int32
	Body []byte
}
