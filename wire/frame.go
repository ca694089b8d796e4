// Package wire implements the on-the-wire frame format every agent in
// this driver reads and writes: the 32-byte common header shared by
// all frame types, and the per-type fields that follow it. Every
// accessor here is zero-copy: a Frame is just a typed view over a
// byte slice owned by the caller (typically a memsys buffer), never a
// materialized struct copy, matching the teacher's own flyweight-style
// header accessors in transport/pdu.go.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"encoding/binary"
	"fmt"
)

// Type is the wire frame-type tag (header offset 2, 2 bytes LE).
type Type uint16

const (
	TypePad      Type = 0x00
	TypeData     Type = 0x01
	TypeNak      Type = 0x02
	TypeSM       Type = 0x03
	TypeErr      Type = 0x04
	TypeSetup    Type = 0x05
	TypeRTTM     Type = 0x06
	TypeRes      Type = 0x07
)

func (t Type) String() string {
	switch t {
	case TypePad:
		return "PAD"
	case TypeData:
		return "DATA"
	case TypeNak:
		return "NAK"
	case TypeSM:
		return "SM"
	case TypeErr:
		return "ERR"
	case TypeSetup:
		return "SETUP"
	case TypeRTTM:
		return "RTTM"
	case TypeRes:
		return "RES"
	default:
		return fmt.Sprintf("TYPE(%#x)", uint16(t))
	}
}

// Flags (header offset 1, 1 byte).
const (
	FlagPad   uint8 = 1 << 0 // frame-type DATA carrying no payload, filler to term end
	FlagEOS   uint8 = 1 << 1 // end-of-stream marker (on a zero-body DATA/heartbeat)
	FlagSetup uint8 = 1 << 2 // SM carrying the setup-eliciting request (§4.4)
	FlagReply uint8 = 1 << 3 // RTTM: this frame is a reply, not an initiating probe
)

const Version uint8 = 1

// FrameAlignment: every frame length is aligned up to this boundary;
// the last frame in a term may be a PAD filling the remainder (§3).
const FrameAlignment = 32

// HeaderLength is the size of the common header present on every frame.
const HeaderLength = 32

// Common header layout, all fields little-endian:
//
//	0  version      1B
//	1  flags        1B
//	2  type         2B
//	4  length       4B
//	8  termOffset   4B
//	12 sessionID    4B
//	16 streamID     4B
//	20 termID       4B
//	24 reserved     8B
const (
	offVersion    = 0
	offFlags      = 1
	offType       = 2
	offLength     = 4
	offTermOffset = 8
	offSessionID  = 12
	offStreamID   = 16
	offTermID     = 20
	offReserved   = 24
)

// Header is a zero-copy view of the common 32-byte frame header.
type Header []byte

func AsHeader(b []byte) Header {
	if len(b) < HeaderLength {
		panic("wire: buffer shorter than HeaderLength")
	}
	return Header(b[:HeaderLength])
}

func (h Header) Version() uint8     { return h[offVersion] }
func (h Header) SetVersion(v uint8) { h[offVersion] = v }

func (h Header) Flags() uint8     { return h[offFlags] }
func (h Header) SetFlags(f uint8) { h[offFlags] = f }
func (h Header) HasFlag(f uint8) bool { return h[offFlags]&f != 0 }

func (h Header) Type() Type { return Type(binary.LittleEndian.Uint16(h[offType:])) }
func (h Header) SetType(t Type) {
	binary.LittleEndian.PutUint16(h[offType:], uint16(t))
}

// Length reads the frame length with a plain little-endian load; it
// gives no acquire ordering against a concurrent writer. The rebuilder
// (logbuf.Rebuilder.Scan) reads only this field and treats zero as a
// slot not yet written.
func (h Header) Length() int32  { return int32(binary.LittleEndian.Uint32(h[offLength:])) }
func (h Header) SetLength(n int32) { binary.LittleEndian.PutUint32(h[offLength:], uint32(n)) }

func (h Header) TermOffset() int32 { return int32(binary.LittleEndian.Uint32(h[offTermOffset:])) }
func (h Header) SetTermOffset(v int32) {
	binary.LittleEndian.PutUint32(h[offTermOffset:], uint32(v))
}

func (h Header) SessionID() int32 { return int32(binary.LittleEndian.Uint32(h[offSessionID:])) }
func (h Header) SetSessionID(v int32) {
	binary.LittleEndian.PutUint32(h[offSessionID:], uint32(v))
}

func (h Header) StreamID() int32 { return int32(binary.LittleEndian.Uint32(h[offStreamID:])) }
func (h Header) SetStreamID(v int32) {
	binary.LittleEndian.PutUint32(h[offStreamID:], uint32(v))
}

func (h Header) TermID() int32 { return int32(binary.LittleEndian.Uint32(h[offTermID:])) }
func (h Header) SetTermID(v int32) {
	binary.LittleEndian.PutUint32(h[offTermID:], uint32(v))
}

func (h Header) ReservedValue() int64 { return int64(binary.LittleEndian.Uint64(h[offReserved:])) }
func (h Header) SetReservedValue(v int64) {
	binary.LittleEndian.PutUint64(h[offReserved:], uint64(v))
}

func (h Header) String() string {
	return fmt.Sprintf("%s[flags=%#x term=%d off=%d len=%d session=%d stream=%d]",
		h.Type(), h.Flags(), h.TermID(), h.TermOffset(), h.Length(), h.SessionID(), h.StreamID())
}

// AlignLength rounds length up to the next FrameAlignment boundary.
func AlignLength(length int32) int32 {
	return (length + FrameAlignment - 1) &^ (FrameAlignment - 1)
}

// IsPaddingFrame reports whether h is the PAD alias of DATA (§6: "0x00 PAD (alias)").
func (h Header) IsPaddingFrame() bool {
	return h.Type() == TypeData && h.HasFlag(FlagPad)
}
