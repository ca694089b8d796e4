// Payload accessors for the frame types that carry fixed fields after
// the common header (SETUP, SM, NAK, RTTM, ERR). RES (resolver
// gossip) has its own variable-length record format in res.go instead,
// since its body is a packed sequence rather than fixed fields.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"encoding/binary"

	"github.com/streamcast/mdriver/cmn/xoshiro256"
)

// SetupPayload: sender->receiver handshake carrying log geometry (§6).
// Layout after the common header:
//
//	0  initialTermID  4B
//	4  activeTermID   4B
//	8  termOffset     4B
//	12 termLength     4B
//	16 mtu            4B
//	20 ttl            1B
//	21 pad            3B
//	24 cookie         8B  (xoshiro256 hash of the fields above, anti-replay sanity check)
const SetupPayloadLength = 32

type SetupPayload []byte

func AsSetup(b []byte) SetupPayload { return SetupPayload(b[HeaderLength : HeaderLength+SetupPayloadLength]) }

func (p SetupPayload) InitialTermID() int32 { return int32(binary.LittleEndian.Uint32(p[0:])) }
func (p SetupPayload) ActiveTermID() int32  { return int32(binary.LittleEndian.Uint32(p[4:])) }
func (p SetupPayload) TermOffset() int32    { return int32(binary.LittleEndian.Uint32(p[8:])) }
func (p SetupPayload) TermLength() int32    { return int32(binary.LittleEndian.Uint32(p[12:])) }
func (p SetupPayload) MTU() int32           { return int32(binary.LittleEndian.Uint32(p[16:])) }
func (p SetupPayload) TTL() uint8           { return p[20] }
func (p SetupPayload) Cookie() uint64       { return binary.LittleEndian.Uint64(p[24:]) }

func (p SetupPayload) SetInitialTermID(v int32) { binary.LittleEndian.PutUint32(p[0:], uint32(v)) }
func (p SetupPayload) SetActiveTermID(v int32)  { binary.LittleEndian.PutUint32(p[4:], uint32(v)) }
func (p SetupPayload) SetTermOffset(v int32)    { binary.LittleEndian.PutUint32(p[8:], uint32(v)) }
func (p SetupPayload) SetTermLength(v int32)    { binary.LittleEndian.PutUint32(p[12:], uint32(v)) }
func (p SetupPayload) SetMTU(v int32)           { binary.LittleEndian.PutUint32(p[16:], uint32(v)) }
func (p SetupPayload) SetTTL(v uint8)           { p[20] = v }

// Seal computes and stores the anti-replay cookie from the geometry
// fields; Verify recomputes it and compares.
func (p SetupPayload) Seal() {
	binary.LittleEndian.PutUint64(p[24:], p.checksum())
}

func (p SetupPayload) Verify() bool { return p.Cookie() == p.checksum() }

func (p SetupPayload) checksum() uint64 {
	var acc uint64
	acc = xoshiro256.Hash(uint64(uint32(p.InitialTermID())))
	acc = xoshiro256.Hash(acc ^ uint64(uint32(p.ActiveTermID())))
	acc = xoshiro256.Hash(acc ^ uint64(uint32(p.TermOffset())))
	acc = xoshiro256.Hash(acc ^ uint64(uint32(p.TermLength())))
	acc = xoshiro256.Hash(acc ^ uint64(uint32(p.MTU())))
	acc = xoshiro256.Hash(acc ^ uint64(p.TTL()))
	return acc
}

// SMPayload: receiver->sender status message (§6).
//
//	0  termID                4B
//	4  termOffset             4B
//	8  receiverWindowLength   4B
//	12 receiverID             8B
//	20 groupTag               8B (0 if absent)
const SMPayloadLength = 28

type SMPayload []byte

func AsSM(b []byte) SMPayload { return SMPayload(b[HeaderLength : HeaderLength+SMPayloadLength]) }

func (p SMPayload) TermID() int32                { return int32(binary.LittleEndian.Uint32(p[0:])) }
func (p SMPayload) TermOffset() int32             { return int32(binary.LittleEndian.Uint32(p[4:])) }
func (p SMPayload) ReceiverWindowLength() int32   { return int32(binary.LittleEndian.Uint32(p[8:])) }
func (p SMPayload) ReceiverID() int64             { return int64(binary.LittleEndian.Uint64(p[12:])) }
func (p SMPayload) GroupTag() int64               { return int64(binary.LittleEndian.Uint64(p[20:])) }

func (p SMPayload) SetTermID(v int32)              { binary.LittleEndian.PutUint32(p[0:], uint32(v)) }
func (p SMPayload) SetTermOffset(v int32)           { binary.LittleEndian.PutUint32(p[4:], uint32(v)) }
func (p SMPayload) SetReceiverWindowLength(v int32) { binary.LittleEndian.PutUint32(p[8:], uint32(v)) }
func (p SMPayload) SetReceiverID(v int64)           { binary.LittleEndian.PutUint64(p[12:], uint64(v)) }
func (p SMPayload) SetGroupTag(v int64)             { binary.LittleEndian.PutUint64(p[20:], uint64(v)) }

// NakPayload: receiver->sender retransmission request (§6).
//
//	0 termID      4B
//	4 termOffset  4B
//	8 length      4B
const NakPayloadLength = 12

type NakPayload []byte

func AsNak(b []byte) NakPayload { return NakPayload(b[HeaderLength : HeaderLength+NakPayloadLength]) }

func (p NakPayload) TermID() int32     { return int32(binary.LittleEndian.Uint32(p[0:])) }
func (p NakPayload) TermOffset() int32 { return int32(binary.LittleEndian.Uint32(p[4:])) }
func (p NakPayload) Length() int32     { return int32(binary.LittleEndian.Uint32(p[8:])) }

func (p NakPayload) SetTermID(v int32)     { binary.LittleEndian.PutUint32(p[0:], uint32(v)) }
func (p NakPayload) SetTermOffset(v int32) { binary.LittleEndian.PutUint32(p[4:], uint32(v)) }
func (p NakPayload) SetLength(v int32)     { binary.LittleEndian.PutUint32(p[8:], uint32(v)) }

// RttmPayload: RTT measurement frame, either an initiating probe or a
// reply (FlagReply) (§6).
//
//	0  echoTimestamp   8B
//	8  receptionDelta  8B
//	16 receiverID      8B
const RttmPayloadLength = 24

type RttmPayload []byte

func AsRttm(b []byte) RttmPayload { return RttmPayload(b[HeaderLength : HeaderLength+RttmPayloadLength]) }

func (p RttmPayload) EchoTimestamp() int64  { return int64(binary.LittleEndian.Uint64(p[0:])) }
func (p RttmPayload) ReceptionDelta() int64 { return int64(binary.LittleEndian.Uint64(p[8:])) }
func (p RttmPayload) ReceiverID() int64     { return int64(binary.LittleEndian.Uint64(p[16:])) }

func (p RttmPayload) SetEchoTimestamp(v int64)  { binary.LittleEndian.PutUint64(p[0:], uint64(v)) }
func (p RttmPayload) SetReceptionDelta(v int64) { binary.LittleEndian.PutUint64(p[8:], uint64(v)) }
func (p RttmPayload) SetReceiverID(v int64)     { binary.LittleEndian.PutUint64(p[16:], uint64(v)) }

// ErrPayload: driver->client or peer->peer protocol error notification.
//
//	0 code    4B
//	4 message follows as UTF-8 bytes, length = frame length - header - 4
const ErrFixedLength = 4

type ErrPayload []byte

func AsErr(b []byte) ErrPayload { return ErrPayload(b[HeaderLength:]) }

func (p ErrPayload) Code() int32 { return int32(binary.LittleEndian.Uint32(p[0:])) }
func (p ErrPayload) SetCode(v int32) { binary.LittleEndian.PutUint32(p[0:], uint32(v)) }
func (p ErrPayload) Message() string { return string(p[ErrFixedLength:]) }
