// Package netpub implements the Network Publication (C4): outbound
// stream state owned by the Sender for send progress and by the
// Conductor for lifecycle, plus its IPC sibling (§4.9) which has no
// network side at all.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package netpub

import (
	catomic "github.com/streamcast/mdriver/cmn/atomic"
	"github.com/streamcast/mdriver/flowctrl"
	"github.com/streamcast/mdriver/logbuf"
	"github.com/streamcast/mdriver/wire"
)

// State is the publication lifecycle (§3): ACTIVE -> DRAINING (last
// ref dropped) -> LINGER (grace period) -> CLOSED.
type State int32

const (
	StateActive State = iota
	StateDraining
	StateLinger
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateLinger:
		return "LINGER"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Sender is a minimal single-argument send interface. netio.Endpoint
// does not satisfy it (its Send also takes a destination), and nothing
// in this module implements or uses it.
type Sender interface {
	Send(buf []byte) (n int, err error)
}

// NetworkPublication is one outbound stream: term log, flow control,
// and the setup/heartbeat/retransmit state machine of §4.2.
type NetworkPublication struct {
	StreamID  int32
	SessionID int32

	Log *logbuf.Log
	FC  *flowctrl.SenderFlowControl

	state          catomic.Int32
	senderPosition catomic.Int64 // highest position transmitted so far
	senderLimit    catomic.Int64 // cached last-computed flow-control limit

	setupAcked     catomic.Bool
	lastHeartbeat  catomic.Int64
	lastSetup      catomic.Int64
	heartbeatInterval int64
	setupInterval     int64

	drainStart        catomic.Int64
	lingerTimeoutNs    int64

	shortSendRetries catomic.Int64
	refCount         catomic.Int32
}

func New(streamID, sessionID int32, log *logbuf.Log, fc *flowctrl.SenderFlowControl, heartbeatIntervalNs, setupIntervalNs, lingerTimeoutNs int64) *NetworkPublication {
	p := &NetworkPublication{
		StreamID: streamID, SessionID: sessionID, Log: log, FC: fc,
		heartbeatInterval: heartbeatIntervalNs, setupInterval: setupIntervalNs, lingerTimeoutNs: lingerTimeoutNs,
	}
	p.state.Store(int32(StateActive))
	p.refCount.Store(1)
	p.senderLimit.Store(1<<63 - 1)
	return p
}

func (p *NetworkPublication) State() State { return State(p.state.Load()) }

// IncRef/DecRef track external references (client publications
// sharing one endpoint); DecRef to zero begins draining (§3, §4.2).
func (p *NetworkPublication) IncRef() { p.refCount.Add(1) }
func (p *NetworkPublication) DecRef(nowNs int64) {
	if p.refCount.Add(-1) <= 0 {
		p.state.CAS(int32(StateActive), int32(StateDraining))
		p.drainStart.Store(nowNs)
	}
}

// OnStatusMessage updates the tracked receiver and the cached sender
// limit (§4.2 onStatusMessage).
func (p *NetworkPublication) OnStatusMessage(receiverID, position int64, tagged bool, nowNs int64) {
	limit := p.FC.OnStatusMessage(receiverID, position, tagged, nowNs)
	p.senderLimit.Store(limit)
}

// SenderPosition is the highest position transmitted so far;
// SenderLimit is the cached last-computed flow-control limit.
func (p *NetworkPublication) SenderPosition() int64 { return p.senderPosition.Load() }
func (p *NetworkPublication) SenderLimit() int64    { return p.senderLimit.Load() }

// Chunk is one MTU-bounded slice of term bytes ready to frame and send.
type Chunk struct {
	TermID int32
	Offset int32
	Data   []byte
}

// NextChunks returns up to the sender limit's worth of unsent term
// bytes, chunked at the log's MTU boundary, advancing senderPosition
// as it goes. Returns nil if there is nothing new to send.
func (p *NetworkPublication) NextChunks(publisherPosition int64) []Chunk {
	limit := p.senderLimit.Load()
	pos := p.senderPosition.Load()
	if pos >= publisherPosition || pos >= limit {
		return nil
	}
	end := publisherPosition
	if limit < end {
		end = limit
	}

	var chunks []Chunk
	mtu := p.Log.Meta.MTULength
	shift := p.Log.PositionBitsToShift()
	termLength := p.Log.Meta.TermLength

	for pos < end {
		termID := logbuf.ComputeTermID(pos, p.Log.Meta.InitialTermID, shift)
		offset := logbuf.ComputeTermOffset(pos, termLength)
		term := p.Log.TermAt(termID)

		remaining := end - pos
		if remaining > int64(mtu) {
			remaining = int64(mtu)
		}
		if int64(offset)+remaining > termLength {
			remaining = termLength - int64(offset) // never straddle a term boundary (§8)
		}
		chunks = append(chunks, Chunk{TermID: termID, Offset: offset, Data: term.Buf[offset : int64(offset)+remaining]})
		pos += remaining
	}
	p.senderPosition.Store(pos)
	return chunks
}

// Retransmit returns the MTU-chunked bytes covering exactly
// [termID, termOffset, termOffset+length), bounded by senderPosition
// (§8: a NAK must result in retransmission covering exactly that range).
func (p *NetworkPublication) Retransmit(termID, termOffset, length int32) []Chunk {
	term := p.Log.TermAt(termID)
	shift := p.Log.PositionBitsToShift()
	start := logbuf.ComputePosition(termID, p.Log.Meta.InitialTermID, shift, termOffset)
	if avail := p.senderPosition.Load() - start; int64(length) > avail {
		if avail <= 0 {
			return nil
		}
		length = int32(avail)
	}
	var chunks []Chunk
	mtu := int32(p.Log.Meta.MTULength)
	for length > 0 {
		n := length
		if n > mtu {
			n = mtu
		}
		chunks = append(chunks, Chunk{TermID: termID, Offset: termOffset, Data: term.Buf[termOffset : termOffset+n]})
		termOffset += n
		length -= n
	}
	return chunks
}

// ShouldHeartbeat/ShouldSetup gate periodic emission independent of
// new data (§4.2 send()).
func (p *NetworkPublication) ShouldHeartbeat(nowNs int64) bool {
	return nowNs-p.lastHeartbeat.Load() >= p.heartbeatInterval
}
func (p *NetworkPublication) MarkHeartbeat(nowNs int64) { p.lastHeartbeat.Store(nowNs) }

func (p *NetworkPublication) ShouldSetup(nowNs int64) bool {
	return !p.setupAcked.Load() && nowNs-p.lastSetup.Load() >= p.setupInterval
}
func (p *NetworkPublication) MarkSetup(nowNs int64) { p.lastSetup.Store(nowNs) }
func (p *NetworkPublication) AckSetup()              { p.setupAcked.Store(true) }

// OnShortSend records a partial write for this driver's bounded
// exponential-backoff retry (see SUPPLEMENTED FEATURES), returning
// the backoff duration before the next retry attempt and whether the
// publication should be given up on (lingering forever under a dead
// receiver is capped).
func (p *NetworkPublication) OnShortSend() (backoffNs int64, giveUp bool) {
	n := p.shortSendRetries.Inc()
	const maxRetries = 10
	const baseNs = int64(1_000_000) // 1ms
	if n > maxRetries {
		return 0, true
	}
	backoff := baseNs << uint(n-1)
	const capNs = int64(200_000_000) // 200ms
	if backoff > capNs {
		backoff = capNs
	}
	return backoff, false
}

func (p *NetworkPublication) ResetShortSendRetries() { p.shortSendRetries.Store(0) }

// Tick advances the DRAINING->LINGER->CLOSED state machine (§3).
func (p *NetworkPublication) Tick(nowNs, publisherPosition int64) {
	switch p.State() {
	case StateDraining:
		if p.senderPosition.Load() == publisherPosition || nowNs-p.drainStart.Load() >= p.lingerTimeoutNs {
			p.state.CAS(int32(StateDraining), int32(StateLinger))
			p.drainStart.Store(nowNs)
		}
	case StateLinger:
		if nowNs-p.drainStart.Load() >= p.lingerTimeoutNs {
			p.state.CAS(int32(StateLinger), int32(StateClosed))
		}
	}
}

func (p *NetworkPublication) IsClosed() bool { return p.State() == StateClosed }

// FrameHeartbeat/FrameSetup produce the fixed-size control frames
// this publication emits outside the data path.
func FrameHeartbeat(buf []byte, streamID, sessionID, termID, termOffset int32) {
	h := wire.AsHeader(buf[:wire.HeaderLength])
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeData)
	h.SetFlags(0)
	h.SetLength(wire.HeaderLength)
	h.SetStreamID(streamID)
	h.SetSessionID(sessionID)
	h.SetTermID(termID)
	h.SetTermOffset(termOffset)
}

func FrameSetup(buf []byte, streamID, sessionID, initialTermID, activeTermID, termOffset, termLength, mtu int32, ttl uint8) {
	total := wire.HeaderLength + wire.SetupPayloadLength
	h := wire.AsHeader(buf[:total])
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeSetup)
	h.SetLength(int32(total))
	h.SetStreamID(streamID)
	h.SetSessionID(sessionID)
	h.SetTermID(activeTermID)
	h.SetTermOffset(termOffset)

	s := wire.AsSetup(buf[:total])
	s.SetInitialTermID(initialTermID)
	s.SetActiveTermID(activeTermID)
	s.SetTermOffset(termOffset)
	s.SetTermLength(termLength)
	s.SetMTU(mtu)
	s.SetTTL(ttl)
	s.Seal()
}
