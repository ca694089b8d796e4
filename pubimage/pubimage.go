// Package pubimage implements the Publication Image (C5): per-source
// inbound stream state — gap tracking, status messages, liveness —
// including the two-counter release hand-offs between the Conductor
// (producer of pending SM/loss updates) and the Receiver (consumer)
// described in §4.3 and §5.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package pubimage

import (
	catomic "github.com/streamcast/mdriver/cmn/atomic"
	"github.com/streamcast/mdriver/flowctrl"
	"github.com/streamcast/mdriver/logbuf"
	"github.com/streamcast/mdriver/loss"
	"github.com/streamcast/mdriver/wire"
)

// State is the image lifecycle (§3, §4.3).
type State int32

const (
	StateInit State = iota
	StateActive
	StateInactive
	StateLinger
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateActive:
		return "ACTIVE"
	case StateInactive:
		return "INACTIVE"
	case StateLinger:
		return "LINGER"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// UntetheredState is the ACTIVE<->LINGER<->RESTING cycle of §4.3.
type UntetheredState int32

const (
	UntetheredActive UntetheredState = iota
	UntetheredLinger
	UntetheredResting
)

type untethered struct {
	state      UntetheredState
	sinceNs    int64
	position   catomic.Int64
}

// pendingSM/pendingLoss implement the two-counter release pattern
// (§4.3, §5): a producer (Conductor) calls Begin, writes the payload,
// then End; a consumer (Receiver) reads endChange, and only trusts the
// payload if beginChange still matches what it observed before reading
// it — otherwise the producer overwrote mid-publish and it retries
// next tick.
type pendingSM struct {
	beginChange catomic.Int64
	endChange   catomic.Int64

	termID       int32
	termOffset   int32
	windowLength int32
}

func (p *pendingSM) Begin() int64 { return p.beginChange.Inc() }
func (p *pendingSM) Publish(seq int64, termID, termOffset, windowLength int32) {
	p.termID, p.termOffset, p.windowLength = termID, termOffset, windowLength
	p.endChange.Store(seq)
}

// Consume returns (termID, termOffset, windowLength, ok). ok is false
// if nothing new has been published, or if the producer began a new
// publish while this read was in flight (caller retries next tick).
func (p *pendingSM) Consume(lastSeen int64) (termID, termOffset, windowLength int32, seq int64, ok bool) {
	end := p.endChange.Load()
	if end == lastSeen {
		return 0, 0, 0, lastSeen, false
	}
	termID, termOffset, windowLength = p.termID, p.termOffset, p.windowLength
	if p.beginChange.Load() != end {
		return 0, 0, 0, lastSeen, false // torn read: producer is mid-publish again
	}
	return termID, termOffset, windowLength, end, true
}

type pendingLoss struct {
	beginChange catomic.Int64
	endChange   catomic.Int64

	termID     int32
	termOffset int32
	length     int32
}

func (p *pendingLoss) Begin() int64 { return p.beginChange.Inc() }
func (p *pendingLoss) Publish(seq int64, termID, termOffset, length int32) {
	p.termID, p.termOffset, p.length = termID, termOffset, length
	p.endChange.Store(seq)
}
func (p *pendingLoss) Consume(lastSeen int64) (termID, termOffset, length int32, seq int64, ok bool) {
	end := p.endChange.Load()
	if end == lastSeen {
		return 0, 0, 0, lastSeen, false
	}
	termID, termOffset, length = p.termID, p.termOffset, p.length
	if p.beginChange.Load() != end {
		return 0, 0, 0, lastSeen, false
	}
	return termID, termOffset, length, end, true
}

// Image is one inbound (endpoint, sessionID, streamID) reconstructed stream.
type Image struct {
	StreamID  int32
	SessionID int32
	Reliable  bool // if false, gaps are filled locally with a PAD instead of NAK'd (§4.3 tryFillGap)

	Log       *logbuf.Log
	Rebuilder *logbuf.Rebuilder
	CC        flowctrl.CongestionControl
	LossDet   *loss.Detector

	state          catomic.Int32
	lastSmPosition catomic.Int64
	lastSmWindow   catomic.Int64 // lastSmWindowLimit = lastSmPosition + window, cached
	timeOfLastPkt  catomic.Int64

	eosSeenMask  catomic.Uint32 // bit per transport index
	allTransports uint32         // mask of all transports expected to report EOS
	endOfStreamPosition catomic.Int64

	pendingSM   pendingSM
	pendingLoss pendingLoss
	smSeqSeen   int64 // Receiver-side cursor into pendingSM
	lossSeqSeen int64

	untetheredSubs map[int64]*untethered

	overrunCount, underrunCount catomic.Int64
}

func New(streamID, sessionID int32, log *logbuf.Log, cc flowctrl.CongestionControl, lossDet *loss.Detector, reliable bool, startPosition int64, allTransports uint32) *Image {
	img := &Image{
		StreamID: streamID, SessionID: sessionID, Reliable: reliable,
		Log: log, Rebuilder: logbuf.NewRebuilder(log, startPosition), CC: cc, LossDet: lossDet,
		allTransports:  allTransports,
		untetheredSubs: make(map[int64]*untethered),
	}
	img.state.Store(int32(StateInit))
	img.lastSmPosition.Store(startPosition)
	initial := cc.OnTrackRebuild(0, startPosition, false)
	img.lastSmWindow.Store(startPosition + int64(initial.WindowLength))
	return img
}

func (img *Image) State() State { return State(img.state.Load()) }
func (img *Image) Activate()    { img.state.CAS(int32(StateInit), int32(StateActive)) }

// InsertPacket implements §4.3's insertPacket steps 1-5.
func (img *Image) InsertPacket(termID, termOffset int32, buf []byte, transportIndex int32) {
	shift := img.Log.PositionBitsToShift()
	packetPosition := logbuf.ComputePosition(termID, img.Log.Meta.InitialTermID, shift, termOffset)

	lastSmWindowLimit := img.lastSmWindow.Load()
	if packetPosition >= lastSmWindowLimit {
		img.overrunCount.Inc()
		return
	}
	if packetPosition < img.lastSmPosition.Load() {
		// tolerated only if still within the window (late retransmit); §4.3 step 2
		if packetPosition+int64(len(buf)) < img.lastSmPosition.Load()-int64(img.CC.Threshold()) {
			img.underrunCount.Inc()
			return
		}
	}

	h := wire.AsHeader(buf)
	if h.Type() == wire.TypeData && h.HasFlag(wire.FlagEOS) && len(buf) == wire.HeaderLength {
		img.onEOSTransport(transportIndex, packetPosition)
	} else {
		img.Rebuilder.Insert(termID, termOffset, buf)
	}
	img.timeOfLastPkt.Store(loss.Now())
}

func (img *Image) onEOSTransport(transportIndex int32, position int64) {
	for {
		old := img.eosSeenMask.Load()
		nv := old | (1 << uint(transportIndex))
		if img.eosSeenMask.CAS(old, nv) {
			if nv&img.allTransports == img.allTransports {
				img.endOfStreamPosition.Store(position)
			}
			return
		}
	}
}

func (img *Image) IsEndOfStream() bool {
	return img.eosSeenMask.Load()&img.allTransports == img.allTransports
}

// AddTransport widens the set of transports this image expects an EOS
// marker from, called when a SETUP frame arrives on a destination the
// image did not know about yet (§4.4 "image exists => add the
// transport as an additional destination"). Owned by the single agent
// processing SETUP frames — not safe to call concurrently with itself.
func (img *Image) AddTransport(transportIndex int32) {
	img.allTransports |= 1 << uint(transportIndex)
}

// TrackRebuild runs on the Conductor (§4.3): scans the active term,
// consults congestion control, and — if any of {forced by CC, SM
// timeout elapsed, min-subscriber advanced past threshold} — schedules
// a status message via the two-counter release.
func (img *Image) TrackRebuild(nowNs int64, smTimeoutNs int64, lastSmSentNs int64) {
	limitPos := img.Rebuilder.HwmPosition() + 1 // scan up through anything observed
	scan := img.Rebuilder.Scan(limitPos)

	outcome := img.CC.OnTrackRebuild(nowNs, scan.RebuildPosition, scan.LossFound)

	advancedPastThreshold := scan.RebuildPosition-img.lastSmPosition.Load() >= int64(img.CC.Threshold())
	timedOut := nowNs-lastSmSentNs >= smTimeoutNs
	if outcome.ShouldForceSM || timedOut || advancedPastThreshold {
		shift := img.Log.PositionBitsToShift()
		termID := logbuf.ComputeTermID(scan.RebuildPosition, img.Log.Meta.InitialTermID, shift)
		termOffset := logbuf.ComputeTermOffset(scan.RebuildPosition, img.Log.Meta.TermLength)

		seq := img.pendingSM.Begin()
		img.pendingSM.Publish(seq, termID, termOffset, outcome.WindowLength)
		img.lastSmPosition.Store(scan.RebuildPosition)
		img.lastSmWindow.Store(scan.RebuildPosition + int64(outcome.WindowLength))
	}

	if scan.LossFound {
		img.processPendingLossScan(scan, nowNs)
	}
}

func (img *Image) processPendingLossScan(scan logbuf.RebuildResult, nowNs int64) {
	due := img.LossDet.Track(loss.ScanOutcome{Gaps: []loss.Gap{{TermID: scan.GapTermID, Offset: scan.GapOffset, Length: img.Log.Meta.MTULength}}}, nowNs)
	if len(due) == 0 {
		return
	}
	g := due[0]
	if !img.Reliable {
		img.tryFillGap(g)
		return
	}
	seq := img.pendingLoss.Begin()
	img.pendingLoss.Publish(seq, g.TermID, g.Offset, g.Length)
}

// tryFillGap fills an unreliable subscription's gap locally with a PAD
// instead of NAK'ing (§4.3).
func (img *Image) tryFillGap(g loss.Gap) {
	term := img.Log.TermAt(g.TermID)
	if int(g.Offset)+wire.HeaderLength > len(term.Buf) {
		return
	}
	h := wire.AsHeader(term.Buf[g.Offset : g.Offset+wire.HeaderLength])
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeData)
	h.SetFlags(wire.FlagPad)
	h.SetLength(g.Length)
	h.SetTermID(g.TermID)
	h.SetTermOffset(g.Offset)
	img.LossDet.Resolve(g.Offset)
}

// SendPendingStatusMessage runs on the Receiver (§4.3). emit is called
// with the SM fields to frame and transmit on every active transport.
func (img *Image) SendPendingStatusMessage(emit func(termID, termOffset, windowLength int32)) {
	termID, termOffset, windowLength, seq, ok := img.pendingSM.Consume(img.smSeqSeen)
	if !ok {
		return
	}
	img.smSeqSeen = seq
	emit(termID, termOffset, windowLength)
}

// ProcessPendingLoss runs on the Receiver (§4.3): emits a NAK for the
// latest published loss range, unless already resolved.
func (img *Image) ProcessPendingLoss(emit func(termID, termOffset, length int32)) {
	termID, termOffset, length, seq, ok := img.pendingLoss.Consume(img.lossSeqSeen)
	if !ok {
		return
	}
	img.lossSeqSeen = seq
	emit(termID, termOffset, length)
}

// HasActivityAndNotEndOfStream gates removal from the Receiver's
// dispatch list (§4.6).
func (img *Image) HasActivityAndNotEndOfStream(nowNs, livenessNs int64) bool {
	if img.IsEndOfStream() {
		return false
	}
	return nowNs-img.timeOfLastPkt.Load() < livenessNs
}

func (img *Image) IsDrained() bool {
	return img.Rebuilder.RebuildPosition() >= img.Rebuilder.HwmPosition()
}

// Tick advances ACTIVE->INACTIVE->LINGER->DONE.
func (img *Image) Tick(nowNs, livenessNs int64) {
	switch img.State() {
	case StateActive:
		if !img.HasActivityAndNotEndOfStream(nowNs, livenessNs) && img.IsDrained() {
			img.state.CAS(int32(StateActive), int32(StateInactive))
		}
	case StateInactive:
		img.state.CAS(int32(StateInactive), int32(StateLinger))
	case StateLinger:
		if nowNs-img.timeOfLastPkt.Load() >= livenessNs {
			img.state.CAS(int32(StateLinger), int32(StateDone))
		}
	}
}

func (img *Image) IsDone() bool { return img.State() == StateDone }

//
// untethered subscriptions (§4.3)
//

func (img *Image) AddUntethered(id int64, startPosition int64) {
	u := &untethered{state: UntetheredActive}
	u.position.Store(startPosition)
	img.untetheredSubs[id] = u
}

// TickUntethered cycles ACTIVE -> LINGER -> RESTING -> ACTIVE, and
// reports which subscribers currently participate in flow-control
// pacing (RESTING ones do not, per §4.3).
func (img *Image) TickUntethered(nowNs int64, windowLimitTimeoutNs, restingTimeoutNs int64) (pacing map[int64]int64) {
	pacing = make(map[int64]int64, len(img.untetheredSubs))
	maxPos := img.Rebuilder.HwmPosition()
	for id, u := range img.untetheredSubs {
		switch u.state {
		case UntetheredActive:
			if maxPos-u.position.Load() > int64(img.CC.Threshold())*4 {
				u.state, u.sinceNs = UntetheredLinger, nowNs
			}
		case UntetheredLinger:
			if nowNs-u.sinceNs >= windowLimitTimeoutNs {
				u.state, u.sinceNs = UntetheredResting, nowNs
			}
		case UntetheredResting:
			if nowNs-u.sinceNs >= restingTimeoutNs {
				u.state = UntetheredActive
			}
		}
		if u.state != UntetheredResting {
			pacing[id] = u.position.Load()
		}
	}
	return pacing
}
