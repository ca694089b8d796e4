// Package sender implements the Sender agent (C7): round-robin
// transmission over every live NetworkPublication, interleaved with
// command-queue drains and periodic polls of the control transport
// for inbound SM/NAK/RTTM (§4.5). Grounded on the teacher's
// round-robin duty-cycle shape in `transport/collect.go`'s stream
// collector loop, adapted from HTTP stream multiplexing to UDP
// datagram fan-out.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package sender

import (
	"fmt"
	"net"

	"github.com/streamcast/mdriver/cmn/nlog"
	"github.com/streamcast/mdriver/cnc"
	"github.com/streamcast/mdriver/counters"
	"github.com/streamcast/mdriver/logbuf"
	"github.com/streamcast/mdriver/mdc"
	"github.com/streamcast/mdriver/memsys"
	"github.com/streamcast/mdriver/netio"
	"github.com/streamcast/mdriver/netpub"
	"github.com/streamcast/mdriver/wire"
)

// Key identifies one publication by stream/session, matching the
// dispatch/pubimage key shape.
type Key struct {
	StreamID, SessionID int32
}

// entry bundles one publication with its send-side plumbing: the
// fan-out destination group, the data-plane endpoint it sends on, and
// the counters tracking its progress.
type entry struct {
	pub        *netpub.NetworkPublication
	dest       *mdc.Group
	dataEP     netio.Endpoint
	senderPos  *counters.Cell
	senderLim  *counters.Cell
	shortSends *counters.Cell

	// retryAfterNs holds this publication's sends back until nowNs
	// reaches it, set from netpub.OnShortSend's bounded exponential
	// backoff so a congested socket doesn't spin the duty cycle.
	retryAfterNs int64
}

// Agent is the Sender: one per driver, owns every outbound
// NetworkPublication's send-side state and the control endpoints it
// polls for feedback frames.
type Agent struct {
	order   []Key
	byKey   map[Key]*entry
	roundRobinIndex int

	controlEP netio.Endpoint
	cmdQueue  *cnc.Ring
	errs      *cnc.ErrorLog
	countersReg *counters.Registry

	dutyCycleRatio           int64
	statusMessageReadTimeoutNs int64
	reResolveIntervalNs      int64
	onReResolveDue           func(nowNs int64, due []*mdc.Destination)

	iterations          int64
	controlPollDeadline int64
	lastReResolveNs     int64

	scratch [2048]byte
}

// Config carries the duty-cycle tunables of §4.5.
type Config struct {
	ControlEndpoint            netio.Endpoint
	CommandQueue               *cnc.Ring
	Errors                     *cnc.ErrorLog
	Counters                   *counters.Registry
	DutyCycleRatio             int64 // poll control every N iterations even with no forcing condition
	StatusMessageReadTimeoutNs int64
	ReResolveIntervalNs        int64

	// OnReResolveDue receives every Manual destination overdue for
	// re-resolution (§4.5); the driver does the lookups (in the name
	// resolver's table, with singleflight collapsing), so sender only
	// reports which destinations need a fresh address.
	OnReResolveDue func(nowNs int64, due []*mdc.Destination)
}

func New(cfg Config) *Agent {
	return &Agent{
		byKey:                      make(map[Key]*entry),
		controlEP:                  cfg.ControlEndpoint,
		cmdQueue:                   cfg.CommandQueue,
		errs:                       cfg.Errors,
		countersReg:                cfg.Counters,
		dutyCycleRatio:             cfg.DutyCycleRatio,
		statusMessageReadTimeoutNs: cfg.StatusMessageReadTimeoutNs,
		reResolveIntervalNs:        cfg.ReResolveIntervalNs,
		onReResolveDue:             cfg.OnReResolveDue,
	}
}

// AddPublication registers a new outbound stream. It is called
// directly; the command queue carries no add-publication message (see
// drainCommands).
func (a *Agent) AddPublication(key Key, pub *netpub.NetworkPublication, policy mdc.Policy, destinationTimeoutNs int64, dataEP netio.Endpoint) {
	e := &entry{pub: pub, dest: mdc.New(policy, destinationTimeoutNs), dataEP: dataEP}
	if a.countersReg != nil {
		e.senderPos = a.countersReg.Allocate(counters.SenderPosition, "")
		e.senderLim = a.countersReg.Allocate(counters.SenderLimit, "")
		e.shortSends = a.countersReg.Allocate(counters.SenderBPE, "")
	}
	a.byKey[key] = e
	a.order = append(a.order, key)
}

func (a *Agent) RemovePublication(key Key) {
	if e, ok := a.byKey[key]; ok {
		if a.countersReg != nil {
			release(a.countersReg, e.senderPos, e.senderLim, e.shortSends)
		}
		delete(a.byKey, key)
		for i, k := range a.order {
			if k == key {
				a.order = append(a.order[:i], a.order[i+1:]...)
				break
			}
		}
	}
}

func release(reg *counters.Registry, cells ...*counters.Cell) {
	for _, c := range cells {
		if c != nil {
			reg.Release(c.ID)
		}
	}
}

func (a *Agent) AddDestination(key Key, addr net.UDPAddr, nowNs int64) {
	if e, ok := a.byKey[key]; ok {
		e.dest.Add(addr, nowNs)
	}
}

func (a *Agent) RemoveDestination(key Key, addr net.UDPAddr) {
	if e, ok := a.byKey[key]; ok {
		e.dest.Remove(addr)
	}
}

// DoWork runs one duty cycle: drain commands, round-robin send across
// every publication, and conditionally poll the control transport
// (§4.5). Returns the number of bytes sent this cycle.
func (a *Agent) DoWork(nowNs int64, publisherPositionOf func(Key) int64) int64 {
	a.drainCommands()

	var bytesSent int64
	n := len(a.order)
	for i := 0; i < n; i++ {
		idx := (a.roundRobinIndex + i) % n
		key := a.order[idx]
		bytesSent += a.send(key, a.byKey[key], nowNs, publisherPositionOf(key))
	}
	if n > 0 {
		a.roundRobinIndex = (a.roundRobinIndex + 1) % n
	}

	a.iterations++
	shouldPoll := bytesSent == 0 || nowNs >= a.controlPollDeadline ||
		(a.dutyCycleRatio > 0 && a.iterations%a.dutyCycleRatio == 0)
	if shouldPoll {
		a.pollControl(nowNs)
		a.controlPollDeadline = nowNs + a.statusMessageReadTimeoutNs/2
	}

	if a.reResolveIntervalNs > 0 && nowNs-a.lastReResolveNs >= a.reResolveIntervalNs {
		if due := a.reResolve(nowNs); len(due) > 0 && a.onReResolveDue != nil {
			a.onReResolveDue(nowNs, due)
		}
		a.lastReResolveNs = nowNs
	}

	return bytesSent
}

func (a *Agent) send(key Key, e *entry, nowNs, publisherPosition int64) int64 {
	if e == nil {
		return 0
	}
	if nowNs < e.retryAfterNs {
		return 0
	}
	var sent int64

	chunks := e.pub.NextChunks(publisherPosition)
	for _, chunk := range chunks {
		sent += a.fanOut(e, chunk.Data, nowNs)
	}

	if len(chunks) == 0 && e.pub.ShouldHeartbeat(nowNs) {
		buf := a.scratch[:wire.HeaderLength]
		netpub.FrameHeartbeat(buf, key.StreamID, key.SessionID, 0, 0)
		sent += a.fanOut(e, buf, nowNs)
		e.pub.MarkHeartbeat(nowNs)
	}
	if e.pub.ShouldSetup(nowNs) {
		total := wire.HeaderLength + wire.SetupPayloadLength
		buf := a.scratch[:total]
		netpub.FrameSetup(buf, key.StreamID, key.SessionID, 0, 0, 0, int32(e.pub.Log.Meta.TermLength), e.pub.Log.Meta.MTULength, 0)
		sent += a.fanOut(e, buf, nowNs)
		e.pub.MarkSetup(nowNs)
	}

	if e.senderPos != nil {
		e.senderPos.Set(e.pub.SenderPosition())
	}
	if e.senderLim != nil {
		e.senderLim.Set(e.pub.SenderLimit())
	}
	return sent
}

// fanOut writes buf to every active destination in e's group, via the
// publication's data endpoint (§4.10: send-side MDC fan-out).
func (a *Agent) fanOut(e *entry, buf []byte, nowNs int64) int64 {
	var sent int64
	for _, dest := range e.dest.Active() {
		d := dest.Addr
		n, err := e.dataEP.Send(buf, &d)
		if err != nil {
			a.onSendError(e, err)
			continue
		}
		if n < len(buf) {
			backoffNs, giveUp := e.pub.OnShortSend()
			if e.shortSends != nil {
				e.shortSends.Add(1)
			}
			e.retryAfterNs = nowNs + backoffNs
			if giveUp && a.errs != nil {
				a.errs.Record(errShortSendExhausted(e))
			}
			continue
		}
		e.pub.ResetShortSendRetries()
		sent += int64(n)
	}
	return sent
}

func (a *Agent) onSendError(e *entry, err error) {
	if a.errs != nil {
		a.errs.Record(err)
	}
	if e.dataEP.Status() == netio.StatusErrored {
		nlog.Warningf("sender: data endpoint errored: %v", err)
	}
}

// drainCommands applies every pending remove-publication and
// remove-destination command queued by the Conductor (§4.5); other
// message types are ignored.
func (a *Agent) drainCommands() {
	if a.cmdQueue == nil {
		return
	}
	a.cmdQueue.Read(func(msgTypeID int32, msg []byte) {
		switch msgTypeID {
		case cnc.MsgRemovePublication:
			if key, ok := decodeKey(msg); ok {
				a.RemovePublication(key)
			}
		case cnc.MsgRemoveDestination:
			if key, addr, ok := decodeKeyAddr(msg); ok {
				a.RemoveDestination(key, addr)
			}
		}
	})
}

// pollControl drains the control endpoint and dispatches each frame
// to its publication (§4.2 onStatusMessage/onNak/onRttMeasurement).
func (a *Agent) pollControl(nowNs int64) {
	if a.controlEP == nil {
		return
	}
	bufs := make([][]byte, 8)
	for i := range bufs {
		bufs[i] = memsys.DefaultMM.Alloc(1408)
	}
	defer func() {
		for _, buf := range bufs {
			memsys.DefaultMM.Free(buf)
		}
	}()
	pkts, err := a.controlEP.ReceiveBatch(bufs)
	if err != nil {
		if a.errs != nil {
			a.errs.Record(err)
		}
		return
	}
	for _, pkt := range pkts {
		a.onControlFrame(bufs[pkt.TransportIndex][:pkt.N], pkt, nowNs)
	}
}

func (a *Agent) onControlFrame(buf []byte, pkt netio.Packet, nowNs int64) {
	if len(buf) < wire.HeaderLength {
		return
	}
	h := wire.AsHeader(buf[:wire.HeaderLength])
	key := Key{StreamID: h.StreamID(), SessionID: h.SessionID()}
	e, ok := a.byKey[key]
	if !ok {
		return
	}
	switch h.Type() {
	case wire.TypeSM:
		if len(buf) < wire.HeaderLength+wire.SMPayloadLength {
			return
		}
		sm := wire.AsSM(buf)
		pos := computePositionFromSM(e, sm)
		e.pub.OnStatusMessage(sm.ReceiverID(), pos, sm.GroupTag() != 0, nowNs)
		e.dest.OnStatusMessage(*pkt.From, sm.ReceiverID(), nowNs)
		if h.HasFlag(wire.FlagSetup) {
			e.pub.AckSetup()
		}
	case wire.TypeNak:
		if len(buf) < wire.HeaderLength+wire.NakPayloadLength {
			return
		}
		nak := wire.AsNak(buf)
		for _, chunk := range e.pub.Retransmit(nak.TermID(), nak.TermOffset(), nak.Length()) {
			if _, err := e.dataEP.Send(chunk.Data, pkt.From); err != nil && a.errs != nil {
				a.errs.Record(err)
			}
		}
	case wire.TypeRTTM:
		if len(buf) < wire.HeaderLength+wire.RttmPayloadLength {
			return
		}
		rttm := wire.AsRttm(buf)
		if h.HasFlag(wire.FlagReply) {
			// reply arrived for our own probe: nothing further to do,
			// the measurement itself lives in receiver-side CC.
			return
		}
		a.replyRTTM(e, rttm, pkt.From)
	}
}

func (a *Agent) replyRTTM(e *entry, in wire.RttmPayload, dst *net.UDPAddr) {
	total := wire.HeaderLength + wire.RttmPayloadLength
	buf := a.scratch[:total]
	h := wire.AsHeader(buf)
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeRTTM)
	h.SetFlags(wire.FlagReply)
	h.SetLength(int32(total))
	out := wire.AsRttm(buf)
	out.SetEchoTimestamp(in.EchoTimestamp())
	out.SetReceiverID(in.ReceiverID())
	e.dataEP.Send(buf, dst)
}

// computePositionFromSM folds an SM's (termID, termOffset) into an
// absolute position using the publication's own log geometry.
func computePositionFromSM(e *entry, sm wire.SMPayload) int64 {
	shift := e.pub.Log.PositionBitsToShift()
	return logbuf.ComputePosition(sm.TermID(), e.pub.Log.Meta.InitialTermID, shift, sm.TermOffset())
}

// reResolve asks every Manual destination overdue for re-resolution
// to swap in a freshly-resolved address (§4.5). Left as a hook: the
// lookup itself is done by the driver (a name-resolver table lookup
// with singleflight collapsing); sender only surfaces which
// destinations are due.
func (a *Agent) reResolve(nowNs int64) []*mdc.Destination {
	var due []*mdc.Destination
	for _, e := range a.byKey {
		due = append(due, e.dest.NeedsReResolution(nowNs)...)
	}
	return due
}

func decodeKey(msg []byte) (Key, bool) {
	if len(msg) < 8 {
		return Key{}, false
	}
	return Key{StreamID: int32(le32(msg[0:])), SessionID: int32(le32(msg[4:]))}, true
}

func decodeKeyAddr(msg []byte) (Key, net.UDPAddr, bool) {
	key, ok := decodeKey(msg)
	if !ok || len(msg) < 14 {
		return Key{}, net.UDPAddr{}, false
	}
	ip := net.IP(msg[8:12])
	port := int(le32(msg[12:]))
	return key, net.UDPAddr{IP: ip, Port: port}, true
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func errShortSendExhausted(e *entry) error {
	return &shortSendError{stream: e.pub.StreamID, session: e.pub.SessionID}
}

type shortSendError struct {
	stream, session int32
}

func (e *shortSendError) Error() string {
	return fmt.Sprintf("sender: short-send retries exhausted for stream=%d session=%d, giving up publication", e.stream, e.session)
}
