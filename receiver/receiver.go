// Package receiver implements the Receiver agent (C8): drains its
// command queue, polls every registered data endpoint in one
// epoll-style pass, hands datagrams to the matching Dispatcher, then
// walks every tracked PublicationImage to emit pending status
// messages/NAKs and retire images that have gone quiet (§4.6).
// Grounded on the same `collector.run()` select/dispatch shape as
// `sender` (`transport/collect.go`), generalized from one HTTP stream
// table to the per-endpoint Dispatcher/Image tables of this driver.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package receiver

import (
	"encoding/binary"
	"net"

	"github.com/streamcast/mdriver/cnc"
	"github.com/streamcast/mdriver/dispatch"
	"github.com/streamcast/mdriver/memsys"
	"github.com/streamcast/mdriver/netio"
	"github.com/streamcast/mdriver/pubimage"
	"github.com/streamcast/mdriver/wire"
)

// EndpointID names one bound receive socket; a driver typically has
// one per distinct channel (unicast or multicast group).
type EndpointID int32

// Key identifies one image by stream/session, matching dispatch/sender.
type Key struct {
	StreamID, SessionID int32
}

// ImageFactory is consulted when the Dispatcher wants a new image
// created for a just-arrived SETUP (§4.4); in the real three-agent
// split this is a request to the Conductor. Single-process here: the
// driver wires this directly to conductor.CreateImage.
type ImageFactory func(epID EndpointID, streamID, sessionID int32, setup wire.SetupPayload, src *net.UDPAddr, nowNs int64) *pubimage.Image

type endpointState struct {
	ep         netio.Endpoint
	dispatcher *dispatch.Dispatcher
}

// Agent is the Receiver: one per driver, owning every receive
// endpoint's Dispatcher and every live PublicationImage.
type Agent struct {
	endpoints map[EndpointID]*endpointState
	images    map[Key]*pubimage.Image
	imageEP   map[Key]EndpointID
	imageSrc  map[Key]*net.UDPAddr // last-known sender address, SM/NAK destination
	imageOrder []Key

	cmdQueue *cnc.Ring
	errs     *cnc.ErrorLog
	factory  ImageFactory

	imageLivenessNs        int64
	smTimeoutNs            int64
	pendingSetupsTimeoutNs int64

	lastSmSentNs map[Key]int64

	// noInterestEvictionIntervalNs sizes the aging window
	// EvictAgedNoInterest buckets generations into; zero disables the
	// sweep. Self-paced off nowNs, the same idiom sender's
	// re-resolution sweep uses, since the Receiver owns no mutex and
	// runs on a single duty-cycle goroutine (no hk-style background
	// callback to race with it).
	noInterestEvictionIntervalNs int64
}

// Config carries the Receiver's fixed timeouts (§4.3, §4.4, §4.6).
type Config struct {
	CommandQueue           *cnc.Ring
	Errors                 *cnc.ErrorLog
	Factory                ImageFactory
	ImageLivenessNs        int64
	StatusMessageTimeoutNs int64
	PendingSetupsTimeoutNs int64

	// NoInterestEvictionIntervalNs paces the periodic age-based
	// eviction of NO_INTEREST dispatcher slots (§9 open question); zero
	// disables it.
	NoInterestEvictionIntervalNs int64
}

func New(cfg Config) *Agent {
	return &Agent{
		endpoints:              make(map[EndpointID]*endpointState),
		images:                 make(map[Key]*pubimage.Image),
		imageEP:                make(map[Key]EndpointID),
		imageSrc:               make(map[Key]*net.UDPAddr),
		cmdQueue:               cfg.CommandQueue,
		errs:                   cfg.Errors,
		factory:                cfg.Factory,
		imageLivenessNs:        cfg.ImageLivenessNs,
		smTimeoutNs:            cfg.StatusMessageTimeoutNs,
		pendingSetupsTimeoutNs: cfg.PendingSetupsTimeoutNs,
		lastSmSentNs:           make(map[Key]int64),

		noInterestEvictionIntervalNs: cfg.NoInterestEvictionIntervalNs,
	}
}

// RegisterEndpoint adds a data endpoint with its own routing table.
func (a *Agent) RegisterEndpoint(id EndpointID, ep netio.Endpoint) {
	a.endpoints[id] = &endpointState{ep: ep, dispatcher: dispatch.New(a.imageLivenessNs)}
}

func (a *Agent) AddSubscription(id EndpointID, streamID, sessionID int32, allSessions bool) {
	if es, ok := a.endpoints[id]; ok {
		es.dispatcher.AddSubscription(streamID, sessionID, allSessions)
	}
}

func (a *Agent) RemoveSubscription(id EndpointID, streamID, sessionID int32, allSessions bool) {
	if es, ok := a.endpoints[id]; ok {
		es.dispatcher.RemoveSubscription(streamID, sessionID, allSessions)
	}
}

// Images exposes the live image table read-only, for the Conductor's
// liveness sweeps and counters reporting.
func (a *Agent) Images() map[Key]*pubimage.Image { return a.images }

// DoWork runs one receiver duty cycle (§4.6): drain commands, poll
// every data endpoint once, route frames, then sweep images in
// reverse so unordered removal is safe. Returns frames processed.
func (a *Agent) DoWork(nowNs int64) int {
	a.drainCommands()

	processed := 0
	for id, es := range a.endpoints {
		processed += a.pollEndpoint(id, es, nowNs)
	}

	a.sweepImages(nowNs)
	a.sweepNoInterest(nowNs)
	return processed
}

// sweepNoInterest runs EvictAgedNoInterest across every endpoint's
// Dispatcher on every call, bucketing nowNs into
// noInterestEvictionIntervalNs-wide generations (§9 open question). The
// first sweep in a generation that finds a NO_INTEREST slot only marks
// it; a later sweep in the same generation that still finds it evicts
// it, which can be the very next call when that falls in the same
// window.
func (a *Agent) sweepNoInterest(nowNs int64) {
	if a.noInterestEvictionIntervalNs <= 0 {
		return
	}
	generation := uint64(nowNs / a.noInterestEvictionIntervalNs)
	for _, es := range a.endpoints {
		es.dispatcher.EvictAgedNoInterest(generation)
	}
}

func (a *Agent) pollEndpoint(id EndpointID, es *endpointState, nowNs int64) int {
	bufs := make([][]byte, 16)
	for i := range bufs {
		bufs[i] = memsys.DefaultMM.Alloc(1408)
	}
	defer func() {
		for _, buf := range bufs {
			memsys.DefaultMM.Free(buf)
		}
	}()
	pkts, err := es.ep.ReceiveBatch(bufs)
	if err != nil {
		if a.errs != nil {
			a.errs.Record(err)
		}
		return 0
	}
	for _, pkt := range pkts {
		a.onFrame(id, es, bufs[pkt.TransportIndex][:pkt.N], pkt, nowNs)
	}
	return len(pkts)
}

func (a *Agent) onFrame(id EndpointID, es *endpointState, buf []byte, pkt netio.Packet, nowNs int64) {
	if len(buf) < wire.HeaderLength {
		return
	}
	h := wire.AsHeader(buf[:wire.HeaderLength])
	streamID, sessionID := h.StreamID(), h.SessionID()

	switch h.Type() {
	case wire.TypeData:
		isEOS := h.HasFlag(wire.FlagEOS) && len(buf) == wire.HeaderLength
		action := es.dispatcher.OnData(streamID, sessionID, h.TermID(), h.TermOffset(), buf, pkt.TransportIndex, isEOS, nowNs)
		switch action {
		case dispatch.ActionElicitSetup:
			a.sendSetupElicitingSM(es, streamID, sessionID, pkt.From)
		case dispatch.ActionInserted:
			a.imageSrc[Key{streamID, sessionID}] = pkt.From
		}
	case wire.TypeSetup:
		switch es.dispatcher.OnSetup(streamID, sessionID) {
		case dispatch.SetupCreateImage:
			a.createImage(id, es, streamID, sessionID, buf, pkt.From, nowNs)
		case dispatch.SetupAddDestination:
			if img, ok := a.images[Key{streamID, sessionID}]; ok {
				img.AddTransport(pkt.TransportIndex)
			}
		}
	}
}

func (a *Agent) createImage(id EndpointID, es *endpointState, streamID, sessionID int32, buf []byte, src *net.UDPAddr, nowNs int64) {
	if a.factory == nil || len(buf) < wire.HeaderLength+wire.SetupPayloadLength {
		return
	}
	setup := wire.AsSetup(buf)
	img := a.factory(id, streamID, sessionID, setup, src, nowNs)
	if img == nil {
		return
	}
	key := Key{streamID, sessionID}
	img.Activate()
	a.images[key] = img
	a.imageEP[key] = id
	a.imageSrc[key] = src
	a.imageOrder = append(a.imageOrder, key)
	es.dispatcher.BindImage(streamID, sessionID, img)
}

// sendSetupElicitingSM emits an SM with FlagSetup toward src, eliciting
// the SETUP handshake the Dispatcher is now waiting on (§4.4).
func (a *Agent) sendSetupElicitingSM(es *endpointState, streamID, sessionID int32, src *net.UDPAddr) {
	total := wire.HeaderLength + wire.SMPayloadLength
	buf := make([]byte, total)
	h := wire.AsHeader(buf)
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeSM)
	h.SetFlags(wire.FlagSetup)
	h.SetLength(int32(total))
	h.SetStreamID(streamID)
	h.SetSessionID(sessionID)
	if _, err := es.ep.Send(buf, src); err != nil && a.errs != nil {
		a.errs.Record(err)
	}
}

// sweepImages iterates in reverse so a removal (swap-with-last) never
// skips the next element, matching the teacher's own swap-delete idiom
// used across this codebase for unordered slice removal.
func (a *Agent) sweepImages(nowNs int64) {
	for i := len(a.imageOrder) - 1; i >= 0; i-- {
		key := a.imageOrder[i]
		img, ok := a.images[key]
		if !ok {
			a.removeImageAt(i)
			continue
		}

		img.SendPendingStatusMessage(func(termID, termOffset, windowLength int32) {
			a.emitStatusMessage(key, termID, termOffset, windowLength)
			a.lastSmSentNs[key] = nowNs
		})
		img.ProcessPendingLoss(func(termID, termOffset, length int32) {
			a.emitNak(key, termID, termOffset, length)
		})

		if !img.HasActivityAndNotEndOfStream(nowNs, a.imageLivenessNs) {
			epID := a.imageEP[key]
			if es, ok := a.endpoints[epID]; ok {
				es.dispatcher.OnImageRemoved(key.StreamID, key.SessionID, nowNs)
			}
			delete(a.images, key)
			delete(a.imageEP, key)
			delete(a.imageSrc, key)
			delete(a.lastSmSentNs, key)
			a.removeImageAt(i)
		}
	}
}

func (a *Agent) removeImageAt(i int) {
	last := len(a.imageOrder) - 1
	a.imageOrder[i] = a.imageOrder[last]
	a.imageOrder = a.imageOrder[:last]
}

func (a *Agent) emitStatusMessage(key Key, termID, termOffset, windowLength int32) {
	es, dst, ok := a.destinationFor(key)
	if !ok {
		return
	}
	total := wire.HeaderLength + wire.SMPayloadLength
	buf := make([]byte, total)
	h := wire.AsHeader(buf)
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeSM)
	h.SetLength(int32(total))
	h.SetStreamID(key.StreamID)
	h.SetSessionID(key.SessionID)
	sm := wire.AsSM(buf)
	sm.SetTermID(termID)
	sm.SetTermOffset(termOffset)
	sm.SetReceiverWindowLength(windowLength)
	sm.SetReceiverID(int64(key.SessionID)) // stand-in receiver identity: this process has one receiver per session

	if _, err := es.ep.Send(buf, dst); err != nil && a.errs != nil {
		a.errs.Record(err)
	}
}

func (a *Agent) emitNak(key Key, termID, termOffset, length int32) {
	es, dst, ok := a.destinationFor(key)
	if !ok {
		return
	}
	total := wire.HeaderLength + wire.NakPayloadLength
	buf := make([]byte, total)
	h := wire.AsHeader(buf)
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeNak)
	h.SetLength(int32(total))
	h.SetStreamID(key.StreamID)
	h.SetSessionID(key.SessionID)
	nak := wire.AsNak(buf)
	nak.SetTermID(termID)
	nak.SetTermOffset(termOffset)
	nak.SetLength(length)

	if _, err := es.ep.Send(buf, dst); err != nil && a.errs != nil {
		a.errs.Record(err)
	}
}

func (a *Agent) destinationFor(key Key) (*endpointState, *net.UDPAddr, bool) {
	epID, ok := a.imageEP[key]
	if !ok {
		return nil, nil, false
	}
	es, ok := a.endpoints[epID]
	if !ok {
		return nil, nil, false
	}
	dst, ok := a.imageSrc[key]
	if !ok {
		return nil, nil, false
	}
	return es, dst, true
}

// drainCommands applies pending add/remove subscription commands (§4.4,
// issued by the Conductor over the command ring). Payload shape for
// both message types: endpointID(int32) + streamID(int32) +
// sessionID(int32) + allSessions(byte, nonzero = wildcard subscription).
func (a *Agent) drainCommands() {
	if a.cmdQueue == nil {
		return
	}
	a.cmdQueue.Read(func(msgTypeID int32, msg []byte) {
		switch msgTypeID {
		case cnc.MsgAddSubscription:
			id, streamID, sessionID, allSessions, ok := decodeSubscriptionCommand(msg)
			if ok {
				a.AddSubscription(id, streamID, sessionID, allSessions)
			}
		case cnc.MsgRemoveSubscription:
			id, streamID, sessionID, allSessions, ok := decodeSubscriptionCommand(msg)
			if ok {
				a.RemoveSubscription(id, streamID, sessionID, allSessions)
			}
		}
	})
}

func decodeSubscriptionCommand(msg []byte) (id EndpointID, streamID, sessionID int32, allSessions, ok bool) {
	if len(msg) < 13 {
		return 0, 0, 0, false, false
	}
	id = EndpointID(int32(binary.LittleEndian.Uint32(msg[0:])))
	streamID = int32(binary.LittleEndian.Uint32(msg[4:]))
	sessionID = int32(binary.LittleEndian.Uint32(msg[8:]))
	allSessions = msg[12] != 0
	return id, streamID, sessionID, allSessions, true
}

// PendingSetupTimeouts returns the (streamID, sessionID) Key of
// every PENDING_SETUP_FRAME session, across all endpoints, that has waited longer than
// pendingSetupsTimeoutNs without an answering SETUP (§4.6
// initiateAnyRttMeasurements's sibling sweep).
func (a *Agent) PendingSetupTimeouts(nowNs int64) []Key {
	var due []Key
	for _, es := range a.endpoints {
		for key, since := range es.dispatcher.PendingSetups {
			if nowNs-since >= a.pendingSetupsTimeoutNs {
				due = append(due, Key{key.StreamID(), key.SessionID()})
			}
		}
	}
	return due
}
