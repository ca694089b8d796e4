// Package dispatch implements the Data Packet Dispatcher (C6): one
// per receive endpoint, mapping (streamID, sessionID) to an image or
// to a pending-setup handshake (§4.4).
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package dispatch

import (
	"github.com/streamcast/mdriver/cmn/prob"
)

// SessionState is the per-session slot state machine (§3).
type SessionState int32

const (
	SessionActive SessionState = iota
	SessionPendingSetupFrame
	SessionInitInProgress
	SessionOnCoolDown
	SessionNoInterest
)

// Image is the minimal interface dispatch needs from a publication
// image, implemented by pubimage.Image.
type Image interface {
	InsertPacket(termID, termOffset int32, buf []byte, transportIndex int32)
}

type sessionSlot struct {
	state       SessionState
	image       Image
	coolDownEnd int64
}

// StreamInterest holds one stream's subscription state: which
// sessions are wanted, and the per-session dispatch state.
type StreamInterest struct {
	isAllSessions        bool
	subscribedSessionIDs map[int32]bool
	sessions             map[int32]*sessionSlot

	noInterestAges *prob.Filter // backs periodic age-based eviction, see below
}

func newStreamInterest() *StreamInterest {
	return &StreamInterest{
		subscribedSessionIDs: make(map[int32]bool),
		sessions:             make(map[int32]*sessionSlot),
		noInterestAges:       prob.NewDefault(1024, 0.01),
	}
}

// Dispatcher is the one-per-receive-endpoint routing table.
type Dispatcher struct {
	imageLivenessNs int64
	streams         map[int32]*StreamInterest

	// PendingSetups is read by the Receiver agent to time out
	// unanswered setup elicitations (§4.6).
	PendingSetups map[sessionKey]int64
}

type sessionKey struct {
	streamID, sessionID int32
}

// StreamID/SessionID let callers outside this package — the Receiver,
// sweeping PendingSetups for a timeout — read an opaque key's fields
// without this package exporting the key type itself.
func (k sessionKey) StreamID() int32  { return k.streamID }
func (k sessionKey) SessionID() int32 { return k.sessionID }

func New(imageLivenessNs int64) *Dispatcher {
	return &Dispatcher{
		imageLivenessNs: imageLivenessNs,
		streams:         make(map[int32]*StreamInterest),
		PendingSetups:   make(map[sessionKey]int64),
	}
}

// AddSubscription/RemoveSubscription mutate isAllSessions /
// subscribedSessionIDs (§4.4) and garbage-collect NO_INTEREST slots
// that become wanted.
func (d *Dispatcher) AddSubscription(streamID int32, sessionID int32, allSessions bool) {
	si := d.stream(streamID)
	if allSessions {
		si.isAllSessions = true
		for id, slot := range si.sessions {
			if slot.state == SessionNoInterest {
				delete(si.sessions, id)
			}
		}
		return
	}
	si.subscribedSessionIDs[sessionID] = true
	if slot, ok := si.sessions[sessionID]; ok && slot.state == SessionNoInterest {
		delete(si.sessions, sessionID)
	}
}

func (d *Dispatcher) RemoveSubscription(streamID int32, sessionID int32, allSessions bool) {
	si, ok := d.streams[streamID]
	if !ok {
		return
	}
	if allSessions {
		si.isAllSessions = false
	} else {
		delete(si.subscribedSessionIDs, sessionID)
	}
	if !si.isAllSessions && len(si.subscribedSessionIDs) == 0 {
		delete(d.streams, streamID)
	}
}

func (d *Dispatcher) stream(streamID int32) *StreamInterest {
	si, ok := d.streams[streamID]
	if !ok {
		si = newStreamInterest()
		d.streams[streamID] = si
	}
	return si
}

// DataAction tells the Receiver what to do after OnData routes a frame.
type DataAction int

const (
	ActionDrop DataAction = iota
	ActionInserted
	ActionElicitSetup
)

// OnData processes one inbound DATA frame for (streamID, sessionID)
// (§4.4). isEOS indicates the frame is a zero-body EOS marker.
func (d *Dispatcher) OnData(streamID, sessionID int32, termID, termOffset int32, buf []byte, transportIndex int32, isEOS bool, nowNs int64) DataAction {
	si, ok := d.streams[streamID]
	if !ok {
		return ActionDrop
	}
	slot, ok := si.sessions[sessionID]
	if ok && slot.image != nil {
		slot.image.InsertPacket(termID, termOffset, buf, transportIndex)
		return ActionInserted
	}
	if ok && slot.state == SessionOnCoolDown {
		if nowNs < slot.coolDownEnd {
			return ActionDrop
		}
		delete(si.sessions, sessionID)
	}
	if isEOS {
		return ActionDrop
	}
	if si.isAllSessions || si.subscribedSessionIDs[sessionID] {
		si.sessions[sessionID] = &sessionSlot{state: SessionPendingSetupFrame}
		key := sessionKey{streamID, sessionID}
		d.PendingSetups[key] = nowNs
		return ActionElicitSetup
	}
	si.sessions[sessionID] = &sessionSlot{state: SessionNoInterest}
	return ActionDrop
}

// SetupAction tells the caller what to do with an inbound SETUP frame.
type SetupAction int

const (
	SetupIgnore SetupAction = iota
	SetupCreateImage
	SetupAddDestination
)

// OnSetup processes an inbound SETUP frame (§4.4).
func (d *Dispatcher) OnSetup(streamID, sessionID int32) SetupAction {
	si, ok := d.streams[streamID]
	if !ok {
		return SetupIgnore
	}
	slot, ok := si.sessions[sessionID]
	if !ok {
		return SetupIgnore
	}
	if slot.image != nil {
		return SetupAddDestination
	}
	if slot.state == SessionPendingSetupFrame {
		slot.state = SessionInitInProgress
		delete(d.PendingSetups, sessionKey{streamID, sessionID})
		return SetupCreateImage
	}
	return SetupIgnore
}

// BindImage attaches the created image to its session slot, moving it
// to ACTIVE.
func (d *Dispatcher) BindImage(streamID, sessionID int32, img Image) {
	si := d.stream(streamID)
	slot, ok := si.sessions[sessionID]
	if !ok {
		slot = &sessionSlot{}
		si.sessions[sessionID] = slot
	}
	slot.image = img
	slot.state = SessionActive
}

// OnImageRemoved marks the session ON_COOL_DOWN so the same
// (stream, session) does not immediately re-create an image while old
// frames drain (§4.4).
func (d *Dispatcher) OnImageRemoved(streamID, sessionID int32, nowNs int64) {
	si, ok := d.streams[streamID]
	if !ok {
		return
	}
	si.sessions[sessionID] = &sessionSlot{state: SessionOnCoolDown, coolDownEnd: nowNs + d.imageLivenessNs}
}

// SessionStateOf reports a session's current dispatch state, used by
// tests and Scenario D.
func (d *Dispatcher) SessionStateOf(streamID, sessionID int32) (SessionState, bool) {
	si, ok := d.streams[streamID]
	if !ok {
		return 0, false
	}
	slot, ok := si.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return slot.state, true
}

// EvictAgedNoInterest drops NO_INTEREST slots still present the next
// time they're observed within the same generation, using a
// probabilistic filter instead of an unbounded map so a long-running
// driver facing adversarial stream/session ranges does not grow
// memory without bound (§9 open question: "a periodic age-based
// eviction is advisable but not specified"). The caller buckets nowNs
// into a generation id wider than its own call cadence, so a slot gets
// one grace observation per generation before it's evicted; it sweeps
// every stream this Dispatcher knows about.
func (d *Dispatcher) EvictAgedNoInterest(generation uint64) {
	for _, si := range d.streams {
		for sessionID, slot := range si.sessions {
			if slot.state != SessionNoInterest {
				continue
			}
			key := uint64(uint32(sessionID)) ^ generation
			if si.noInterestAges.Lookup(key) {
				delete(si.sessions, sessionID) // already seen earlier in this generation: evict
				continue
			}
			si.noInterestAges.Add(key)
		}
	}
}
