// Package conductor implements the Conductor agent (C9): client
// command handling (channel-URI parsing owned here per dispatch/
// receiver's own comments), publication lifecycle and session-id
// allocation, image creation on the Receiver's behalf, back-pressure
// unblock, and client/publication liveness sweeps. Grounded on the
// teacher's `housekeeper`/periodic-callback idiom for the sweep
// cadence (`hk`) and on its correlation-id minting (`cmn/cos.GenUUID`)
// for client registration ids.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package conductor

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"github.com/streamcast/mdriver/cmn/cos"
	"github.com/streamcast/mdriver/cmn/mono"
	"github.com/streamcast/mdriver/cnc"
	"github.com/streamcast/mdriver/counters"
	"github.com/streamcast/mdriver/flowctrl"
	"github.com/streamcast/mdriver/hk"
	"github.com/streamcast/mdriver/logbuf"
	"github.com/streamcast/mdriver/loss"
	"github.com/streamcast/mdriver/netpub"
	"github.com/streamcast/mdriver/pubimage"
	"github.com/streamcast/mdriver/receiver"
	"github.com/streamcast/mdriver/wire"
)

// ReservedSessionIDMax is the top of the reserved session-id range
// (§4.8 "allocate ... outside a reserved range"): ids below this are
// never handed to a client, left free for internal/diagnostic use.
const ReservedSessionIDMax = 1000

var initShortIDOnce sync.Once

// Client is one registered client process, tracked only for the
// liveness sweep (§4.8 clientLivenessTimeoutNs).
type Client struct {
	ID              string
	LastKeepaliveNs int64
}

// PublicationKey identifies one Conductor-owned publication. A
// (channel, streamID) pair may carry several concurrent publications
// as long as each has a distinct session id (session multiplexing);
// the session id is therefore part of the key, not just a field on
// the entry it maps to.
type PublicationKey struct {
	Channel   string
	StreamID  int32
	SessionID int32
}

// sessionKey identifies a publication the way sender/receiver/dispatch
// do, by (streamID, sessionID); the Conductor's primary index is
// PublicationKey (channel, streamID, sessionID) instead, so this is a
// secondary lookup used only for publisherPositionOf (§4.5's
// NextChunks limit).
type sessionKey struct {
	StreamID, SessionID int32
}

type publicationEntry struct {
	pub        *netpub.NetworkPublication
	log        *logbuf.Log
	sessionID  int32
	counterIDs []int32

	lastPosition int64
	lastMoveNs   int64
}

// ChannelParams is the decoded form of an `aeron:udp?key=value|...`
// channel URI (§6). Parsing this lives in the Conductor, not the
// Receiver/Dispatcher, per their own division-of-labor comments.
type ChannelParams struct {
	Endpoint   string
	Interface  string
	TTL        int
	MTU        int32
	TermLength int64
	SessionID  int32 // 0 if the client did not pin an explicit id
	Reliable   bool
	Tags       string
}

// ParseChannelURI decodes a channel string of the form
// "aeron:udp?endpoint=host:port|term-length=N|mtu=N|ttl=N|session-id=N|reliable=false|interface=ip|tags=t".
// Unknown parameters are accepted and ignored (forward compatibility,
// matching the real driver's URI parameter table being a superset of
// what any one version understands).
func ParseChannelURI(raw string) (ChannelParams, error) {
	const prefix = "aeron:udp?"
	if !strings.HasPrefix(raw, prefix) {
		return ChannelParams{}, errors.Errorf("conductor: channel URI %q missing %q prefix", raw, prefix)
	}
	p := ChannelParams{MTU: 1408, TermLength: 64 * 1024, Reliable: true}
	for _, kv := range strings.Split(raw[len(prefix):], "|") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return ChannelParams{}, errors.Errorf("conductor: malformed channel URI parameter %q in %q", kv, raw)
		}
		key, value := parts[0], parts[1]
		var err error
		switch key {
		case "endpoint":
			p.Endpoint = value
		case "interface":
			p.Interface = value
		case "tags":
			p.Tags = value
		case "reliable":
			p.Reliable = value != "false"
		case "ttl":
			p.TTL, err = strconv.Atoi(value)
		case "mtu":
			var n int
			n, err = strconv.Atoi(value)
			p.MTU = int32(n)
		case "term-length":
			p.TermLength, err = strconv.ParseInt(value, 10, 64)
		case "session-id":
			var n int
			n, err = strconv.Atoi(value)
			p.SessionID = int32(n)
		}
		if err != nil {
			return ChannelParams{}, errors.Wrapf(err, "conductor: invalid value for %q in channel URI %q", key, raw)
		}
	}
	if p.Endpoint == "" {
		return ChannelParams{}, errors.Errorf("conductor: channel URI %q missing endpoint", raw)
	}
	return p, nil
}

// Config carries the Conductor's fixed timeouts and shared resources
// (§4.8, §6).
type Config struct {
	CommandQueue *cnc.Ring
	Responses    *cnc.Broadcast
	Errors       *cnc.ErrorLog
	Counters     *counters.Registry

	ClientLivenessTimeoutNs     int64
	PublicationUnblockTimeoutNs int64
	PublicationLingerTimeoutNs  int64

	HeartbeatIntervalNs int64
	SetupIntervalNs     int64
	ReceiverTimeoutNs   int64
	NakDelayNs          int64
	InitialWindowLength int32
	Reliable            bool

	// ShortIDSeed seeds both client-registration id generation
	// (cmn/cos) and session-id allocation; pass a process-unique value
	// (e.g. derived from start time and PID).
	ShortIDSeed uint64

	// LivenessSweepInterval paces the hk-registered liveness job;
	// defaults to 200ms if zero.
	LivenessSweepInterval time.Duration
}

// Agent is the Conductor: client registry, publication registry and
// session-id allocator, and the distinct-error log's owner.
type Agent struct {
	mu sync.Mutex

	cmdQueue  *cnc.Ring
	responses *cnc.Broadcast
	errs      *cnc.ErrorLog
	countersReg *counters.Registry

	clients map[string]*Client

	sessionIDsInUse map[uint64]map[int32]bool
	publications    map[PublicationKey]*publicationEntry
	bySession       map[sessionKey]*publicationEntry

	clientLivenessTimeoutNs     int64
	publicationUnblockTimeoutNs int64
	publicationLingerTimeoutNs  int64

	heartbeatIntervalNs int64
	setupIntervalNs     int64
	receiverTimeoutNs   int64
	nakDelayNs          int64
	initialWindowLength int32
	reliable            bool

	rnd *rand.Rand

	unblockedCounter *counters.Cell

	hkName string
}

// New constructs a Conductor and registers its liveness sweep with hk
// (§1.6); call Stop to unregister it on shutdown.
func New(cfg Config) *Agent {
	initShortIDOnce.Do(func() { cos.InitShortID(cfg.ShortIDSeed) })

	a := &Agent{
		cmdQueue:    cfg.CommandQueue,
		responses:   cfg.Responses,
		errs:        cfg.Errors,
		countersReg: cfg.Counters,

		clients: make(map[string]*Client),

		sessionIDsInUse: make(map[uint64]map[int32]bool),
		publications:    make(map[PublicationKey]*publicationEntry),
		bySession:       make(map[sessionKey]*publicationEntry),

		clientLivenessTimeoutNs:     cfg.ClientLivenessTimeoutNs,
		publicationUnblockTimeoutNs: cfg.PublicationUnblockTimeoutNs,
		publicationLingerTimeoutNs:  cfg.PublicationLingerTimeoutNs,

		heartbeatIntervalNs: cfg.HeartbeatIntervalNs,
		setupIntervalNs:     cfg.SetupIntervalNs,
		receiverTimeoutNs:   cfg.ReceiverTimeoutNs,
		nakDelayNs:          cfg.NakDelayNs,
		initialWindowLength: cfg.InitialWindowLength,
		reliable:            cfg.Reliable,

		rnd: rand.New(rand.NewSource(int64(cfg.ShortIDSeed))), //nolint:gosec // session-id spread, not a security boundary
	}
	if a.countersReg != nil {
		a.unblockedCounter = a.countersReg.Allocate(counters.UnblockedPublications, "driver")
	}

	interval := cfg.LivenessSweepInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	a.hkName = fmt.Sprintf("conductor-liveness-%p%s", a, hk.NameSuffix)
	hk.Reg(a.hkName, func() time.Duration {
		a.Sweep(mono.NanoTime())
		return interval
	}, interval)

	return a
}

// Stop unregisters the liveness sweep job.
func (a *Agent) Stop() { hk.Unreg(a.hkName) }

//
// clients
//

// RegisterClient mints a new client-registration id (§6).
func (a *Agent) RegisterClient(nowNs int64) string {
	id := cos.GenUUID()
	a.mu.Lock()
	a.clients[id] = &Client{ID: id, LastKeepaliveNs: nowNs}
	a.mu.Unlock()
	return id
}

// ClientKeepalive refreshes a client's liveness timestamp, returning
// false if the client is not (or no longer) registered.
func (a *Agent) ClientKeepalive(id string, nowNs int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[id]
	if !ok {
		return false
	}
	c.LastKeepaliveNs = nowNs
	return true
}

func (a *Agent) sweepClients(nowNs int64) (timedOut []string) {
	for id, c := range a.clients {
		if nowNs-c.LastKeepaliveNs >= a.clientLivenessTimeoutNs {
			timedOut = append(timedOut, id)
			delete(a.clients, id)
		}
	}
	return timedOut
}

func (a *Agent) ClientCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

//
// session-id allocation (§4.8)
//

func channelStreamHash(channel string, streamID int32) uint64 {
	return xxhash.Checksum64([]byte(channel)) ^ uint64(uint32(streamID))<<1
}

// allocateSessionIDLocked hands out an id outside [0, ReservedSessionIDMax)
// not already in use for this (channel, streamID) pair.
func (a *Agent) allocateSessionIDLocked(channel string, streamID int32) int32 {
	key := channelStreamHash(channel, streamID)
	used := a.sessionIDsInUse[key]
	if used == nil {
		used = make(map[int32]bool)
		a.sessionIDsInUse[key] = used
	}
	for {
		id := ReservedSessionIDMax + a.rnd.Int31n(1<<30)
		if !used[id] {
			used[id] = true
			return id
		}
	}
}

func (a *Agent) reserveSessionIDLocked(channel string, streamID, sessionID int32) bool {
	key := channelStreamHash(channel, streamID)
	used := a.sessionIDsInUse[key]
	if used == nil {
		used = make(map[int32]bool)
		a.sessionIDsInUse[key] = used
	}
	if used[sessionID] {
		return false
	}
	used[sessionID] = true
	return true
}

func (a *Agent) releaseSessionIDLocked(channel string, streamID, sessionID int32) {
	if used, ok := a.sessionIDsInUse[channelStreamHash(channel, streamID)]; ok {
		delete(used, sessionID)
	}
}

//
// publications (§4.2, §4.8)
//

// CreatePublication allocates (or validates an explicitly-requested)
// session id, builds the term log and flow control, and registers a
// new NetworkPublication. The caller (driver) is responsible for
// handing `pub`/`log` to the Sender and building the destination set.
//
// Multiple publications may share one (channel, streamID) pair as long
// as their session ids differ (session multiplexing, §4.8); only a
// collision on the same session id is rejected, by reserveSessionIDLocked
// below.
func (a *Agent) CreatePublication(channel string, streamID int32, params ChannelParams, nowNs int64) (pub *netpub.NetworkPublication, log *logbuf.Log, sessionID int32, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if params.SessionID != 0 {
		if !a.reserveSessionIDLocked(channel, streamID, params.SessionID) {
			return nil, nil, 0, errors.Errorf("conductor: requested session id %d already in use on %s/%d", params.SessionID, channel, streamID)
		}
		sessionID = params.SessionID
	} else {
		sessionID = a.allocateSessionIDLocked(channel, streamID)
	}
	key := PublicationKey{Channel: channel, StreamID: streamID, SessionID: sessionID}

	log = logbuf.NewLog(1, params.TermLength, params.MTU)
	fc := flowctrl.NewSenderFlowControl(flowctrl.AggregatorMin, a.receiverTimeoutNs)
	pub = netpub.New(streamID, sessionID, log, fc, a.heartbeatIntervalNs, a.setupIntervalNs, a.publicationLingerTimeoutNs)

	e := &publicationEntry{pub: pub, log: log, sessionID: sessionID, lastPosition: log.TailPosition(), lastMoveNs: nowNs}
	if a.countersReg != nil {
		label := fmt.Sprintf("%s/%d/%d", channel, streamID, sessionID)
		e.counterIDs = append(e.counterIDs,
			a.countersReg.Allocate(counters.PublisherPosition, label).ID,
			a.countersReg.Allocate(counters.PublisherLimit, label).ID)
	}
	a.publications[key] = e
	a.bySession[sessionKey{StreamID: streamID, SessionID: sessionID}] = e
	return pub, log, sessionID, nil
}

// PublisherPosition reports the current append-cursor position for a
// publication identified by (streamID, sessionID) — the shape sender's
// publisherPositionOf callback needs (§4.5), distinct from the
// PublicationKey (channel, streamID, sessionID) the rest of this
// package indexes by.
func (a *Agent) PublisherPosition(streamID, sessionID int32) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.bySession[sessionKey{StreamID: streamID, SessionID: sessionID}]
	if !ok {
		return 0, false
	}
	return e.log.TailPosition(), true
}

// RemovePublication starts graceful teardown (DecRef; the publication
// actually leaves the registry once its DRAINING/LINGER cycle reaches
// CLOSED, observed by the next Sweep). sessionID disambiguates among
// publications multiplexed onto the same (channel, streamID) pair.
func (a *Agent) RemovePublication(channel string, streamID, sessionID int32, nowNs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.publications[PublicationKey{Channel: channel, StreamID: streamID, SessionID: sessionID}]
	if !ok {
		return
	}
	e.pub.DecRef(nowNs)
}

func (a *Agent) PublicationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.publications)
}

func (a *Agent) tickPublications(nowNs int64) {
	for key, e := range a.publications {
		pos := e.log.TailPosition()
		e.pub.Tick(nowNs, pos)
		a.checkUnblockLocked(key, e, pos, nowNs)
		if e.pub.IsClosed() {
			a.releaseSessionIDLocked(key.Channel, key.StreamID, e.sessionID)
			if a.countersReg != nil {
				for _, id := range e.counterIDs {
					a.countersReg.Release(id)
				}
			}
			delete(a.publications, key)
			delete(a.bySession, sessionKey{StreamID: key.StreamID, SessionID: e.sessionID})
		}
	}
}

// checkUnblockLocked implements §4.8's back-pressure unblock: a
// producer stuck at the same tail position for longer than
// publicationUnblockTimeoutNs gets a PAD frame written ahead of it so
// readers can skip the gap, and UNBLOCKED_PUBLICATIONS is incremented.
func (a *Agent) checkUnblockLocked(key PublicationKey, e *publicationEntry, pos, nowNs int64) {
	if pos != e.lastPosition {
		e.lastPosition = pos
		e.lastMoveNs = nowNs
		return
	}
	if e.pub.State() != netpub.StateActive {
		return // already draining: not a live producer to unblock
	}
	if nowNs-e.lastMoveNs < a.publicationUnblockTimeoutNs {
		return
	}
	shift := e.log.PositionBitsToShift()
	termID := logbuf.ComputeTermID(pos, e.log.Meta.InitialTermID, shift)
	offset := logbuf.ComputeTermOffset(pos, e.log.Meta.TermLength)
	e.log.TermAt(termID).PadToEnd(termID, offset, e.log.Meta.TermLength, key.StreamID, e.sessionID)
	if a.unblockedCounter != nil {
		a.unblockedCounter.Add(1)
	}
	e.lastMoveNs = nowNs
	e.lastPosition = e.log.TailPosition()
}

//
// image creation (§4.4 "image exists => add the transport"; §4.8
// "create new images on Dispatcher's request")
//

// CreateImage satisfies receiver.ImageFactory: the Receiver calls this
// when its Dispatcher answers a SETUP with SetupCreateImage. In the
// real three-agent split this crosses to a distinct agent over a
// command queue; collapsed here to a direct call since this driver
// runs Receiver and Conductor in one process (documented simplification).
func (a *Agent) CreateImage(_ receiver.EndpointID, streamID, sessionID int32, setup wire.SetupPayload, _ *net.UDPAddr, _ int64) *pubimage.Image {
	if !setup.Verify() {
		if a.errs != nil {
			a.errs.Record(errors.Errorf("conductor: rejected SETUP for stream %d session %d: cookie mismatch", streamID, sessionID))
		}
		return nil
	}
	termLength := int64(setup.TermLength())
	log := logbuf.NewLog(setup.InitialTermID(), termLength, setup.MTU())
	cc := flowctrl.NewStaticWindow(termLength, a.initialWindowLength)
	lossDet := loss.NewDetector(setup.MTU(), a.nakDelayNs)
	shift := logbuf.PositionBitsToShift(termLength)
	startPosition := logbuf.ComputePosition(setup.ActiveTermID(), setup.InitialTermID(), shift, setup.TermOffset())
	return pubimage.New(streamID, sessionID, log, cc, lossDet, a.reliable, startPosition, 1)
}

//
// command ring (§6)
//

// DoWork drains the to-driver command ring; liveness sweeps run on
// their own hk-paced cadence via Sweep, not on this duty cycle (§4.8
// is specified as periodic, not per-iteration).
func (a *Agent) DoWork(nowNs int64) int {
	if a.cmdQueue == nil {
		return 0
	}
	return a.cmdQueue.Read(func(msgTypeID int32, msg []byte) {
		switch msgTypeID {
		case cnc.MsgClientKeepalive:
			a.ClientKeepalive(string(msg), nowNs)
		case cnc.MsgClientClose:
			a.mu.Lock()
			delete(a.clients, string(msg))
			a.mu.Unlock()
		case cnc.MsgAddPublication:
			a.onAddPublication(msg, nowNs)
		case cnc.MsgRemovePublication:
			a.onRemovePublication(msg, nowNs)
		}
	})
}

// onAddPublication decodes an ADD_PUBLICATION command:
// correlationId(int64) + streamID(int32) + channel. The correlation id
// is echoed back on failure (§7, §8 Scenario E) so a client can match
// an ON_ERROR broadcast to the command that provoked it.
func (a *Agent) onAddPublication(msg []byte, nowNs int64) {
	if len(msg) < 12 {
		return
	}
	correlationID := int64(binary.LittleEndian.Uint64(msg[0:]))
	streamID := int32(binary.LittleEndian.Uint32(msg[8:]))
	channel := string(msg[12:])

	params, err := ParseChannelURI(channel)
	if err != nil {
		a.failAddPublication(correlationID, err)
		return
	}
	_, _, sessionID, err := a.CreatePublication(channel, streamID, params, nowNs)
	if err != nil {
		a.failAddPublication(correlationID, err)
		return
	}
	if a.responses != nil {
		reply := make([]byte, 8)
		binary.LittleEndian.PutUint32(reply[0:], uint32(streamID))
		binary.LittleEndian.PutUint32(reply[4:], uint32(sessionID))
		a.responses.Publish(cnc.MsgOnPublicationReady, reply)
	}
}

// onRemovePublication decodes a REMOVE_PUBLICATION command:
// streamID(int32) + sessionID(int32) + channel. sessionID picks out
// which of possibly several multiplexed publications on (channel,
// streamID) to tear down.
func (a *Agent) onRemovePublication(msg []byte, nowNs int64) {
	if len(msg) < 8 {
		return
	}
	streamID := int32(binary.LittleEndian.Uint32(msg[0:]))
	sessionID := int32(binary.LittleEndian.Uint32(msg[4:]))
	channel := string(msg[8:])
	a.RemovePublication(channel, streamID, sessionID, nowNs)
}

func (a *Agent) recordError(err error) {
	if a.errs != nil {
		a.errs.Record(err)
	}
}

// failAddPublication records the distinct error and broadcasts
// ON_ERROR carrying the offending command's correlation id (§7, §8
// Scenario E): "fails with ON_ERROR whose offendingCommandCorrelationId
// matches the second command's id".
func (a *Agent) failAddPublication(correlationID int64, err error) {
	a.recordError(err)
	if a.responses == nil {
		return
	}
	text := err.Error()
	reply := make([]byte, 8+len(text))
	binary.LittleEndian.PutUint64(reply[0:], uint64(correlationID))
	copy(reply[8:], text)
	a.responses.Publish(cnc.MsgOnError, reply)
}

//
// liveness sweep (§4.8, paced by hk per §1.6)
//

// Sweep ticks every publication's DRAINING/LINGER/CLOSED state
// machine, applies back-pressure unblock, and retires clients silent
// beyond clientLivenessTimeoutNs, broadcasting ON_CLIENT_TIMEOUT for
// each. Exported so tests can drive it deterministically instead of
// waiting on hk's real-time ticker.
func (a *Agent) Sweep(nowNs int64) {
	a.mu.Lock()
	a.tickPublications(nowNs)
	timedOut := a.sweepClients(nowNs)
	a.mu.Unlock()

	if a.responses != nil {
		for _, id := range timedOut {
			a.responses.Publish(cnc.MsgOnClientTimeout, []byte(id))
		}
	}
}
