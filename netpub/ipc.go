package netpub

import (
	catomic "github.com/streamcast/mdriver/cmn/atomic"
	"github.com/streamcast/mdriver/logbuf"
)

// IPCState mirrors State but without DRAINING: an IPC publication has
// no network followers to drain for, only local subscriber positions
// (§4.9: "Transitions ACTIVE -> INACTIVE (on decRef to 0) -> LINGER ->
// reachedEndOfLife").
type IPCState int32

const (
	IPCStateActive IPCState = iota
	IPCStateInactive
	IPCStateLinger
	IPCStateEndOfLife
)

// IPCPublication is the shared-memory-only sibling of
// NetworkPublication (§4.9): no sender, no loss, no flow control.
// publisherLimit is simply the minimum subscriber position plus the
// configured term window.
type IPCPublication struct {
	StreamID  int32
	SessionID int32
	Log       *logbuf.Log

	termWindowLength int64
	unblockTimeoutNs int64

	state      catomic.Int32
	refCount   catomic.Int32
	stateSince catomic.Int64

	subscriberPositions map[int64]*catomic.Int64
}

func NewIPC(streamID, sessionID int32, log *logbuf.Log, termWindowLength, unblockTimeoutNs int64) *IPCPublication {
	p := &IPCPublication{
		StreamID: streamID, SessionID: sessionID, Log: log,
		termWindowLength: termWindowLength, unblockTimeoutNs: unblockTimeoutNs,
		subscriberPositions: make(map[int64]*catomic.Int64),
	}
	p.state.Store(int32(IPCStateActive))
	p.refCount.Store(1)
	return p
}

func (p *IPCPublication) State() IPCState { return IPCState(p.state.Load()) }

func (p *IPCPublication) IncRef() { p.refCount.Add(1) }
func (p *IPCPublication) DecRef(nowNs int64) {
	if p.refCount.Add(-1) <= 0 {
		p.state.CAS(int32(IPCStateActive), int32(IPCStateInactive))
		p.stateSince.Store(nowNs)
	}
}

// AddSubscriber/RemoveSubscriber register a local subscriber position
// counter that participates in the publisherLimit computation.
func (p *IPCPublication) AddSubscriber(id int64) *catomic.Int64 {
	pos := catomic.NewInt64(0)
	p.subscriberPositions[id] = pos
	return pos
}
func (p *IPCPublication) RemoveSubscriber(id int64) { delete(p.subscriberPositions, id) }

// PublisherLimit returns min(subscriber positions) + termWindowLength
// (§4.9), or an unconstrained limit if there are no subscribers yet.
func (p *IPCPublication) PublisherLimit() int64 {
	if len(p.subscriberPositions) == 0 {
		return 1<<63 - 1
	}
	var min int64 = 1<<63 - 1
	for _, pos := range p.subscriberPositions {
		if v := pos.Load(); v < min {
			min = v
		}
	}
	return min + p.termWindowLength
}

// IsPossiblyBlocked reports the two conditions the original
// implementation checks before invoking LogBufferUnblocker.unblock
// (§9 open question: implementers should verify both are necessary to
// avoid a spurious unblock on legitimate term rotation). This
// implementation requires both, per that note, rather than either one
// alone.
func (p *IPCPublication) IsPossiblyBlocked(producerTermCount, expectedTermCount int32, producerPosition, consumerPosition int64) bool {
	return producerTermCount != expectedTermCount && producerPosition > consumerPosition
}

// Tick advances INACTIVE->LINGER->END_OF_LIFE.
func (p *IPCPublication) Tick(nowNs, lingerTimeoutNs int64) {
	switch p.State() {
	case IPCStateInactive:
		p.state.CAS(int32(IPCStateInactive), int32(IPCStateLinger))
		p.stateSince.Store(nowNs)
	case IPCStateLinger:
		if nowNs-p.stateSince.Load() >= lingerTimeoutNs {
			p.state.CAS(int32(IPCStateLinger), int32(IPCStateEndOfLife))
		}
	}
}

func (p *IPCPublication) IsEndOfLife() bool { return p.State() == IPCStateEndOfLife }
