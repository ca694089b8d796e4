// Gossip driving for the Name Resolver (C10, §4.11): advertises this
// driver's own record to its neighbor set every
// SELF_RESOLUTION_INTERVAL_MS, forwards learned records every
// NEIGHBOR_RESOLUTION_INTERVAL_MS, and folds inbound RES frames into
// the Table. Grounded on the same self-paced nowNs duty-cycle shape as
// sender.Agent's re-resolution sweep, generalized from "re-resolve a
// destination on demand" to "gossip on a fixed schedule".
package resolver

import (
	"net"

	"github.com/streamcast/mdriver/cnc"
	"github.com/streamcast/mdriver/memsys"
	"github.com/streamcast/mdriver/netio"
	"github.com/streamcast/mdriver/wire"
)

// Config carries one Agent's gossip endpoint, neighbor seed list, and
// cadence (§4.11).
type Config struct {
	Endpoint netio.Endpoint
	Table    *Table
	Errors   *cnc.ErrorLog

	// Self is this driver's own advertised record; when its Address is
	// empty, Address (and Port, if zero) are stamped onto it at
	// construction time from Endpoint.LocalAddr.
	Self Record

	// Seeds are neighbor addresses known in advance (static
	// configuration); the gossip set grows from there as RES frames
	// teach this node about further neighbors.
	Seeds []*net.UDPAddr

	SelfResolutionIntervalNs     int64
	NeighborResolutionIntervalNs int64

	// ExpectedNeighbors sizes the forward-dedup filter's reset each
	// round (Table.ResetForwardDedup); defaults to 32 if zero.
	ExpectedNeighbors uint

	MTU int32
}

// Agent drives one driver's side of the gossip protocol.
type Agent struct {
	ep    netio.Endpoint
	table *Table
	errs  *cnc.ErrorLog

	self  Record
	seeds []*net.UDPAddr

	selfIntervalNs     int64
	neighborIntervalNs int64
	expectedNeighbors  uint
	mtu                int32

	lastSelfNs     int64
	lastNeighborNs int64
}

// New constructs a gossip Agent and seeds the Table with this driver's
// own SELF record.
func New(cfg Config) *Agent {
	self := cfg.Self
	if self.Address == "" {
		if local := cfg.Endpoint.LocalAddr(); local != nil {
			self.Address = local.IP.String()
			if self.Port == 0 {
				self.Port = int32(local.Port)
			}
		}
	}
	self.Type = ResSelf

	expected := cfg.ExpectedNeighbors
	if expected == 0 {
		expected = 32
	}
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = 1408
	}

	a := &Agent{
		ep:    cfg.Endpoint,
		table: cfg.Table,
		errs:  cfg.Errors,

		self:  self,
		seeds: cfg.Seeds,

		selfIntervalNs:     cfg.SelfResolutionIntervalNs,
		neighborIntervalNs: cfg.NeighborResolutionIntervalNs,
		expectedNeighbors:  expected,
		mtu:                mtu,
	}
	if a.table != nil {
		_ = a.table.SetSelf(self)
	}
	return a
}

// DoWork drains inbound RES frames and fires the self-advertisement
// and neighbor-forward rounds whenever their interval elapses.
func (a *Agent) DoWork(nowNs int64) int {
	work := a.pollInbound(nowNs)

	if a.selfIntervalNs > 0 && nowNs-a.lastSelfNs >= a.selfIntervalNs {
		a.advertiseSelf(nowNs)
		a.lastSelfNs = nowNs
		work++
	}
	if a.neighborIntervalNs > 0 && nowNs-a.lastNeighborNs >= a.neighborIntervalNs {
		a.forwardNeighbors(nowNs)
		a.lastNeighborNs = nowNs
		work++
	}
	return work
}

func (a *Agent) pollInbound(nowNs int64) int {
	if a.ep == nil {
		return 0
	}
	bufs := make([][]byte, 4)
	for i := range bufs {
		bufs[i] = memsys.DefaultMM.Alloc(int(a.mtu))
	}
	defer func() {
		for _, buf := range bufs {
			memsys.DefaultMM.Free(buf)
		}
	}()

	pkts, err := a.ep.ReceiveBatch(bufs)
	if err != nil {
		if a.errs != nil {
			a.errs.Record(err)
		}
		return 0
	}
	for _, pkt := range pkts {
		a.onFrame(bufs[pkt.TransportIndex][:pkt.N], pkt.From, nowNs)
	}
	return len(pkts)
}

func (a *Agent) onFrame(buf []byte, from *net.UDPAddr, nowNs int64) {
	if len(buf) < wire.HeaderLength || a.table == nil {
		return
	}
	h := wire.AsHeader(buf)
	if h.Type() != wire.TypeRes {
		return
	}
	for _, rec := range wire.DecodeResRecords(buf[wire.HeaderLength:]) {
		learned := Record{
			Type: ResType(rec.Type), Flags: rec.Flags, Port: rec.Port,
			AgeMs: rec.AgeMs, Address: rec.Address, Name: rec.Name,
		}
		if learned.Name == a.self.Name {
			continue // never overwrite our own SELF entry from a gossiped copy
		}
		if err := a.table.Learn(learned); err != nil && a.errs != nil {
			a.errs.Record(err)
		}
		a.learnNeighborAddr(learned, from)
	}
}

// learnNeighborAddr adds a newly-seen neighbor's address to the seed
// list so future rounds gossip with it directly, not just whoever
// happened to relay it.
func (a *Agent) learnNeighborAddr(rec Record, from *net.UDPAddr) {
	target := neighborAddr(rec)
	if target == nil {
		target = from
	}
	if target == nil {
		return
	}
	for _, s := range a.seeds {
		if s.IP.Equal(target.IP) && s.Port == target.Port {
			return
		}
	}
	a.seeds = append(a.seeds, target)
}

func neighborAddr(rec Record) *net.UDPAddr {
	ip := net.ParseIP(rec.Address)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: int(rec.Port)}
}

// advertiseSelf sends this driver's own record to every known
// neighbor (§4.11 SELF_RESOLUTION_INTERVAL_MS).
func (a *Agent) advertiseSelf(nowNs int64) {
	if a.table != nil {
		_ = a.table.SetSelf(a.self)
	}
	buf := make([]byte, wire.HeaderLength+int(a.mtu))
	n := a.frameRecords(buf, []Record{a.self})
	a.broadcast(buf[:n])
}

// forwardNeighbors relays every learned record this node hasn't
// forwarded yet this round, then resets the dedup filter so records
// still live next round get forwarded again (§4.11
// NEIGHBOR_RESOLUTION_INTERVAL_MS).
func (a *Agent) forwardNeighbors(nowNs int64) {
	if a.table == nil {
		return
	}
	var due []Record
	for _, rec := range a.table.Neighbors() {
		if a.table.ShouldForward(rec) {
			due = append(due, rec)
		}
	}
	if len(due) > 0 {
		buf := make([]byte, wire.HeaderLength+int(a.mtu))
		n := a.frameRecords(buf, due)
		a.broadcast(buf[:n])
	}
	a.table.ResetForwardDedup(a.expectedNeighbors)
}

func (a *Agent) frameRecords(buf []byte, records []Record) int {
	h := wire.AsHeader(buf[:wire.HeaderLength])
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeRes)
	wireRecs := make([]wire.ResRecord, len(records))
	for i, r := range records {
		wireRecs[i] = wire.ResRecord{Type: uint8(r.Type), Flags: r.Flags, Port: r.Port, AgeMs: r.AgeMs, Address: r.Address, Name: r.Name}
	}
	body := wire.EncodeResRecords(buf[wire.HeaderLength:], wireRecs)
	total := wire.HeaderLength + body
	h.SetLength(int32(total))
	return total
}

func (a *Agent) broadcast(buf []byte) {
	if a.ep == nil {
		return
	}
	for _, dst := range a.seeds {
		if _, err := a.ep.Send(buf, dst); err != nil && a.errs != nil {
			a.errs.Record(err)
		}
	}
}
