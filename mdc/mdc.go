// Package mdc implements Multi-Destination Cast (C11): the send-side
// fan-out list a NetworkPublication sends a chunk to, either a fixed
// manually-managed set or a set learned from incoming status messages
// (§4.10). Grounded on the teacher's destination bookkeeping in
// `transport/bundle/stream_bundle.go`, which keeps a map of active
// per-target streams and prunes the ones gone quiet.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package mdc

import "net"

// Destination is one fan-out target.
type Destination struct {
	Addr               net.UDPAddr
	ReceiverID         int64
	TimeOfLastActivity int64
}

// Policy selects how the destination set is maintained (§4.10).
type Policy int

const (
	PolicyManual Policy = iota
	PolicyDynamic
)

// Group is one publication's fan-out list.
type Group struct {
	policy            Policy
	destinationTimeout int64

	byKey map[string]*Destination // Manual: keyed by addr string; Dynamic: keyed by (receiverID,port)
}

func New(policy Policy, destinationTimeoutNs int64) *Group {
	return &Group{policy: policy, destinationTimeout: destinationTimeoutNs, byKey: make(map[string]*Destination)}
}

func manualKey(addr net.UDPAddr) string { return addr.String() }

func dynamicKey(receiverID int64, port int) string {
	b := make([]byte, 0, 24)
	b = appendInt64(b, receiverID)
	b = append(b, ':')
	b = appendInt64(b, int64(port))
	return string(b)
}

func appendInt64(b []byte, v int64) []byte {
	if v == 0 {
		return append(b, '0')
	}
	neg := v < 0
	if neg {
		v = -v
		b = append(b, '-')
	}
	start := len(b)
	for v > 0 {
		b = append(b, byte('0'+v%10))
		v /= 10
	}
	for l, r := start, len(b)-1; l < r; l, r = l+1, r-1 {
		b[l], b[r] = b[r], b[l]
	}
	return b
}

// Add registers a destination explicitly; valid only under PolicyManual.
func (g *Group) Add(addr net.UDPAddr, nowNs int64) {
	key := manualKey(addr)
	g.byKey[key] = &Destination{Addr: addr, TimeOfLastActivity: nowNs}
}

// Remove drops an explicitly-managed destination.
func (g *Group) Remove(addr net.UDPAddr) { delete(g.byKey, manualKey(addr)) }

// OnStatusMessage refreshes a destination's activity timestamp
// (Manual) or learns/refreshes one (Dynamic), keyed by (receiverID, port).
func (g *Group) OnStatusMessage(addr net.UDPAddr, receiverID int64, nowNs int64) {
	switch g.policy {
	case PolicyManual:
		if d, ok := g.byKey[manualKey(addr)]; ok {
			d.TimeOfLastActivity = nowNs
			d.ReceiverID = receiverID
		}
	case PolicyDynamic:
		key := dynamicKey(receiverID, addr.Port)
		d, ok := g.byKey[key]
		if !ok {
			d = &Destination{Addr: addr, ReceiverID: receiverID}
			g.byKey[key] = d
		}
		d.TimeOfLastActivity = nowNs
	}
}

// Active returns every destination not yet pruned. Callers iterate
// this list once per send tick to fan a chunk out to all of them.
func (g *Group) Active() []*Destination {
	out := make([]*Destination, 0, len(g.byKey))
	for _, d := range g.byKey {
		out = append(out, d)
	}
	return out
}

// Prune drops destinations silent beyond destinationTimeoutNs — for
// Dynamic, this is how a peer that went away is forgotten (§4.10). For
// Manual, Prune is a no-op: destinations persist until explicitly
// Removed, and NeedsReResolution reports the ones due for re-resolution.
func (g *Group) Prune(nowNs int64) (pruned int) {
	if g.policy != PolicyDynamic {
		return 0
	}
	for key, d := range g.byKey {
		if nowNs-d.TimeOfLastActivity >= g.destinationTimeout {
			delete(g.byKey, key)
			pruned++
		}
	}
	return pruned
}

// NeedsReResolution reports Manual destinations whose address may have
// gone stale (§4.5/§4.10: re-resolution is driven per destination by
// destinationTimeoutNs, even though the entry itself is not removed).
func (g *Group) NeedsReResolution(nowNs int64) []*Destination {
	if g.policy != PolicyManual {
		return nil
	}
	var due []*Destination
	for _, d := range g.byKey {
		if nowNs-d.TimeOfLastActivity >= g.destinationTimeout {
			due = append(due, d)
		}
	}
	return due
}

func (g *Group) Count() int { return len(g.byKey) }
