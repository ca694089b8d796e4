// Package loss implements the Loss Detector (C3): scanning a
// partially-rebuilt term for gaps and turning them into scheduled
// NAKs, including this driver's loss-bill aggregation extension
// (coalescing adjacent gaps within one MTU of each other into a
// single NAK — see SUPPLEMENTED FEATURES).
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package loss

import "github.com/streamcast/mdriver/cmn/mono"

// Gap is one detected hole in the rebuilt stream.
type Gap struct {
	TermID int32
	Offset int32
	Length int32
}

// canCoalesce reports whether b immediately follows (or overlaps) a,
// or starts within mtu bytes of a's end — in which case the detector
// bills them as a single NAK rather than two.
func canCoalesce(a, b Gap, mtu int32) bool {
	if a.TermID != b.TermID {
		return false
	}
	return b.Offset <= a.Offset+a.Length+mtu
}

// Coalesce merges a run of per-scan gaps into the minimal set of NAK
// ranges, given the coalescing distance mtu.
func Coalesce(gaps []Gap, mtu int32) []Gap {
	if len(gaps) == 0 {
		return nil
	}
	out := make([]Gap, 0, len(gaps))
	cur := gaps[0]
	for _, g := range gaps[1:] {
		if canCoalesce(cur, g, mtu) {
			end := g.Offset + g.Length
			if curEnd := cur.Offset + cur.Length; end > curEnd {
				cur.Length = end - cur.Offset
			}
			continue
		}
		out = append(out, cur)
		cur = g
	}
	out = append(out, cur)
	return out
}

// pending tracks one scheduled-but-not-yet-retransmitted gap, for the
// two-counter release hand-off to the Receiver described in §4.3.
type pending struct {
	gap       Gap
	firstSeen int64
	lastNak   int64
	nakCount  int
}

// Detector owns the per-image loss-tracking state: the set of
// currently-pending gaps and the delay/backoff schedule for re-NAKing
// a gap that a first NAK failed to resolve.
type Detector struct {
	mtu      int32
	nakDelay int64 // ns, unicast NAK delay before a repeat/multicast retransmit (§4.11 terminology reused here for NAK pacing)

	pending map[int32]*pending // keyed by gap start offset within its term (one term tracked at a time)
}

func NewDetector(mtu int32, nakDelayNs int64) *Detector {
	return &Detector{mtu: mtu, nakDelay: nakDelayNs, pending: make(map[int32]*pending)}
}

// ScanOutcome is produced by logbuf.Rebuilder.Scan translated into
// zero-or-more Gaps the detector should track.
type ScanOutcome struct {
	Gaps []Gap
}

// Track ingests gaps newly observed in one scan, coalesces them, and
// returns the NAKs that should be (re-)issued this tick: brand-new
// gaps fire immediately; previously-seen gaps still open fire again
// only after nakDelay has elapsed since the last attempt.
func (d *Detector) Track(outcome ScanOutcome, nowNs int64) []Gap {
	merged := Coalesce(outcome.Gaps, d.mtu)
	var due []Gap
	seen := make(map[int32]bool, len(merged))

	for _, g := range merged {
		seen[g.Offset] = true
		p, ok := d.pending[g.Offset]
		if !ok {
			p = &pending{gap: g, firstSeen: nowNs}
			d.pending[g.Offset] = p
			p.lastNak = nowNs
			p.nakCount = 1
			due = append(due, g)
			continue
		}
		p.gap = g // gap may have grown via coalescing
		if nowNs-p.lastNak >= d.nakDelay {
			p.lastNak = nowNs
			p.nakCount++
			due = append(due, g)
		}
	}

	// gaps absent from this scan have been filled: stop tracking them
	for off := range d.pending {
		if !seen[off] {
			delete(d.pending, off)
		}
	}
	return due
}

// Resolve marks a gap as filled (its bytes arrived), removing it from
// tracking immediately rather than waiting for the next scan to omit it.
func (d *Detector) Resolve(offset int32) { delete(d.pending, offset) }

// PendingCount reports how many distinct gaps are currently tracked;
// only tests use it.
func (d *Detector) PendingCount() int { return len(d.pending) }

// Now is a thin indirection so callers needn't import cmn/mono themselves.
func Now() int64 { return mono.NanoTime() }
