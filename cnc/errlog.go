package cnc

import (
	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"github.com/streamcast/mdriver/cmn/mono"
)

// ErrorEntry is one distinct error bucket (§7: "dedup by stack-trace/
// message hash, first + last timestamp, count").
type ErrorEntry struct {
	Hash      uint64
	Message   string
	FirstSeen int64
	LastSeen  int64
	Count     int64
}

// ErrorLog is the CnC file's distinct-error region.
type ErrorLog struct {
	entries map[uint64]*ErrorEntry
	order   []uint64 // insertion order, for stable Entries() iteration
}

func NewErrorLog() *ErrorLog { return &ErrorLog{entries: make(map[uint64]*ErrorEntry)} }

// Record dedups err by an xxhash of its message (errors.Wrap'd errors
// carry a stack trace for the nlog side of §7; only the flattened
// message participates in the dedup key, matching "message hash").
func (l *ErrorLog) Record(err error) uint64 {
	msg := errors.Cause(err).Error()
	h := xxhash.Checksum64([]byte(msg))
	now := mono.NanoTime()
	e, ok := l.entries[h]
	if !ok {
		e = &ErrorEntry{Hash: h, Message: msg, FirstSeen: now}
		l.entries[h] = e
		l.order = append(l.order, h)
	}
	e.LastSeen = now
	e.Count++
	return h
}

// Entries returns every distinct error seen so far, in first-seen order.
func (l *ErrorLog) Entries() []ErrorEntry {
	out := make([]ErrorEntry, 0, len(l.order))
	for _, h := range l.order {
		out = append(out, *l.entries[h])
	}
	return out
}

func (l *ErrorLog) DistinctCount() int { return len(l.entries) }
