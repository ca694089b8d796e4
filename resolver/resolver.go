// Package resolver implements the Name Resolver (C10): gossip
// dissemination of (name, address, port) records among neighbors, with
// TTL-based neighbor eviction and de-duplication of records already
// forwarded once. Grounded on the teacher's `bundle.Streams` neighbor
// bookkeeping (transport/bundle/dmover.go's per-target liveness), with
// the TTL sweep delegated to `tidwall/buntdb` instead of a hand-rolled
// goroutine, and dedup delegated to `seiflotfy/cuckoofilter` instead of
// an unbounded seen-set.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package resolver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"
)

// ResType is the resolution-record kind carried in a RES frame (§4.11).
type ResType uint8

const (
	ResSelf ResType = iota
	ResNeighbor
)

// Record is one (name, address, port) entry, as gossiped over the wire.
type Record struct {
	Type    ResType
	Flags   uint8
	Port    int32
	AgeMs   int64
	Address string
	Name    string
}

func dbKey(name string) string { return "rec:" + name }

// Table is one driver's gossip neighbor table: SELF record plus
// learned neighbor records, each aged out after TIMEOUT_MS of silence.
type Table struct {
	db       *buntdb.DB
	selfName string
	ttl      time.Duration

	seenForward *cuckoo.Filter // dedups records this node has already forwarded once
}

// NewTable opens an in-memory buntdb store for the neighbor table.
// timeoutMs is TIMEOUT_MS (§4.11): a neighbor silent this long is
// dropped via buntdb's own TTL expiry, not a hand-rolled sweep.
func NewTable(selfName string, timeoutMs int64, expectedNeighbors uint) (*Table, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("resolver: open neighbor table: %w", err)
	}
	return &Table{
		db:          db,
		selfName:    selfName,
		ttl:         time.Duration(timeoutMs) * time.Millisecond,
		seenForward: cuckoo.NewCuckooFilter(expectedNeighbors * 4),
	}, nil
}

func (t *Table) Close() error { return t.db.Close() }

// Learn records (or refreshes) one gossiped entry's address/port,
// resetting its TTL countdown.
func (t *Table) Learn(rec Record) error {
	return t.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(dbKey(rec.Name), encode(rec), &buntdb.SetOptions{Expires: true, TTL: t.ttl})
		return err
	})
}

// SetSelf publishes this driver's own advertised record, with no TTL
// (SELF never expires out of its own table).
func (t *Table) SetSelf(rec Record) error {
	return t.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(dbKey(rec.Name), encode(rec), nil)
		return err
	})
}

// Lookup returns the currently-known record for name, or ok=false if
// absent or expired.
func (t *Table) Lookup(name string) (rec Record, ok bool) {
	_ = t.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(dbKey(name))
		if err != nil {
			return nil // not found or expired: ok stays false
		}
		rec, ok = decode(v), true
		return nil
	})
	return rec, ok
}

// Neighbors returns every currently-live (non-expired) record except
// this table's own SELF entry.
func (t *Table) Neighbors() []Record {
	var out []Record
	_ = t.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			rec := decode(value)
			if rec.Name != t.selfName {
				out = append(out, rec)
			}
			return true
		})
	})
	return out
}

// ShouldForward reports whether rec has not yet been relayed by this
// node, marking it as forwarded if so — a record seen twice (e.g. via
// two neighbors) is forwarded at most once per gossip round (§4.11
// "forwards learned records").
func (t *Table) ShouldForward(rec Record) bool {
	key := []byte(rec.Name + "\x00" + rec.Address)
	if t.seenForward.Lookup(key) {
		return false
	}
	t.seenForward.InsertUnique(key)
	return true
}

// ResetForwardDedup clears the per-round forward-dedup filter; call
// once per NEIGHBOR_RESOLUTION_INTERVAL_MS tick so a record learned
// again in a later round can be forwarded again.
func (t *Table) ResetForwardDedup(expectedNeighbors uint) {
	t.seenForward = cuckoo.NewCuckooFilter(expectedNeighbors * 4)
}

// encode/decode pack a Record into buntdb's string value as
// '|'-separated fields, fixed numeric fields first; decode splits into
// at most six fields, so only Name, the last field, may itself
// contain '|'.
func encode(r Record) string {
	return strings.Join([]string{
		strconv.Itoa(int(r.Type)),
		strconv.Itoa(int(r.Flags)),
		strconv.Itoa(int(r.Port)),
		strconv.FormatInt(r.AgeMs, 10),
		r.Address,
		r.Name,
	}, "|")
}

func decode(s string) Record {
	parts := strings.SplitN(s, "|", 6)
	if len(parts) != 6 {
		return Record{}
	}
	typ, _ := strconv.Atoi(parts[0])
	flags, _ := strconv.Atoi(parts[1])
	port, _ := strconv.Atoi(parts[2])
	age, _ := strconv.ParseInt(parts[3], 10, 64)
	return Record{
		Type: ResType(typ), Flags: uint8(flags), Port: int32(port), AgeMs: age,
		Address: parts[4], Name: parts[5],
	}
}
