// Package counters implements the Counters module (C12): read-only
// shared values describing positions and state, exposed two ways —
// as raw atomic cells laid out in the CnC file's counters region for
// clients to read directly (the teacher's own "volatile read, no
// syscall" philosophy for hot-path stats), and mirrored into
// `prometheus/client_golang` gauges/counters for operational scraping,
// since the teacher's metrics stack (`cmn/nlog` aside) is Prometheus.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package counters

import (
	catomic "github.com/streamcast/mdriver/cmn/atomic"
	"github.com/prometheus/client_golang/prometheus"
)

// TypeID is one of the stable counter type IDs (§6).
type TypeID int32

const (
	PublisherLimit          TypeID = 1
	SenderPosition          TypeID = 2
	ReceiverHwm             TypeID = 3
	SubscriptionPosition    TypeID = 4
	ReceiverPosition        TypeID = 5
	SendChannelStatus       TypeID = 6
	ReceiveChannelStatus    TypeID = 7
	SenderLimit             TypeID = 9
	PerImage                TypeID = 10
	ClientHeartbeatTimestamp TypeID = 11
	PublisherPosition       TypeID = 12
	SenderBPE               TypeID = 13
	LocalSockaddr           TypeID = 14
	UnblockedPublications   TypeID = 15
)

func (t TypeID) String() string {
	switch t {
	case PublisherLimit:
		return "PUBLISHER_LIMIT"
	case SenderPosition:
		return "SENDER_POSITION"
	case ReceiverHwm:
		return "RECEIVER_HWM"
	case SubscriptionPosition:
		return "SUBSCRIPTION_POSITION"
	case ReceiverPosition:
		return "RECEIVER_POSITION"
	case SendChannelStatus:
		return "SEND_CHANNEL_STATUS"
	case ReceiveChannelStatus:
		return "RECEIVE_CHANNEL_STATUS"
	case SenderLimit:
		return "SENDER_LIMIT"
	case PerImage:
		return "PER_IMAGE"
	case ClientHeartbeatTimestamp:
		return "CLIENT_HEARTBEAT_TIMESTAMP"
	case PublisherPosition:
		return "PUBLISHER_POSITION"
	case SenderBPE:
		return "SENDER_BPE"
	case LocalSockaddr:
		return "LOCAL_SOCKADDR"
	case UnblockedPublications:
		return "UNBLOCKED_PUBLICATIONS"
	default:
		return "UNKNOWN"
	}
}

// Cell is one counter slot: an int64 value plus its identifying
// metadata (type, label, correlated registration id). Clients map the
// counters region read-only and poll Value() directly with no syscall
// (§3 "clients read them volatile").
type Cell struct {
	ID       int32
	Type     TypeID
	Label    string
	value    catomic.Int64
	gauge    prometheus.Gauge
}

func (c *Cell) Set(v int64)  { c.value.Store(v); c.gauge.Set(float64(v)) }
func (c *Cell) Add(d int64)  { nv := c.value.Add(d); c.gauge.Set(float64(nv)) }
func (c *Cell) Value() int64 { return c.value.Load() }

// Registry is the driver-owned counters manager: it allocates Cells
// (backing the CnC counters region) and mirrors each into a
// Prometheus gauge labeled by type and label, for operational scraping
// alongside the per-client hot-path reads.
type Registry struct {
	nextID int32
	cells  map[int32]*Cell
	vec    *prometheus.GaugeVec
}

func NewRegistry(reg prometheus.Registerer) *Registry {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mdriver",
		Subsystem: "counters",
		Name:      "value",
		Help:      "Driver-owned counter values, labeled by type and label (see counter type ID table).",
	}, []string{"type", "label"})
	reg.MustRegister(vec)
	return &Registry{cells: make(map[int32]*Cell), vec: vec}
}

// Allocate creates and returns a new Cell of the given type; its ID
// field holds the driver-assigned counter id (monotonically
// increasing, matching the ADD_COUNTER/REMOVE_COUNTER command-ring
// lifecycle of §6).
func (r *Registry) Allocate(t TypeID, label string) *Cell {
	r.nextID++
	c := &Cell{ID: r.nextID, Type: t, Label: label, gauge: r.vec.WithLabelValues(t.String(), label)}
	r.cells[c.ID] = c
	return c
}

// Release removes a counter (REMOVE_COUNTER), deleting its Prometheus
// series too so a removed publication/image doesn't leave a stale
// gauge behind.
func (r *Registry) Release(id int32) {
	c, ok := r.cells[id]
	if !ok {
		return
	}
	r.vec.DeleteLabelValues(c.Type.String(), c.Label)
	delete(r.cells, id)
}

func (r *Registry) Get(id int32) (*Cell, bool) {
	c, ok := r.cells[id]
	return c, ok
}

func (r *Registry) Count() int { return len(r.cells) }

// Snapshot is one live cell's current (id, type, label, value), as
// returned by SnapshotAll. Only a test calls SnapshotAll; the cnc
// package does not use it.
type Snapshot struct {
	ID    int32
	Type  TypeID
	Label string
	Value int64
}

func (r *Registry) SnapshotAll() []Snapshot {
	out := make([]Snapshot, 0, len(r.cells))
	for _, c := range r.cells {
		out = append(out, Snapshot{ID: c.ID, Type: c.Type, Label: c.Label, Value: c.Value()})
	}
	return out
}
