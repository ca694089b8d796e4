// Package driver wires the three cooperative agents (Sender,
// Receiver, Conductor), plus the name-resolver agent when one is
// configured, into one process: the command-ring/broadcast/error-log
// plumbing they share, the idle-strategy-driven scheduling loop of §5,
// and re-resolution of Manual destinations through the name
// resolver's table (collapsed through a single-flight group so
// concurrently-due destinations sharing one logical name issue one
// lookup). Endpoints are bound by the caller and passed in. Grounded on the teacher's `cos.Runner`-style agent
// interface (`transport/collect.go`'s `StreamCollector`) generalized
// from one runner to three supervised by `golang.org/x/sync/errgroup`.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package driver

import (
	"context"
	"net"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/streamcast/mdriver/cmn/mono"
	"github.com/streamcast/mdriver/cmn/nlog"
	"github.com/streamcast/mdriver/conductor"
	"github.com/streamcast/mdriver/mdc"
	"github.com/streamcast/mdriver/receiver"
	"github.com/streamcast/mdriver/resolver"
	"github.com/streamcast/mdriver/sender"
)

// Mode selects how the three agents are scheduled (§5).
type Mode int

const (
	// ModeDedicated runs each agent on its own goroutine (one OS thread
	// under GOMAXPROCS>=3), the default for a standalone driver process.
	ModeDedicated Mode = iota
	// ModeShared round-robins all three agents on a single goroutine.
	ModeShared
	// ModeInvoker does no scheduling of its own: the embedding
	// application calls Tick itself.
	ModeInvoker
)

// IdleStrategy implements Aeron's classic backoff ladder: spin, then
// yield, then park for an escalating duration, reset to spinning the
// instant any agent reports work done. Suspension happens only here —
// every other operation in this driver is non-blocking (§5).
type IdleStrategy struct {
	spinLimit  int
	yieldLimit int
	maxParkNs  int64

	idleCount int64
	parkNs    int64
}

// NewIdleStrategy builds the standard spin/yield/park ladder.
// maxParkNs bounds how long a single park step can sleep.
func NewIdleStrategy(maxParkNs int64) *IdleStrategy {
	return &IdleStrategy{spinLimit: 10, yieldLimit: 20, maxParkNs: maxParkNs, parkNs: 1000}
}

// Idle is called once per scheduling loop iteration with the amount of
// work the iteration did; a positive workCount resets the ladder.
func (s *IdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		s.idleCount = 0
		s.parkNs = 1000
		return
	}
	s.idleCount++
	switch {
	case s.idleCount <= int64(s.spinLimit):
		// busy-spin: do nothing, just loop again
	case s.idleCount <= int64(s.spinLimit+s.yieldLimit):
		runtime.Gosched()
	default:
		time.Sleep(time.Duration(s.parkNs))
		if s.parkNs < s.maxParkNs {
			s.parkNs *= 2
			if s.parkNs > s.maxParkNs {
				s.parkNs = s.maxParkNs
			}
		}
	}
}

// Config wires every sub-agent's own Config plus driver-level scheduling.
type Config struct {
	Mode         Mode
	MaxParkNs    int64 // 0 defaults to 1ms
	ResolveTable *resolver.Table

	Sender    sender.Config
	Receiver  receiver.Config
	Conductor conductor.Config

	// Resolver drives the name-resolver gossip loop (§4.11) when its
	// Endpoint is non-nil; a nil Endpoint disables gossip entirely and
	// leaves ResolveTable as a passive, externally-populated lookup.
	Resolver resolver.Config
}

// Driver owns the three agents and the scheduling loop driving them.
type Driver struct {
	mode Mode

	send *sender.Agent
	recv *receiver.Agent
	cond *conductor.Agent
	res  *resolver.Agent

	idle *IdleStrategy

	resolveTable *resolver.Table
	sf           singleflight.Group
	nameOfAddr   sync.Map // addr.String() -> logical name, for re-resolution

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New wires the three agents together: the Receiver's ImageFactory is
// bound directly to the Conductor's CreateImage (a single-process
// collapse of what would cross agents in the real three-process
// split, documented in DESIGN.md), and the Sender's re-resolution hook
// is bound to this package's resolveDue.
func New(cfg Config) *Driver {
	d := &Driver{mode: cfg.Mode, resolveTable: cfg.ResolveTable}

	maxParkNs := cfg.MaxParkNs
	if maxParkNs <= 0 {
		maxParkNs = int64(time.Millisecond)
	}
	d.idle = NewIdleStrategy(maxParkNs)

	d.cond = conductor.New(cfg.Conductor)

	rcfg := cfg.Receiver
	rcfg.Factory = d.cond.CreateImage
	d.recv = receiver.New(rcfg)

	scfg := cfg.Sender
	scfg.OnReResolveDue = d.resolveDue
	d.send = sender.New(scfg)

	if cfg.Resolver.Endpoint != nil {
		rescfg := cfg.Resolver
		if rescfg.Table == nil {
			rescfg.Table = cfg.ResolveTable
		}
		d.res = resolver.New(rescfg)
	}

	return d
}

func (d *Driver) Sender() *sender.Agent       { return d.send }
func (d *Driver) Receiver() *receiver.Agent   { return d.recv }
func (d *Driver) Conductor() *conductor.Agent { return d.cond }
func (d *Driver) Resolver() *resolver.Agent   { return d.res }

// RememberDestinationName records the logical name a Manual
// destination address was resolved from, so a later re-resolution
// round can look the name up again instead of giving up.
func (d *Driver) RememberDestinationName(addr net.UDPAddr, name string) {
	d.nameOfAddr.Store(addr.String(), name)
}

// resolveDue is sender.Config.OnReResolveDue: for every destination
// overdue for re-resolution, look its recorded name back up through
// the gossip resolver table, collapsing concurrent lookups of the
// same name into one with singleflight (§4.5's re-resolution
// requirement explicitly calls for this).
func (d *Driver) resolveDue(nowNs int64, due []*mdc.Destination) {
	if d.resolveTable == nil {
		return
	}
	for _, dest := range due {
		nameVal, ok := d.nameOfAddr.Load(dest.Addr.String())
		if !ok {
			continue
		}
		name := nameVal.(string)
		v, err, _ := d.sf.Do(name, func() (any, error) {
			rec, found := d.resolveTable.Lookup(name)
			if !found {
				return nil, errNotFound{name}
			}
			return rec, nil
		})
		if err != nil {
			continue
		}
		rec := v.(resolver.Record)
		ip := net.ParseIP(rec.Address)
		if ip == nil {
			continue
		}
		newAddr := net.UDPAddr{IP: ip, Port: int(rec.Port)}
		dest.Addr = newAddr
		dest.TimeOfLastActivity = nowNs
		d.nameOfAddr.Delete(dest.Addr.String())
		d.nameOfAddr.Store(newAddr.String(), name)
	}
}

type errNotFound struct{ name string }

func (e errNotFound) Error() string { return "driver: no resolver record for " + e.name }

// publisherPositionOf adapts conductor.PublisherPosition to the shape
// sender.Agent.DoWork expects (§4.5: the Sender needs the current
// append cursor to bound how much of a term it may send).
func (d *Driver) publisherPositionOf(key sender.Key) int64 {
	pos, ok := d.cond.PublisherPosition(key.StreamID, key.SessionID)
	if !ok {
		return 0
	}
	return pos
}

// tick runs exactly one duty cycle of the sender, receiver and
// conductor agents, plus the resolver when one is configured, and
// returns the total units of work done, the signal the idle strategy reacts to.
func (d *Driver) tick(nowNs int64) int {
	sent := d.send.DoWork(nowNs, d.publisherPositionOf)
	recvWork := d.recv.DoWork(nowNs)
	cmdWork := d.cond.DoWork(nowNs)
	work := recvWork + cmdWork
	if sent > 0 {
		work++
	}
	if d.res != nil {
		work += d.res.DoWork(nowNs)
	}
	return work
}

// Tick is the ModeInvoker entry point: the embedding application calls
// this itself on whatever cadence it chooses, with no internal
// goroutines or idling.
func (d *Driver) Tick() int { return d.tick(mono.NanoTime()) }

// Run starts the scheduling loop appropriate to Mode and blocks until
// ctx is canceled or an agent's loop returns an error. ModeInvoker
// returns immediately: the caller is expected to call Tick directly.
func (d *Driver) Run(ctx context.Context) error {
	if d.mode == ModeInvoker {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	d.group = g

	switch d.mode {
	case ModeShared:
		g.Go(func() error { return d.runLoop(ctx, "shared", d.tick) })
	default: // ModeDedicated
		g.Go(func() error {
			return d.runLoop(ctx, "sender", func(nowNs int64) int {
				n := d.send.DoWork(nowNs, d.publisherPositionOf)
				if n > 0 {
					return 1
				}
				return 0
			})
		})
		g.Go(func() error { return d.runLoop(ctx, "receiver", d.recv.DoWork) })
		g.Go(func() error { return d.runLoop(ctx, "conductor", d.cond.DoWork) })
		if d.res != nil {
			g.Go(func() error { return d.runLoop(ctx, "resolver", d.res.DoWork) })
		}
	}

	return g.Wait()
}

// runLoop is one agent's busy/park loop: suspension happens only
// inside IdleStrategy.Idle, never anywhere else in the hot path (§5).
func (d *Driver) runLoop(ctx context.Context, name string, work func(nowNs int64) int) error {
	nlog.Infof("driver: starting %s loop", name)
	idle := NewIdleStrategy(d.idle.maxParkNs)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		idle.Idle(work(mono.NanoTime()))
	}
}

// Stop cancels the scheduling loop (no-op under ModeInvoker) and tears
// down the Conductor's housekeeping registration.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.group != nil {
		if err := d.group.Wait(); err != nil {
			nlog.Errorf("driver: agent loop exited with error: %v", err)
		}
	}
	d.cond.Stop()
}
