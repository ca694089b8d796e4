// Package hk is a process-wide registry of named, periodic callbacks
// driven from one place instead of each owning a private time.Ticker;
// in this module only the conductor's sweep registers here. The retrieved pack
// only carried this package's test suite (the registry itself was
// filtered out); it is rewritten here to the same Reg/Unreg/NameSuffix
// shape referenced by the teacher's call sites.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"sort"
	"sync"
	"time"

	"github.com/streamcast/mdriver/cmn/nlog"
)

// NameSuffix disambiguates two registrations that would otherwise
// share a name (e.g. a per-endpoint housekeeping job keyed by the
// endpoint's own name).
const NameSuffix = ".hk"

const minInterval = time.Millisecond

type request struct {
	name     string
	f        func() time.Duration
	initTime time.Time
	interval time.Duration
}

type housekeeper struct {
	mu       sync.Mutex
	byName  map[string]*request
	pending []*request // sorted by next-fire time
	stopCh  chan struct{}
	started bool
}

var defaultHK = &housekeeper{byName: make(map[string]*request), stopCh: make(chan struct{})}

// Reg schedules f to run after d, and again after whatever duration f
// itself returns (a zero or negative return unregisters it). name
// must be unique; re-registering the same name replaces the prior job.
func Reg(name string, f func() time.Duration, d time.Duration) {
	if d < minInterval {
		d = minInterval
	}
	defaultHK.reg(&request{name: name, f: f, initTime: time.Now().Add(d), interval: d})
}

// Unreg removes a previously registered job; a no-op if absent.
func Unreg(name string) { defaultHK.unreg(name) }

func (h *housekeeper) reg(r *request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.byName[name(r)]; ok {
		h.removeLocked(old)
	}
	h.byName[r.name] = r
	h.insertLocked(r)
	h.ensureRunningLocked()
}

func name(r *request) string { return r.name }

func (h *housekeeper) unreg(nm string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.byName[nm]; ok {
		delete(h.byName, nm)
		h.removeLocked(r)
	}
}

func (h *housekeeper) insertLocked(r *request) {
	h.pending = append(h.pending, r)
	sort.Slice(h.pending, func(i, j int) bool { return h.pending[i].initTime.Before(h.pending[j].initTime) })
}

func (h *housekeeper) removeLocked(r *request) {
	for i, p := range h.pending {
		if p == r {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			return
		}
	}
}

func (h *housekeeper) ensureRunningLocked() {
	if h.started {
		return
	}
	h.started = true
	go h.run()
}

func (h *housekeeper) run() {
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.mu.Unlock()
			select {
			case <-h.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		next := h.pending[0]
		wait := time.Until(next.initTime)
		h.mu.Unlock()

		if wait > 0 {
			select {
			case <-h.stopCh:
				return
			case <-time.After(wait):
			}
			continue
		}

		h.fire(next)
	}
}

func (h *housekeeper) fire(r *request) {
	d := func() (d time.Duration) {
		defer func() {
			if p := recover(); p != nil {
				nlog.Errorf("hk: job %q panicked: %v", r.name, p)
			}
		}()
		return r.f()
	}()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byName[r.name]; !ok {
		return // unregistered while running
	}
	h.removeLocked(r)
	if d <= 0 {
		delete(h.byName, r.name)
		return
	}
	r.initTime = time.Now().Add(d)
	r.interval = d
	h.insertLocked(r)
}

// Stop terminates the housekeeping goroutine; used by tests and by
// graceful driver shutdown.
func Stop() { close(defaultHK.stopCh) }
