// Package prob is a small dynamic Bloom-style filter: a fixed-size
// bit array plus k hash functions, used wherever a package needs a
// fast, approximate "have I seen this before" membership test without
// paying for an exact set. The data packet dispatcher uses one per
// stream to age out NO_INTEREST session slots (see
// dispatch.EvictAgedNoInterest).
//
// The retrieved pack carried only this package's ginkgo test-suite
// bootstrap file, not the filter itself; rewritten fresh to the same
// New/Add/Lookup shape.
/*
 * Copyright (c) 2019-2021, NVIDIA CORPORATION. All rights reserved.
 */
package prob

import (
	"math"
	"sync"

	"github.com/streamcast/mdriver/cmn/xoshiro256"
)

// Filter is a concurrency-safe probabilistic set with a target false
// positive rate, fixed at construction from the expected item count.
type Filter struct {
	mu   sync.RWMutex
	bits []uint64
	m    uint64 // number of bits
	k    uint64 // number of hash functions
}

// NewDefault constructs a filter sized for n expected items at a
// false-positive rate of fp (e.g. 0.01 for 1%).
func NewDefault(n int, fp float64) *Filter {
	if n < 1 {
		n = 1
	}
	if fp <= 0 || fp >= 1 {
		fp = 0.01
	}
	m := optimalM(n, fp)
	k := optimalK(m, n)
	words := (m + 63) / 64
	return &Filter{bits: make([]uint64, words), m: m, k: k}
}

func optimalM(n int, fp float64) uint64 {
	m := -1 * float64(n) * math.Log(fp) / (math.Ln2 * math.Ln2)
	if m < 64 {
		m = 64
	}
	return uint64(math.Ceil(m))
}

func optimalK(m uint64, n int) uint64 {
	k := math.Round(float64(m) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	return uint64(k)
}

// Add inserts key into the filter. Subsequent Lookup(key) calls are
// guaranteed to return true; Lookup on a never-added key can rarely
// return a false positive, never a false negative.
func (f *Filter) Add(key uint64) {
	h1, h2 := f.split(key)
	f.mu.Lock()
	for i := uint64(0); i < f.k; i++ {
		bit := (h1 + i*h2) % f.m
		f.bits[bit/64] |= 1 << (bit % 64)
	}
	f.mu.Unlock()
}

// Lookup reports whether key was (probably) previously added.
func (f *Filter) Lookup(key uint64) bool {
	h1, h2 := f.split(key)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.k; i++ {
		bit := (h1 + i*h2) % f.m
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears the filter in place so it can be reused without
// reallocating; only tests call it.
func (f *Filter) Reset() {
	f.mu.Lock()
	for i := range f.bits {
		f.bits[i] = 0
	}
	f.mu.Unlock()
}

// split derives two independent 64-bit hashes from one key via
// double hashing (Kirsch-Mitzenmacher), avoiding k separate hash
// function implementations.
func (f *Filter) split(key uint64) (h1, h2 uint64) {
	h1 = xoshiro256.Hash(key)
	h2 = xoshiro256.Hash(h1 ^ 0x9E3779B97F4A7C15)
	if h2 == 0 {
		h2 = 1
	}
	return
}
