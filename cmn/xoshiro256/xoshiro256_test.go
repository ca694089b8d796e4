package xoshiro256_test

import (
	"testing"

	"github.com/streamcast/mdriver/cmn/xoshiro256"
)

func TestHashDeterministic(t *testing.T) {
	for _, v := range []uint64{0, 1, 4573842, 1 << 63} {
		a := xoshiro256.Hash(v)
		b := xoshiro256.Hash(v)
		if a != b {
			t.Fatalf("Hash(%d) not deterministic: %d != %d", v, a, b)
		}
	}
}

func TestHashDistinctInputsDiffer(t *testing.T) {
	seen := make(map[uint64]uint64)
	for v := uint64(0); v < 1000; v++ {
		h := xoshiro256.Hash(v)
		if prev, ok := seen[h]; ok {
			t.Fatalf("collision: Hash(%d) == Hash(%d) == %d", v, prev, h)
		}
		seen[h] = v
	}
}

func TestHashAvalanche(t *testing.T) {
	base := xoshiro256.Hash(12345)
	for bit := uint(0); bit < 64; bit++ {
		flipped := xoshiro256.Hash(12345 ^ (1 << bit))
		if flipped == base {
			t.Fatalf("flipping input bit %d did not change the hash", bit)
		}
	}
}
