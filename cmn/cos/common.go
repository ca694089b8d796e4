// Package cos provides common low-level types and utilities shared by
// every package in this repository: error helpers, ID generation, and
// the handful of unsafe string/byte conversions and random-string
// helpers that the rest of cos depends on. The retrieved teacher copy
// of this package referenced several of these (UnsafeS, UnsafeB,
// CryptoRandS, Plural, LetterRunes) from sibling files that were
// filtered out of the reference pack; they are rewritten here to the
// same names and semantics so the package compiles standalone.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"crypto/rand"
	"errors"
	"io"
	"unsafe"
)

const (
	LetterRunes   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	LenRunes      = len(LetterRunes)
	letterIdxBits = 6
	letterIdxMask = 1<<letterIdxBits - 1

	// MLCG32 is a multiplicative-congruential seed (arbitrary odd
	// constant); nothing in this module uses it.
	MLCG32 = 2331366589
)

func UnsafeB(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func UnsafeS(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// Plural returns "s" when n != 1, for building English messages.
func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// CryptoRandS returns a cryptographically random alphanumeric string of length n.
func CryptoRandS(n int) string {
	b := make([]byte, n)
	idx := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, idx); err != nil {
		panic(err) // no recovery from a broken entropy source
	}
	for i, c := range idx {
		b[i] = LetterRunes[int(c)%LenRunes]
	}
	return string(b)
}

func IsEOF(err error) bool { return errors.Is(err, io.EOF) }
