// Package cos provides common low-level types and utilities for this
// repository.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"

	"github.com/streamcast/mdriver/cmn/atomic"
	"github.com/teris-io/shortid"
)

// Alphabet for generating short, URL-safe, registration/correlation
// IDs. NOTE: len(uuidABC) > 0x3f - see GenTie().
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const (
	LenShortID = 9 // ID length, as per https://github.com/teris-io/shortid#id-length

	lenClientID = 8 // min length, via cryptographic rand

	// NOTE: cannot be smaller than any of the valid max lengths above
	tooLongID = 32
)

const (
	mayOnlyContain = "may only contain letters, numbers, dashes (-), underscores (_)"
	OnlyNice       = "must be at most 32 characters and " + mayOnlyContain
	OnlyPlus       = mayOnlyContain + ", and dots (.)"
)

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

// InitShortID must be called once, early, with a process-unique seed
// (e.g. derived from the driver's start time and PID) before GenUUID
// is used. Client registration IDs and correlation IDs in the
// command/response rings are generated with it.
func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

//
// registration / correlation IDs
//

// GenUUID returns a new short, collision-resistant ID, used for
// client registration IDs and for correlating async command/response
// pairs across the to-driver and to-clients rings.
func GenUUID() (uuid string) {
	var h, t string
	uuid = sid.MustGenerate()
	if !isAlpha(uuid[0]) {
		tie := int(rtie.Add(1))
		h = string(rune('A' + tie%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		t = string(rune('a' + tie%26))
	}
	return h + uuid + t
}

func IsValidUUID(uuid string) bool {
	return len(uuid) >= LenShortID && IsAlphaNice(uuid)
}

//
// client (publisher/subscriber process) ID
//

func GenClientID() string { return CryptoRandS(lenClientID) }

func ValidateClientID(id string) error {
	if len(id) < lenClientID {
		return fmt.Errorf("client ID %q is too short", id)
	}
	if !IsAlphaNice(id) {
		return fmt.Errorf("client ID %q is invalid: must not start or end with '-' or '_', "+OnlyNice, id)
	}
	return nil
}

//
// utility functions
//

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// letters and numbers w/ '-' and '_' permitted with limitations (see OnlyNice const)
func IsAlphaNice(s string) bool {
	l := len(s)
	if l > tooLongID {
		return false
	}
	for i := range l {
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') {
			continue
		}
		if c != '-' && c != '_' {
			return false
		}
		if i == 0 || i == l-1 {
			return false
		}
	}
	return true
}

// GenTie returns a fast 3-character tie-breaker, used to disambiguate
// two IDs generated within the same shortid tick.
func GenTie() string {
	tie := rtie.Add(1)
	b0 := uuidABC[tie&0x3f]
	b1 := uuidABC[-tie&0x3f]
	b2 := uuidABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
