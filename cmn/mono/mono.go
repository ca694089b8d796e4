// Package mono provides a monotonic nanosecond clock used everywhere
// this repository measures a duration or a deadline, instead of
// time.Now().UnixNano() (which is vulnerable to wall-clock jumps).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since process start, derived
// from Go's internal monotonic clock reading (time.Since never loses
// the monotonic component as long as both operands carry one).
func NanoTime() int64 { return int64(time.Since(start)) }
