// Package flowctrl implements sender-side flow control (§4.7):
// aggregating tracked-receiver positions into a publisher limit, and
// receiver-side congestion control: computing the advertised window
// and whether to force a status message.
/*
 * Copyright (c) 2018-2026, NVIDIA CORPORATION. All rights reserved.
 */
package flowctrl

import (
	"github.com/streamcast/mdriver/cmn/mono"
)

// Aggregator picks how tracked receiver positions combine into one
// sender limit (unicast: the only receiver; multicast: min/max/tagged).
type Aggregator int

const (
	AggregatorMin Aggregator = iota
	AggregatorMax
	AggregatorTagged
)

// receiver is one tracked destination's last-known position.
type receiver struct {
	id           int64
	position     int64
	lastActivity int64 // mono.NanoTime() of last SM/activity from this receiver
	tagged       bool
}

// SenderFlowControl tracks receiver positions for one NetworkPublication
// and computes the publisher limit (§4.7 unicast/multicast variants).
type SenderFlowControl struct {
	aggregator      Aggregator
	receiverTimeout int64 // ns; a receiver silent beyond this is dropped
	receivers       map[int64]*receiver
}

func NewSenderFlowControl(agg Aggregator, receiverTimeoutNs int64) *SenderFlowControl {
	return &SenderFlowControl{aggregator: agg, receiverTimeout: receiverTimeoutNs, receivers: make(map[int64]*receiver)}
}

// OnStatusMessage records a receiver's advertised position and
// returns the recomputed publisher limit.
func (fc *SenderFlowControl) OnStatusMessage(receiverID, position int64, tagged bool, nowNs int64) int64 {
	r, ok := fc.receivers[receiverID]
	if !ok {
		r = &receiver{id: receiverID}
		fc.receivers[receiverID] = r
	}
	r.position = position
	r.lastActivity = nowNs
	r.tagged = tagged
	return fc.limit(nowNs)
}

// OnIdle drops receivers silent beyond receiverTimeout and recomputes
// the limit without needing a new SM. The sender agent does not call
// it; only tests do.
func (fc *SenderFlowControl) OnIdle(nowNs int64) int64 {
	for id, r := range fc.receivers {
		if nowNs-r.lastActivity > fc.receiverTimeout {
			delete(fc.receivers, id)
		}
	}
	return fc.limit(nowNs)
}

func (fc *SenderFlowControl) limit(nowNs int64) int64 {
	if len(fc.receivers) == 0 {
		return 1<<63 - 1 // no tracked receiver yet: do not constrain the publisher
	}
	var (
		result     int64
		resultSet  bool
		taggedOnly = fc.aggregator == AggregatorTagged
	)
	for _, r := range fc.receivers {
		if nowNs-r.lastActivity > fc.receiverTimeout {
			continue
		}
		if taggedOnly && !r.tagged {
			continue
		}
		if !resultSet {
			result, resultSet = r.position, true
			continue
		}
		switch fc.aggregator {
		case AggregatorMax:
			if r.position > result {
				result = r.position
			}
		default: // Min, Tagged
			if r.position < result {
				result = r.position
			}
		}
	}
	if !resultSet {
		return 1<<63 - 1
	}
	return result
}

// ReceiverCount reports how many receivers are currently tracked;
// only tests use it.
func (fc *SenderFlowControl) ReceiverCount() int { return len(fc.receivers) }

//
// receiver-side congestion control (§4.7)
//

// Outcome packs (windowLength, shouldForceSM) the way the original
// driver packs them into a single word read by the image — kept as a
// plain struct here since Go has no need for the bit-packing trick to
// stay lock-free (the image reads this via the two-counter release
// protocol in pubimage, not via a raw word).
type Outcome struct {
	WindowLength  int32
	ShouldForceSM bool
}

// CongestionControl computes the receiver's advertised window.
type CongestionControl interface {
	OnTrackRebuild(nowNs int64, newRebuildPosition int64, lossFound bool) Outcome
	// Threshold is the "advance far enough to reconsider SM" quantum (windowLength/4).
	Threshold() int32
	ShouldMeasureRTT(nowNs int64) bool
	OnRTTMeasurement(rttNs int64, reduceWindow bool)
}

// StaticWindowCongestionControl (§4.7): a fixed window, never
// requests RTT, never forces an SM on its own initiative.
type StaticWindowCongestionControl struct {
	window int32
}

func NewStaticWindow(termLength int64, initialWindowLength int32) *StaticWindowCongestionControl {
	half := int32(termLength / 2)
	w := initialWindowLength
	if half < w {
		w = half
	}
	return &StaticWindowCongestionControl{window: w}
}

func (s *StaticWindowCongestionControl) OnTrackRebuild(int64, int64, bool) Outcome {
	return Outcome{WindowLength: s.window}
}
func (s *StaticWindowCongestionControl) Threshold() int32 { return s.window / 4 }
func (*StaticWindowCongestionControl) ShouldMeasureRTT(int64) bool { return false }
func (*StaticWindowCongestionControl) OnRTTMeasurement(int64, bool) {}

// CubicCongestionControl (§4.7): a TCP-CUBIC-like window that grows
// with time-since-last-reduction and periodically measures RTT,
// forcing an SM when the window differs by at least one threshold
// quantum from the one computed on the previous OnTrackRebuild call.
type CubicCongestionControl struct {
	maxWindow      int32
	minWindow      int32
	lastReduceNs   int64
	lastWindow     int32
	lastMeasureNs  int64
	measureEvery   int64
	rttNs          int64
	cubicK         float64
	beta           float64 // multiplicative decrease factor on window reduction
}

const cubicC = 0.4

func NewCubic(minWindow, maxWindow int32, measureEveryNs int64) *CubicCongestionControl {
	return &CubicCongestionControl{
		minWindow:    minWindow,
		maxWindow:    maxWindow,
		lastWindow:   minWindow,
		measureEvery: measureEveryNs,
		beta:         0.7,
	}
}

func (c *CubicCongestionControl) OnTrackRebuild(nowNs int64, _ int64, lossFound bool) Outcome {
	if lossFound {
		c.reduce(nowNs)
	}
	t := float64(nowNs-c.lastReduceNs) / float64(1e9)
	w := cubicC*cube(t-c.cubicK) + float64(c.maxWindow)
	win := int32(w)
	if win > c.maxWindow {
		win = c.maxWindow
	}
	if win < c.minWindow {
		win = c.minWindow
	}
	force := abs32(win-c.lastWindow) >= c.Threshold()
	c.lastWindow = win
	return Outcome{WindowLength: win, ShouldForceSM: force}
}

func (c *CubicCongestionControl) reduce(nowNs int64) {
	wMax := float64(c.lastWindow)
	c.maxWindow = int32(wMax * c.beta)
	if c.maxWindow < c.minWindow {
		c.maxWindow = c.minWindow
	}
	c.lastReduceNs = nowNs
	c.cubicK = cubeRoot(wMax * (1 - c.beta) / cubicC)
}

func (c *CubicCongestionControl) Threshold() int32 { return c.lastWindow / 4 }

func (c *CubicCongestionControl) ShouldMeasureRTT(nowNs int64) bool {
	if nowNs-c.lastMeasureNs < c.measureEvery {
		return false
	}
	c.lastMeasureNs = nowNs
	return true
}

// OnRTTMeasurement folds a fresh RTT sample into the controller and
// — per this driver's ECN-style extension (see SUPPLEMENTED FEATURES)
// — applies an immediate multiplicative-decrease reduction if the
// peer flagged reduceWindow, instead of waiting for the next loss event.
func (c *CubicCongestionControl) OnRTTMeasurement(rttNs int64, reduceWindow bool) {
	c.rttNs = rttNs
	if reduceWindow {
		c.reduce(mono.NanoTime())
	}
}

func cube(x float64) float64 { return x * x * x }

func cubeRoot(x float64) float64 {
	if x <= 0 {
		return 0
	}
	// Newton's method; a handful of iterations is plenty for this use.
	g := x
	for i := 0; i < 20; i++ {
		g = g - (g*g*g-x)/(3*g*g)
	}
	return g
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
