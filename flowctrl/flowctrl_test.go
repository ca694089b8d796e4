package flowctrl_test

import (
	"testing"

	"github.com/streamcast/mdriver/flowctrl"
)

func TestSenderFlowControlMinAggregation(t *testing.T) {
	fc := flowctrl.NewSenderFlowControl(flowctrl.AggregatorMin, int64(1e9))
	fc.OnStatusMessage(1, 1000, false, 0)
	limit := fc.OnStatusMessage(2, 500, false, 1)
	if limit != 500 {
		t.Fatalf("expected min(1000,500)=500, got %d", limit)
	}
}

func TestSenderFlowControlDropsStaleReceiver(t *testing.T) {
	fc := flowctrl.NewSenderFlowControl(flowctrl.AggregatorMin, 100)
	fc.OnStatusMessage(1, 1000, false, 0)
	fc.OnStatusMessage(2, 500, false, 0)
	limit := fc.OnIdle(1000) // receiver 2's silence (1000ns) exceeds the 100ns timeout
	if fc.ReceiverCount() != 0 {
		t.Fatalf("expected all stale receivers dropped, got %d remaining", fc.ReceiverCount())
	}
	if limit != 1<<63-1 {
		t.Fatalf("expected unconstrained limit once no receiver is tracked, got %d", limit)
	}
}

func TestStaticWindowCappedByHalfTermLength(t *testing.T) {
	cc := flowctrl.NewStaticWindow(1024, 4096)
	out := cc.OnTrackRebuild(0, 0, false)
	if out.WindowLength != 512 {
		t.Fatalf("expected window capped to termLength/2=512, got %d", out.WindowLength)
	}
	if out.ShouldForceSM {
		t.Fatal("static window must never force an SM")
	}
	if cc.ShouldMeasureRTT(0) {
		t.Fatal("static window must never request RTT measurement")
	}
}

func TestCubicReducesWindowOnLoss(t *testing.T) {
	cc := flowctrl.NewCubic(1024, 1<<20, int64(1e9))
	before := cc.OnTrackRebuild(0, 0, false)
	after := cc.OnTrackRebuild(int64(1e6), 0, true)
	if after.WindowLength >= before.WindowLength {
		t.Fatalf("expected window to shrink after loss: before=%d after=%d", before.WindowLength, after.WindowLength)
	}
}
