package loss_test

import (
	"testing"

	"github.com/streamcast/mdriver/loss"
)

func TestCoalesceAdjacentGapsWithinMTU(t *testing.T) {
	gaps := []loss.Gap{
		{TermID: 1, Offset: 0, Length: 100},
		{TermID: 1, Offset: 150, Length: 50}, // within mtu=1408 of gap 1's end
	}
	merged := loss.Coalesce(gaps, 1408)
	if len(merged) != 1 {
		t.Fatalf("expected gaps to coalesce into 1, got %d", len(merged))
	}
	if merged[0].Length != 200 {
		t.Fatalf("expected merged length 200, got %d", merged[0].Length)
	}
}

func TestCoalesceDistantGapsStaySeparate(t *testing.T) {
	gaps := []loss.Gap{
		{TermID: 1, Offset: 0, Length: 100},
		{TermID: 1, Offset: 100000, Length: 50},
	}
	merged := loss.Coalesce(gaps, 1408)
	if len(merged) != 2 {
		t.Fatalf("expected gaps to stay separate, got %d merged", len(merged))
	}
}

func TestDetectorFiresImmediatelyOnNewGap(t *testing.T) {
	d := loss.NewDetector(1408, int64(10_000_000))
	due := d.Track(loss.ScanOutcome{Gaps: []loss.Gap{{TermID: 1, Offset: 0, Length: 1024}}}, 0)
	if len(due) != 1 {
		t.Fatalf("expected the new gap to fire immediately, got %d due", len(due))
	}
}

func TestDetectorSuppressesRepeatUntilDelayElapses(t *testing.T) {
	d := loss.NewDetector(1408, int64(10_000_000))
	d.Track(loss.ScanOutcome{Gaps: []loss.Gap{{TermID: 1, Offset: 0, Length: 1024}}}, 0)

	due := d.Track(loss.ScanOutcome{Gaps: []loss.Gap{{TermID: 1, Offset: 0, Length: 1024}}}, 1_000_000)
	if len(due) != 0 {
		t.Fatalf("expected repeat NAK to be suppressed before delay elapses, got %d", len(due))
	}

	due2 := d.Track(loss.ScanOutcome{Gaps: []loss.Gap{{TermID: 1, Offset: 0, Length: 1024}}}, 20_000_000)
	if len(due2) != 1 {
		t.Fatalf("expected repeat NAK after delay elapses, got %d", len(due2))
	}
}

func TestDetectorStopsTrackingFilledGap(t *testing.T) {
	d := loss.NewDetector(1408, int64(10_000_000))
	d.Track(loss.ScanOutcome{Gaps: []loss.Gap{{TermID: 1, Offset: 0, Length: 1024}}}, 0)
	if d.PendingCount() != 1 {
		t.Fatalf("expected 1 pending gap, got %d", d.PendingCount())
	}
	d.Track(loss.ScanOutcome{Gaps: nil}, 1_000_000)
	if d.PendingCount() != 0 {
		t.Fatalf("expected gap to stop being tracked once absent from a scan, got %d", d.PendingCount())
	}
}
