package dispatch_test

import (
	"testing"

	"github.com/streamcast/mdriver/dispatch"
)

type fakeImage struct{ inserted int }

func (f *fakeImage) InsertPacket(termID, termOffset int32, buf []byte, transportIndex int32) {
	f.inserted++
}

func TestDataWithNoStreamInterestDrops(t *testing.T) {
	d := dispatch.New(int64(1e9))
	action := d.OnData(1, 42, 0, 0, nil, 0, false, 0)
	if action != dispatch.ActionDrop {
		t.Fatalf("expected drop with no subscription, got %v", action)
	}
}

func TestDataElicitsSetupThenCreatesImage(t *testing.T) {
	d := dispatch.New(int64(1e9))
	d.AddSubscription(1, 0, true)

	action := d.OnData(1, 42, 0, 0, nil, 0, false, 0)
	if action != dispatch.ActionElicitSetup {
		t.Fatalf("expected elicit-setup, got %v", action)
	}
	state, ok := d.SessionStateOf(1, 42)
	if !ok || state != dispatch.SessionPendingSetupFrame {
		t.Fatalf("expected PENDING_SETUP_FRAME, got %v (ok=%v)", state, ok)
	}

	setupAction := d.OnSetup(1, 42)
	if setupAction != dispatch.SetupCreateImage {
		t.Fatalf("expected create-image, got %v", setupAction)
	}

	img := &fakeImage{}
	d.BindImage(1, 42, img)
	action2 := d.OnData(1, 42, 0, 0, nil, 0, false, 0)
	if action2 != dispatch.ActionInserted {
		t.Fatalf("expected inserted after image bound, got %v", action2)
	}
	if img.inserted != 1 {
		t.Fatalf("expected image to receive 1 packet, got %d", img.inserted)
	}
}

// Scenario D (spec §8): cool-down after image removal.
func TestCoolDownPreventsImmediateRecreation(t *testing.T) {
	d := dispatch.New(int64(1e9))
	d.AddSubscription(1, 0, true)
	d.OnData(1, 42, 0, 0, nil, 0, false, 0)
	d.OnSetup(1, 42)
	d.BindImage(1, 42, &fakeImage{})

	d.OnImageRemoved(1, 42, 0)
	state, _ := d.SessionStateOf(1, 42)
	if state != dispatch.SessionOnCoolDown {
		t.Fatalf("expected ON_COOL_DOWN, got %v", state)
	}

	// a new DATA frame within the liveness window must not re-elicit setup
	if action := d.OnData(1, 42, 0, 0, nil, 0, false, 500_000_000); action != dispatch.ActionDrop {
		t.Fatalf("expected drop during cool-down, got %v", action)
	}

	// past the timeout, a new SETUP cycle is allowed again
	action := d.OnData(1, 42, 0, 0, nil, 0, false, int64(2e9))
	if action != dispatch.ActionElicitSetup {
		t.Fatalf("expected elicit-setup again after cool-down expires, got %v", action)
	}
}

func TestRemoveSubscriptionDropsStream(t *testing.T) {
	d := dispatch.New(int64(1e9))
	d.AddSubscription(1, 0, true)
	d.RemoveSubscription(1, 0, true)
	if action := d.OnData(1, 42, 0, 0, nil, 0, false, 0); action != dispatch.ActionDrop {
		t.Fatalf("expected drop after all subscriptions removed, got %v", action)
	}
}

func TestEvictAgedNoInterestDropsSlotsStillPresentNextObservation(t *testing.T) {
	d := dispatch.New(int64(1e9))
	// Stream 2 is subscribed for session 99 only: a DATA frame from
	// session 7 creates a NO_INTEREST slot for it.
	d.AddSubscription(2, 99, false)
	d.OnData(2, 7, 0, 0, nil, 0, false, 0)
	if state, ok := d.SessionStateOf(2, 7); !ok || state != dispatch.SessionNoInterest {
		t.Fatalf("expected NO_INTEREST, got %v (ok=%v)", state, ok)
	}

	// First observation within a generation just marks it.
	d.EvictAgedNoInterest(1)
	if _, ok := d.SessionStateOf(2, 7); !ok {
		t.Fatal("expected the slot to survive its first observation in a generation")
	}

	// Still NO_INTEREST and observed again in the same generation: evicted.
	d.EvictAgedNoInterest(1)
	if _, ok := d.SessionStateOf(2, 7); ok {
		t.Fatal("expected the slot to be evicted on a second observation within the same generation")
	}
}
