package driver_test

import (
	"testing"
	"time"

	"github.com/streamcast/mdriver/conductor"
	"github.com/streamcast/mdriver/driver"
	"github.com/streamcast/mdriver/receiver"
	"github.com/streamcast/mdriver/sender"
)

func TestIdleStrategyEscalatesSpinYieldParkAndResets(t *testing.T) {
	s := driver.NewIdleStrategy(int64(4 * time.Millisecond))

	// First spinLimit+yieldLimit idle calls must not block noticeably:
	// only the park phase should ever sleep.
	start := time.Now()
	for i := 0; i < 30; i++ {
		s.Idle(0)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected spin+yield phases to stay fast, took %v", elapsed)
	}

	// A workCount > 0 resets the ladder back to spinning.
	s.Idle(1)
	start = time.Now()
	for i := 0; i < 10; i++ {
		s.Idle(0)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Millisecond {
		t.Fatalf("expected the ladder to reset to spinning after work was done, took %v", elapsed)
	}
}

func newInvokerDriver(t *testing.T) *driver.Driver {
	t.Helper()
	d := driver.New(driver.Config{
		Mode: driver.ModeInvoker,
		Conductor: conductor.Config{
			ClientLivenessTimeoutNs:     int64(time.Second),
			PublicationUnblockTimeoutNs: int64(time.Second),
			PublicationLingerTimeoutNs:  int64(time.Second),
			HeartbeatIntervalNs:         int64(time.Second),
			SetupIntervalNs:             int64(100 * time.Millisecond),
			ReceiverTimeoutNs:           int64(5 * time.Second),
			NakDelayNs:                  int64(1e8),
			InitialWindowLength:         64 * 1024,
			Reliable:                    true,
			LivenessSweepInterval:       time.Hour,
		},
		Receiver: receiver.Config{
			ImageLivenessNs:        int64(time.Second),
			StatusMessageTimeoutNs: int64(time.Second),
			PendingSetupsTimeoutNs: int64(time.Second),
		},
		Sender: sender.Config{},
	})
	t.Cleanup(func() { d.Conductor().Stop() })
	return d
}

func TestInvokerModeTicksWithoutPanicAndRunIsNoop(t *testing.T) {
	d := newInvokerDriver(t)
	for i := 0; i < 5; i++ {
		if n := d.Tick(); n < 0 {
			t.Fatalf("unexpected negative work count: %d", n)
		}
	}
	if err := d.Run(nil); err != nil {
		t.Fatalf("expected ModeInvoker Run to be a no-op, got %v", err)
	}
}

func TestTickWithNoPublicationsDoesNotPanic(t *testing.T) {
	d := newInvokerDriver(t)
	// No publication registered: Tick must not panic; sender.DoWork has
	// no entries, so publisherPositionOf is never called.
	d.Tick()
}
