package conductor_test

import (
	"net"
	"testing"
	"time"

	"github.com/streamcast/mdriver/cmn/mono"
	"github.com/streamcast/mdriver/conductor"
	"github.com/streamcast/mdriver/receiver"
	"github.com/streamcast/mdriver/wire"
)

func newAgent(t *testing.T, cfg conductor.Config) *conductor.Agent {
	t.Helper()
	if cfg.LivenessSweepInterval == 0 {
		cfg.LivenessSweepInterval = time.Hour // keep hk's own ticker out of the test's way
	}
	a := conductor.New(cfg)
	t.Cleanup(a.Stop)
	return a
}

func TestParseChannelURIDefaultsAndOverrides(t *testing.T) {
	p, err := conductor.ParseChannelURI("aeron:udp?endpoint=192.168.1.1:40001|term-length=131072|mtu=9000|session-id=77|reliable=false|tags=foo")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Endpoint != "192.168.1.1:40001" {
		t.Fatalf("endpoint = %q", p.Endpoint)
	}
	if p.TermLength != 131072 || p.MTU != 9000 || p.SessionID != 77 || p.Reliable || p.Tags != "foo" {
		t.Fatalf("unexpected params: %+v", p)
	}

	defaults, err := conductor.ParseChannelURI("aeron:udp?endpoint=localhost:9999")
	if err != nil {
		t.Fatalf("parse defaults: %v", err)
	}
	if defaults.TermLength != 64*1024 || defaults.MTU != 1408 || !defaults.Reliable {
		t.Fatalf("unexpected defaults: %+v", defaults)
	}
}

func TestParseChannelURIRejectsMissingPrefixAndEndpoint(t *testing.T) {
	if _, err := conductor.ParseChannelURI("udp?endpoint=localhost:1"); err == nil {
		t.Fatal("expected an error for a non-aeron URI")
	}
	if _, err := conductor.ParseChannelURI("aeron:udp?mtu=1408"); err == nil {
		t.Fatal("expected an error for a channel with no endpoint")
	}
	if _, err := conductor.ParseChannelURI("aeron:udp?mtu=notanumber"); err == nil {
		t.Fatal("expected an error for an unparseable parameter value")
	}
}

func TestRegisterClientKeepaliveAndTimeoutSweep(t *testing.T) {
	a := newAgent(t, conductor.Config{ClientLivenessTimeoutNs: int64(time.Second)})

	start := mono.NanoTime()
	id := a.RegisterClient(start)
	if a.ClientCount() != 1 {
		t.Fatalf("expected one registered client, got %d", a.ClientCount())
	}

	a.Sweep(start + int64(500*time.Millisecond))
	if a.ClientCount() != 1 {
		t.Fatal("client should still be alive before its liveness timeout")
	}
	if !a.ClientKeepalive(id, start+int64(500*time.Millisecond)) {
		t.Fatal("expected keepalive on a still-registered client to succeed")
	}

	a.Sweep(start + int64(2*time.Second))
	if a.ClientCount() != 0 {
		t.Fatal("expected the client to be evicted once its keepalive timeout elapsed")
	}
	if a.ClientKeepalive(id, start+int64(3*time.Second)) {
		t.Fatal("expected keepalive on an evicted client to fail")
	}
}

func TestCreatePublicationAssignsSessionIDOutsideReservedRange(t *testing.T) {
	a := newAgent(t, conductor.Config{
		HeartbeatIntervalNs: int64(time.Second),
		SetupIntervalNs:     int64(100 * time.Millisecond),
		ReceiverTimeoutNs:   int64(5 * time.Second),
	})

	params, err := conductor.ParseChannelURI("aeron:udp?endpoint=127.0.0.1:40001")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, _, sessionID, err := a.CreatePublication("aeron:udp?endpoint=127.0.0.1:40001", 1001, params, mono.NanoTime())
	if err != nil {
		t.Fatalf("create publication: %v", err)
	}
	if sessionID < conductor.ReservedSessionIDMax {
		t.Fatalf("expected an allocated session id outside the reserved range, got %d", sessionID)
	}
	if a.PublicationCount() != 1 {
		t.Fatalf("expected one registered publication, got %d", a.PublicationCount())
	}

	// A second, unpinned CreatePublication on the same (channel, streamID)
	// allocates a fresh session id rather than being rejected: distinct
	// session ids may multiplex onto one (channel, streamID) pair.
	_, _, secondSessionID, err := a.CreatePublication("aeron:udp?endpoint=127.0.0.1:40001", 1001, params, mono.NanoTime())
	if err != nil {
		t.Fatalf("create second publication: %v", err)
	}
	if secondSessionID == sessionID {
		t.Fatal("expected the second publication to receive a distinct session id")
	}
	if a.PublicationCount() != 2 {
		t.Fatalf("expected two multiplexed publications, got %d", a.PublicationCount())
	}
}

func TestCreatePublicationHonorsPinnedSessionIDPerStream(t *testing.T) {
	a := newAgent(t, conductor.Config{
		HeartbeatIntervalNs: int64(time.Second),
		SetupIntervalNs:     int64(100 * time.Millisecond),
		ReceiverTimeoutNs:   int64(5 * time.Second),
	})
	channel := "aeron:udp?endpoint=127.0.0.1:40002"

	pinned, _ := conductor.ParseChannelURI(channel + "|session-id=5000")
	if _, _, sessionID, err := a.CreatePublication(channel, 1, pinned, mono.NanoTime()); err != nil || sessionID != 5000 {
		t.Fatalf("expected pinned session id 5000, got %d err %v", sessionID, err)
	}

	// Distinct (channel, stream) pair: the same explicit session id is
	// tracked per-pair, so it is not rejected as a collision here.
	other, _ := conductor.ParseChannelURI(channel + "|session-id=5000")
	if _, _, sessionID, err := a.CreatePublication(channel, 2, other, mono.NanoTime()); err != nil || sessionID != 5000 {
		t.Fatalf("expected session id 5000 to be reusable on a distinct stream, got %d err %v", sessionID, err)
	}

	// A distinct session id on that same (channel, stream) pair multiplexes
	// onto it instead of being rejected (session multiplexing, §4.8).
	mux, _ := conductor.ParseChannelURI(channel + "|session-id=6000")
	if _, _, sessionID, err := a.CreatePublication(channel, 2, mux, mono.NanoTime()); err != nil || sessionID != 6000 {
		t.Fatalf("expected a second session id to multiplex onto the same (channel, stream) pair, got %d err %v", sessionID, err)
	}
	if a.PublicationCount() != 3 {
		t.Fatalf("expected three publications (two multiplexed on stream 2), got %d", a.PublicationCount())
	}

	// Re-requesting the *same* session id on that pair still collides.
	redup, _ := conductor.ParseChannelURI(channel + "|session-id=6000")
	if _, _, _, err := a.CreatePublication(channel, 2, redup, mono.NanoTime()); err == nil {
		t.Fatal("expected re-requesting the same session id on the same (channel, stream) pair to be rejected")
	}
}

func TestRemovePublicationDrivesStateToClosedAndFreesSessionID(t *testing.T) {
	a := newAgent(t, conductor.Config{
		HeartbeatIntervalNs:        int64(time.Second),
		SetupIntervalNs:            int64(100 * time.Millisecond),
		ReceiverTimeoutNs:          int64(5 * time.Second),
		PublicationLingerTimeoutNs: 0,
	})
	channel := "aeron:udp?endpoint=127.0.0.1:40003"
	params, _ := conductor.ParseChannelURI(channel)

	start := mono.NanoTime()
	_, _, sessionID, err := a.CreatePublication(channel, 42, params, start)
	if err != nil {
		t.Fatalf("create publication: %v", err)
	}
	a.RemovePublication(channel, 42, sessionID, start)

	for i := 0; i < 10 && a.PublicationCount() != 0; i++ {
		a.Sweep(start + int64(i+1)*int64(time.Second))
	}
	if a.PublicationCount() != 0 {
		t.Fatal("expected the publication to be fully torn down after DecRef and repeated sweeps")
	}

	// The session id should be free for reuse now.
	pinned, _ := conductor.ParseChannelURI(channel + "|session-id=1500")
	if _, _, sessionID, err := a.CreatePublication(channel, 42, pinned, start); err != nil || sessionID != 1500 {
		t.Fatalf("expected the freed (channel, stream) slot to accept a new publication, got %d err %v", sessionID, err)
	}
}

func TestCreateImageRejectsUnsealedSetup(t *testing.T) {
	a := newAgent(t, conductor.Config{InitialWindowLength: 64 * 1024, Reliable: true, NakDelayNs: int64(1e8)})

	buf := make([]byte, wire.HeaderLength+wire.SetupPayloadLength)
	s := wire.AsSetup(buf)
	s.SetInitialTermID(1)
	s.SetActiveTermID(1)
	s.SetTermOffset(0)
	s.SetTermLength(64 * 1024)
	s.SetMTU(1408)
	s.SetTTL(1)
	// Deliberately not sealed: Cookie() stays zero and must not match.

	if img := a.CreateImage(receiver.EndpointID(0), 1, 1, s, nil, mono.NanoTime()); img != nil {
		t.Fatal("expected an unsealed SETUP to be rejected")
	}
}

func TestCreateImageAcceptsSealedSetup(t *testing.T) {
	a := newAgent(t, conductor.Config{InitialWindowLength: 64 * 1024, Reliable: true, NakDelayNs: int64(1e8)})

	buf := make([]byte, wire.HeaderLength+wire.SetupPayloadLength)
	s := wire.AsSetup(buf)
	s.SetInitialTermID(1)
	s.SetActiveTermID(1)
	s.SetTermOffset(0)
	s.SetTermLength(64 * 1024)
	s.SetMTU(1408)
	s.SetTTL(1)
	s.Seal()

	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40010}
	img := a.CreateImage(receiver.EndpointID(0), 2001, 9, s, src, mono.NanoTime())
	if img == nil {
		t.Fatal("expected a sealed SETUP to produce an image")
	}
}

func TestSweepUnblocksStalledPublication(t *testing.T) {
	a := newAgent(t, conductor.Config{
		HeartbeatIntervalNs:         int64(time.Second),
		SetupIntervalNs:             int64(100 * time.Millisecond),
		ReceiverTimeoutNs:           int64(5 * time.Second),
		PublicationUnblockTimeoutNs: 0, // unblock on the very next sweep if the position hasn't moved
	})
	channel := "aeron:udp?endpoint=127.0.0.1:40004"
	params, _ := conductor.ParseChannelURI(channel)

	start := mono.NanoTime()
	if _, _, _, err := a.CreatePublication(channel, 7, params, start); err != nil {
		t.Fatalf("create publication: %v", err)
	}

	// CreatePublication recorded the baseline position at start; with a
	// zero timeout the first sweep already sees no movement and unblocks,
	// and the second sweep runs against the unblocked publication.
	a.Sweep(start)
	a.Sweep(start + int64(time.Second))

	// No direct counter assertion without a Prometheus registry wired in;
	// the meaningful assertion is that the unblock path doesn't panic and
	// the publication survives (it isn't draining).
	if a.PublicationCount() != 1 {
		t.Fatalf("expected the publication to remain active through an unblock, got count %d", a.PublicationCount())
	}
}
