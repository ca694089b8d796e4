package resolver_test

import (
	"net"
	"testing"
	"time"

	"github.com/streamcast/mdriver/cnc"
	"github.com/streamcast/mdriver/netio"
	"github.com/streamcast/mdriver/resolver"
)

func bindLoopback(t *testing.T) netio.Endpoint {
	t.Helper()
	ep, err := netio.Bind(netio.Config{BindAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	return ep
}

func TestAdvertiseSelfSendsToSeed(t *testing.T) {
	epA := bindLoopback(t)
	defer epA.Close()
	epB := bindLoopback(t)
	defer epB.Close()

	tblA, err := resolver.NewTable("a", 1000, 16)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	defer tblA.Close()

	agentA := resolver.New(resolver.Config{
		Endpoint:                     epA,
		Table:                        tblA,
		Self:                         resolver.Record{Name: "a", Address: "127.0.0.1", Port: int32(epA.LocalAddr().Port)},
		Seeds:                        []*net.UDPAddr{epB.LocalAddr()},
		SelfResolutionIntervalNs:     1,
		NeighborResolutionIntervalNs: 0,
	})

	if n := agentA.DoWork(1); n == 0 {
		t.Fatal("expected DoWork to report work on the first self-advertisement round")
	}

	deadline := time.Now().Add(time.Second)
	bufs := [][]byte{make([]byte, 1500)}
	var pkts []netio.Packet
	for time.Now().Before(deadline) {
		pkts, err = epB.ReceiveBatch(bufs)
		if err != nil {
			t.Fatalf("ReceiveBatch: %v", err)
		}
		if len(pkts) > 0 {
			break
		}
	}
	if len(pkts) == 0 {
		t.Fatal("expected a RES frame to arrive at the seed")
	}
}

func TestInboundResFrameIsLearnedIntoTable(t *testing.T) {
	epA := bindLoopback(t)
	defer epA.Close()
	epB := bindLoopback(t)
	defer epB.Close()

	tblA, err := resolver.NewTable("a", 1000, 16)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	defer tblA.Close()

	tblB, err := resolver.NewTable("b", 1000, 16)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	defer tblB.Close()

	errs := cnc.NewErrorLog()
	agentA := resolver.New(resolver.Config{
		Endpoint:                 epA,
		Table:                    tblA,
		Errors:                   errs,
		Self:                     resolver.Record{Name: "a", Address: "127.0.0.1", Port: int32(epA.LocalAddr().Port)},
		Seeds:                    []*net.UDPAddr{epB.LocalAddr()},
		SelfResolutionIntervalNs: 1,
	})
	agentB := resolver.New(resolver.Config{
		Endpoint: epB,
		Table:    tblB,
		Errors:   errs,
		Self:     resolver.Record{Name: "b", Address: "127.0.0.1", Port: int32(epB.LocalAddr().Port)},
	})

	agentA.DoWork(1)

	var ok bool
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		agentB.DoWork(1)
		if _, ok = tblB.Lookup("a"); ok {
			break
		}
	}
	if !ok {
		t.Fatal("expected agent B to learn agent A's SELF record from the inbound RES frame")
	}
}
