package resolver_test

import (
	"testing"
	"time"

	"github.com/streamcast/mdriver/resolver"
)

func TestLearnAndLookup(t *testing.T) {
	tbl, err := resolver.NewTable("self", 1000, 16)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	defer tbl.Close()

	rec := resolver.Record{Type: resolver.ResNeighbor, Port: 9001, Address: "10.0.0.5", Name: "peer-a"}
	if err := tbl.Learn(rec); err != nil {
		t.Fatalf("Learn: %v", err)
	}

	got, ok := tbl.Lookup("peer-a")
	if !ok {
		t.Fatal("expected peer-a to be found")
	}
	if got.Address != "10.0.0.5" || got.Port != 9001 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestNeighborsExcludesSelf(t *testing.T) {
	tbl, err := resolver.NewTable("self", 1000, 16)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	defer tbl.Close()

	if err := tbl.SetSelf(resolver.Record{Type: resolver.ResSelf, Name: "self", Address: "127.0.0.1", Port: 9000}); err != nil {
		t.Fatalf("SetSelf: %v", err)
	}
	if err := tbl.Learn(resolver.Record{Type: resolver.ResNeighbor, Name: "peer-a", Address: "10.0.0.5", Port: 9001}); err != nil {
		t.Fatalf("Learn: %v", err)
	}

	neighbors := tbl.Neighbors()
	if len(neighbors) != 1 || neighbors[0].Name != "peer-a" {
		t.Fatalf("expected only peer-a in neighbor list, got %+v", neighbors)
	}
}

func TestNeighborExpiresAfterTimeout(t *testing.T) {
	tbl, err := resolver.NewTable("self", 20, 16) // 20ms TTL
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	defer tbl.Close()

	if err := tbl.Learn(resolver.Record{Name: "peer-a", Address: "10.0.0.5", Port: 9001}); err != nil {
		t.Fatalf("Learn: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	if _, ok := tbl.Lookup("peer-a"); ok {
		t.Fatal("expected peer-a to have expired")
	}
}

func TestShouldForwardDedupsWithinRound(t *testing.T) {
	tbl, err := resolver.NewTable("self", 1000, 16)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	defer tbl.Close()

	rec := resolver.Record{Name: "peer-a", Address: "10.0.0.5"}
	if !tbl.ShouldForward(rec) {
		t.Fatal("expected first forward to be allowed")
	}
	if tbl.ShouldForward(rec) {
		t.Fatal("expected second forward within the same round to be suppressed")
	}

	tbl.ResetForwardDedup(16)
	if !tbl.ShouldForward(rec) {
		t.Fatal("expected forward to be allowed again after dedup reset")
	}
}
