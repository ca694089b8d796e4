package netio_test

import (
	"net"
	"testing"

	"github.com/streamcast/mdriver/netio"
)

func TestBindLoopbackAndSendReceive(t *testing.T) {
	rx, err := netio.Bind(netio.Config{BindAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}})
	if err != nil {
		t.Fatalf("bind receiver: %v", err)
	}
	defer rx.Close()

	tx, err := netio.Bind(netio.Config{BindAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}})
	if err != nil {
		t.Fatalf("bind sender: %v", err)
	}
	defer tx.Close()

	payload := []byte("aeron-frame")
	if _, err := tx.Send(payload, rx.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}

	var pkts []netio.Packet
	for i := 0; i < 50 && len(pkts) == 0; i++ {
		bufs := [][]byte{make([]byte, 1408)}
		got, err := rx.ReceiveBatch(bufs)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		pkts = got
	}
	if len(pkts) != 1 {
		t.Fatalf("expected exactly 1 packet eventually, got %d", len(pkts))
	}
}

func TestBindReportsActiveStatus(t *testing.T) {
	ep, err := netio.Bind(netio.Config{BindAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer ep.Close()

	if ep.Status() != netio.StatusActive {
		t.Fatalf("expected StatusActive after bind, got %v", ep.Status())
	}
	ep.Close()
	if ep.Status() != netio.StatusClosed {
		t.Fatalf("expected StatusClosed after Close, got %v", ep.Status())
	}
}

func TestReceiveBatchTimesOutWithoutBlocking(t *testing.T) {
	ep, err := netio.Bind(netio.Config{BindAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer ep.Close()

	bufs := [][]byte{make([]byte, 1408), make([]byte, 1408)}
	pkts, err := ep.ReceiveBatch(bufs)
	if err != nil {
		t.Fatalf("expected a timeout to be absorbed, not propagated: %v", err)
	}
	if len(pkts) != 0 {
		t.Fatalf("expected no packets on an idle socket, got %d", len(pkts))
	}
}
