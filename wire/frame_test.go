package wire_test

import (
	"testing"

	"github.com/streamcast/mdriver/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, wire.HeaderLength)
	h := wire.AsHeader(buf)

	h.SetVersion(wire.Version)
	h.SetType(wire.TypeData)
	h.SetFlags(wire.FlagEOS)
	h.SetLength(1024)
	h.SetTermOffset(2048)
	h.SetSessionID(7)
	h.SetStreamID(1001)
	h.SetTermID(3)
	h.SetReservedValue(-1)

	if h.Version() != wire.Version {
		t.Fatalf("version: got %d", h.Version())
	}
	if h.Type() != wire.TypeData {
		t.Fatalf("type: got %s", h.Type())
	}
	if !h.HasFlag(wire.FlagEOS) {
		t.Fatal("expected EOS flag set")
	}
	if h.Length() != 1024 || h.TermOffset() != 2048 || h.SessionID() != 7 ||
		h.StreamID() != 1001 || h.TermID() != 3 || h.ReservedValue() != -1 {
		t.Fatalf("field mismatch: %s", h)
	}
}

func TestIsPaddingFrame(t *testing.T) {
	buf := make([]byte, wire.HeaderLength)
	h := wire.AsHeader(buf)
	h.SetType(wire.TypeData)
	if h.IsPaddingFrame() {
		t.Fatal("plain DATA must not report as padding")
	}
	h.SetFlags(wire.FlagPad)
	if !h.IsPaddingFrame() {
		t.Fatal("DATA with FlagPad must report as padding")
	}
}

func TestAlignLength(t *testing.T) {
	cases := []struct{ in, want int32 }{
		{0, 0}, {1, 32}, {32, 32}, {33, 64}, {1024, 1024}, {1025, 1056},
	}
	for _, c := range cases {
		if got := wire.AlignLength(c.in); got != c.want {
			t.Errorf("AlignLength(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSetupPayloadSealVerify(t *testing.T) {
	buf := make([]byte, wire.HeaderLength+wire.SetupPayloadLength)
	wire.AsHeader(buf).SetType(wire.TypeSetup)
	s := wire.AsSetup(buf)
	s.SetInitialTermID(1)
	s.SetActiveTermID(1)
	s.SetTermOffset(0)
	s.SetTermLength(16 * 1024 * 1024)
	s.SetMTU(1408)
	s.SetTTL(1)
	s.Seal()

	if !s.Verify() {
		t.Fatal("expected freshly-sealed setup payload to verify")
	}
	s.SetMTU(9000) // tamper
	if s.Verify() {
		t.Fatal("expected verify to fail after tampering with a sealed field")
	}
}

func TestNakPayloadFields(t *testing.T) {
	buf := make([]byte, wire.HeaderLength+wire.NakPayloadLength)
	n := wire.AsNak(buf)
	n.SetTermID(5)
	n.SetTermOffset(3 * 1024)
	n.SetLength(1024)
	if n.TermID() != 5 || n.TermOffset() != 3*1024 || n.Length() != 1024 {
		t.Fatalf("nak field mismatch: termID=%d off=%d len=%d", n.TermID(), n.TermOffset(), n.Length())
	}
}

func TestErrPayloadMessage(t *testing.T) {
	msg := "unknown subscription"
	buf := make([]byte, wire.HeaderLength+wire.ErrFixedLength+len(msg))
	e := wire.AsErr(buf)
	e.SetCode(42)
	copy(buf[wire.HeaderLength+wire.ErrFixedLength:], msg)
	if e.Code() != 42 {
		t.Fatalf("code: got %d", e.Code())
	}
	if e.Message() != msg {
		t.Fatalf("message: got %q, want %q", e.Message(), msg)
	}
}
