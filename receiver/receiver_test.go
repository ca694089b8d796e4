package receiver_test

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/streamcast/mdriver/cmn/mono"
	"github.com/streamcast/mdriver/cnc"
	"github.com/streamcast/mdriver/flowctrl"
	"github.com/streamcast/mdriver/logbuf"
	"github.com/streamcast/mdriver/loss"
	"github.com/streamcast/mdriver/netio"
	"github.com/streamcast/mdriver/pubimage"
	"github.com/streamcast/mdriver/receiver"
	"github.com/streamcast/mdriver/wire"
)

func encodeSubscriptionCommand(id receiver.EndpointID, streamID, sessionID int32, allSessions bool) []byte {
	msg := make([]byte, 13)
	binary.LittleEndian.PutUint32(msg[0:], uint32(id))
	binary.LittleEndian.PutUint32(msg[4:], uint32(streamID))
	binary.LittleEndian.PutUint32(msg[8:], uint32(sessionID))
	if allSessions {
		msg[12] = 1
	}
	return msg
}

func bindLoopback(t *testing.T) netio.Endpoint {
	t.Helper()
	ep, err := netio.Bind(netio.Config{BindAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	return ep
}

func writeSetup(buf []byte, streamID, sessionID int32) {
	total := wire.HeaderLength + wire.SetupPayloadLength
	h := wire.AsHeader(buf[:total])
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeSetup)
	h.SetLength(int32(total))
	h.SetStreamID(streamID)
	h.SetSessionID(sessionID)
	s := wire.AsSetup(buf[:total])
	s.SetInitialTermID(1)
	s.SetActiveTermID(1)
	s.SetTermOffset(0)
	s.SetTermLength(64 * 1024)
	s.SetMTU(1408)
	s.SetTTL(1)
	s.Seal()
}

func writeData(buf []byte, streamID, sessionID int32, body []byte) {
	total := wire.HeaderLength + len(body)
	h := wire.AsHeader(buf[:total])
	h.SetVersion(wire.Version)
	h.SetType(wire.TypeData)
	h.SetLength(int32(total))
	h.SetStreamID(streamID)
	h.SetSessionID(sessionID)
	h.SetTermID(1)
	h.SetTermOffset(0)
	copy(buf[wire.HeaderLength:total], body)
}

func newTestImage(streamID, sessionID int32, setup wire.SetupPayload) *pubimage.Image {
	log := logbuf.NewLog(setup.InitialTermID(), int64(setup.TermLength()), setup.MTU())
	cc := flowctrl.NewStaticWindow(int64(setup.TermLength()), 64*1024)
	lossDet := loss.NewDetector(setup.MTU(), int64(1e8))
	return pubimage.New(streamID, sessionID, log, cc, lossDet, true, 0, 1)
}

func TestDoWorkElicitsSetupThenCreatesImage(t *testing.T) {
	dataEP := bindLoopback(t)
	defer dataEP.Close()
	peer := bindLoopback(t)
	defer peer.Close()

	var created *pubimage.Image
	a := receiver.New(receiver.Config{
		ImageLivenessNs:        int64(1e9),
		StatusMessageTimeoutNs: int64(1e8),
		PendingSetupsTimeoutNs: int64(1e9),
		Factory: func(epID receiver.EndpointID, streamID, sessionID int32, setup wire.SetupPayload, src *net.UDPAddr, nowNs int64) *pubimage.Image {
			created = newTestImage(streamID, sessionID, setup)
			return created
		},
	})
	a.RegisterEndpoint(0, dataEP)
	a.AddSubscription(0, 5001, 0, true)

	body := make([]byte, 16)
	buf := make([]byte, wire.HeaderLength+len(body))
	writeData(buf, 5001, 3, body)
	if _, err := peer.Send(buf, dataEP.LocalAddr()); err != nil {
		t.Fatalf("send data: %v", err)
	}

	bufs := [][]byte{make([]byte, 1408)}
	var pkts []netio.Packet
	for i := 0; i < 50 && len(pkts) == 0; i++ {
		a.DoWork(mono.NanoTime())
		pkts, _ = peer.ReceiveBatch(bufs)
	}
	if len(pkts) != 1 || !wire.AsHeader(bufs[0][:wire.HeaderLength]).HasFlag(wire.FlagSetup) {
		t.Fatal("expected the unsolicited DATA frame to elicit a setup-request SM")
	}

	setupBuf := make([]byte, wire.HeaderLength+wire.SetupPayloadLength)
	writeSetup(setupBuf, 5001, 3)
	if _, err := peer.Send(setupBuf, dataEP.LocalAddr()); err != nil {
		t.Fatalf("send setup: %v", err)
	}
	for i := 0; i < 50 && len(a.Images()) == 0; i++ {
		a.DoWork(mono.NanoTime())
	}
	if len(a.Images()) != 1 {
		t.Fatalf("expected SETUP to create exactly one image, got %d", len(a.Images()))
	}
	if _, ok := a.Images()[receiver.Key{StreamID: 5001, SessionID: 3}]; !ok {
		t.Fatal("expected the image to be keyed by (streamID, sessionID)")
	}
}

func TestDrainCommandsWiresAddAndRemoveSubscription(t *testing.T) {
	dataEP := bindLoopback(t)
	defer dataEP.Close()
	peer := bindLoopback(t)
	defer peer.Close()

	cmdQueue := cnc.NewRing(256)
	var created *pubimage.Image
	a := receiver.New(receiver.Config{
		CommandQueue:           cmdQueue,
		ImageLivenessNs:        int64(1e9),
		StatusMessageTimeoutNs: int64(1e8),
		PendingSetupsTimeoutNs: int64(1e9),
		Factory: func(epID receiver.EndpointID, streamID, sessionID int32, setup wire.SetupPayload, src *net.UDPAddr, nowNs int64) *pubimage.Image {
			created = newTestImage(streamID, sessionID, setup)
			return created
		},
	})
	a.RegisterEndpoint(0, dataEP)

	cmdQueue.Offer(cnc.MsgAddSubscription, encodeSubscriptionCommand(0, 6001, 0, true))
	a.DoWork(mono.NanoTime())

	body := make([]byte, 16)
	buf := make([]byte, wire.HeaderLength+len(body))
	writeData(buf, 6001, 4, body)
	if _, err := peer.Send(buf, dataEP.LocalAddr()); err != nil {
		t.Fatalf("send data: %v", err)
	}
	bufs := [][]byte{make([]byte, 1408)}
	var pkts []netio.Packet
	for i := 0; i < 50 && len(pkts) == 0; i++ {
		a.DoWork(mono.NanoTime())
		pkts, _ = peer.ReceiveBatch(bufs)
	}
	if len(pkts) != 1 || !wire.AsHeader(bufs[0][:wire.HeaderLength]).HasFlag(wire.FlagSetup) {
		t.Fatal("expected ADD_SUBSCRIPTION wired over the command ring to elicit a setup-request SM")
	}

	cmdQueue.Offer(cnc.MsgRemoveSubscription, encodeSubscriptionCommand(0, 6001, 0, true))
	a.DoWork(mono.NanoTime())

	created = nil
	writeData(buf, 6001, 5, body)
	if _, err := peer.Send(buf, dataEP.LocalAddr()); err != nil {
		t.Fatalf("send data: %v", err)
	}
	setupBuf := make([]byte, wire.HeaderLength+wire.SetupPayloadLength)
	writeSetup(setupBuf, 6001, 5)
	if _, err := peer.Send(setupBuf, dataEP.LocalAddr()); err != nil {
		t.Fatalf("send setup: %v", err)
	}
	for i := 0; i < 10; i++ {
		a.DoWork(mono.NanoTime())
	}
	if created != nil {
		t.Fatal("expected REMOVE_SUBSCRIPTION wired over the command ring to stop new image creation")
	}
}

func TestDoWorkRoutesDataIntoExistingImageAndEmitsSM(t *testing.T) {
	dataEP := bindLoopback(t)
	defer dataEP.Close()
	peer := bindLoopback(t)
	defer peer.Close()

	a := receiver.New(receiver.Config{
		ImageLivenessNs:        int64(1e9),
		StatusMessageTimeoutNs: 0, // force an SM on the very next sweep
		PendingSetupsTimeoutNs: int64(1e9),
		Factory: func(epID receiver.EndpointID, streamID, sessionID int32, setup wire.SetupPayload, src *net.UDPAddr, nowNs int64) *pubimage.Image {
			return newTestImage(streamID, sessionID, setup)
		},
	})
	a.RegisterEndpoint(0, dataEP)
	a.AddSubscription(0, 6001, 0, true)

	setupBuf := make([]byte, wire.HeaderLength+wire.SetupPayloadLength)
	writeSetup(setupBuf, 6001, 4)
	// A bare SETUP with no prior pending-setup slot is ignored by the
	// dispatcher state machine (§4.4); first elicit one with a DATA frame.
	body := make([]byte, 8)
	dataBuf := make([]byte, wire.HeaderLength+len(body))
	writeData(dataBuf, 6001, 4, body)
	if _, err := peer.Send(dataBuf, dataEP.LocalAddr()); err != nil {
		t.Fatalf("send data: %v", err)
	}
	for i := 0; i < 50; i++ {
		a.DoWork(mono.NanoTime())
	}
	if _, err := peer.Send(setupBuf, dataEP.LocalAddr()); err != nil {
		t.Fatalf("send setup: %v", err)
	}
	for i := 0; i < 50 && len(a.Images()) == 0; i++ {
		a.DoWork(mono.NanoTime())
	}
	if len(a.Images()) != 1 {
		t.Fatalf("expected image created, got %d images", len(a.Images()))
	}

	if _, err := peer.Send(dataBuf, dataEP.LocalAddr()); err != nil {
		t.Fatalf("send second data: %v", err)
	}

	bufs := [][]byte{make([]byte, 1408)}
	var pkts []netio.Packet
	for i := 0; i < 50 && len(pkts) == 0; i++ {
		a.DoWork(mono.NanoTime())
		pkts, _ = peer.ReceiveBatch(bufs)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected the receiver to emit exactly one SM back to the sender, got %d", len(pkts))
	}
	h := wire.AsHeader(bufs[0][:wire.HeaderLength])
	if h.Type() != wire.TypeSM {
		t.Fatalf("expected an SM frame, got type %v", h.Type())
	}
}

func TestSecondSetupReusesExistingImage(t *testing.T) {
	dataEP := bindLoopback(t)
	defer dataEP.Close()
	peer := bindLoopback(t)
	defer peer.Close()

	var created *pubimage.Image
	a := receiver.New(receiver.Config{
		ImageLivenessNs:        int64(1e9),
		StatusMessageTimeoutNs: int64(1e9),
		PendingSetupsTimeoutNs: int64(1e9),
		Factory: func(epID receiver.EndpointID, streamID, sessionID int32, setup wire.SetupPayload, src *net.UDPAddr, nowNs int64) *pubimage.Image {
			created = newTestImage(streamID, sessionID, setup)
			return created
		},
	})
	a.RegisterEndpoint(0, dataEP)
	a.AddSubscription(0, 7001, 0, true)

	body := make([]byte, 8)
	dataBuf := make([]byte, wire.HeaderLength+len(body))
	writeData(dataBuf, 7001, 9, body)
	peer.Send(dataBuf, dataEP.LocalAddr())
	for i := 0; i < 50; i++ {
		a.DoWork(mono.NanoTime())
	}

	setupBuf := make([]byte, wire.HeaderLength+wire.SetupPayloadLength)
	writeSetup(setupBuf, 7001, 9)
	peer.Send(setupBuf, dataEP.LocalAddr())
	for i := 0; i < 50 && created == nil; i++ {
		a.DoWork(mono.NanoTime())
	}
	if created == nil {
		t.Fatal("expected an image to exist before the second SETUP")
	}
	if created.IsEndOfStream() {
		t.Fatal("unexpected EOS before any transport reported one")
	}

	// A second SETUP for the same session, from the same peer socket,
	// reuses the existing image rather than creating a second one.
	peer.Send(setupBuf, dataEP.LocalAddr())
	for i := 0; i < 50; i++ {
		a.DoWork(mono.NanoTime())
	}
	if len(a.Images()) != 1 {
		t.Fatalf("expected SetupAddDestination to reuse the existing image, got %d images", len(a.Images()))
	}
}

func TestImageRemovedAfterLivenessTimeout(t *testing.T) {
	dataEP := bindLoopback(t)
	defer dataEP.Close()
	peer := bindLoopback(t)
	defer peer.Close()

	var created *pubimage.Image
	a := receiver.New(receiver.Config{
		ImageLivenessNs:        0,
		StatusMessageTimeoutNs: int64(1e9),
		PendingSetupsTimeoutNs: int64(1e9),
		Factory: func(epID receiver.EndpointID, streamID, sessionID int32, setup wire.SetupPayload, src *net.UDPAddr, nowNs int64) *pubimage.Image {
			created = newTestImage(streamID, sessionID, setup)
			return created
		},
	})
	a.RegisterEndpoint(0, dataEP)
	a.AddSubscription(0, 8001, 0, true)

	body := make([]byte, 8)
	dataBuf := make([]byte, wire.HeaderLength+len(body))
	writeData(dataBuf, 8001, 2, body)
	peer.Send(dataBuf, dataEP.LocalAddr())
	for i := 0; i < 50; i++ {
		a.DoWork(mono.NanoTime())
	}

	setupBuf := make([]byte, wire.HeaderLength+wire.SetupPayloadLength)
	writeSetup(setupBuf, 8001, 2)
	peer.Send(setupBuf, dataEP.LocalAddr())
	for i := 0; i < 50 && created == nil; i++ {
		a.DoWork(mono.NanoTime())
	}
	if created == nil {
		t.Fatal("expected image created before the liveness check")
	}

	for i := 0; i < 50 && len(a.Images()) != 0; i++ {
		a.DoWork(mono.NanoTime())
	}
	if len(a.Images()) != 0 {
		t.Fatal("expected a zero-liveness image to be retired by the sweep")
	}
}

func TestPendingSetupTimeoutsReportsUnansweredElicitation(t *testing.T) {
	dataEP := bindLoopback(t)
	defer dataEP.Close()
	peer := bindLoopback(t)
	defer peer.Close()

	a := receiver.New(receiver.Config{
		ImageLivenessNs:        int64(1e9),
		StatusMessageTimeoutNs: int64(1e9),
		PendingSetupsTimeoutNs: 0,
	})
	a.RegisterEndpoint(0, dataEP)
	a.AddSubscription(0, 9001, 0, true)

	body := make([]byte, 8)
	dataBuf := make([]byte, wire.HeaderLength+len(body))
	writeData(dataBuf, 9001, 1, body)
	peer.Send(dataBuf, dataEP.LocalAddr())

	var due []receiver.Key
	for i := 0; i < 50 && len(due) == 0; i++ {
		a.DoWork(mono.NanoTime())
		due = a.PendingSetupTimeouts(mono.NanoTime())
	}
	if len(due) != 1 || due[0] != (receiver.Key{StreamID: 9001, SessionID: 1}) {
		t.Fatalf("expected exactly one pending setup due, got %v", due)
	}
}
