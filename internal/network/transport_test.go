package network

import (
	"errors"
	"testing"
	"time"

	"spraydtn/internal/proto"
	"spraydtn/internal/testutil"
)

var (
	addrA = proto.AddrFromUint16(0x0A01)
	addrB = proto.AddrFromUint16(0x0B01)
	addrC = proto.AddrFromUint16(0x0C01)
)

type received struct {
	from proto.Addr
	pkt  string
	seq  uint8
}

// chanHandler forwards callbacks to channels; the tests post inline, so
// callbacks arrive on network goroutines.
type chanHandler struct {
	broadcast chan received
	unicast   chan received
	reliable  chan received
	sent      chan uint8
	timedOut  chan uint8
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		broadcast: make(chan received, 8),
		unicast:   make(chan received, 8),
		reliable:  make(chan received, 8),
		sent:      make(chan uint8, 8),
		timedOut:  make(chan uint8, 8),
	}
}

func (h *chanHandler) OnBroadcast(pkt []byte, from proto.Addr) {
	h.broadcast <- received{from: from, pkt: string(pkt)}
}

func (h *chanHandler) OnUnicast(pkt []byte, from proto.Addr) {
	h.unicast <- received{from: from, pkt: string(pkt)}
}

func (h *chanHandler) OnReliable(pkt []byte, from proto.Addr, seq uint8) {
	h.reliable <- received{from: from, pkt: string(pkt), seq: seq}
}

func (h *chanHandler) OnReliableSent(to proto.Addr, seq uint8)     { h.sent <- seq }
func (h *chanHandler) OnReliableTimedOut(to proto.Addr, seq uint8) { h.timedOut <- seq }

func inline(fn func()) { fn() }

func openTransport(t *testing.T, self proto.Addr, h *chanHandler, ackTimeout time.Duration) *Transport {
	t.Helper()
	tr, err := New(Config{Self: self, Listen: "127.0.0.1:0", AckTimeout: ackTimeout}, inline)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := tr.Open(128, h); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestQUICChannelsBetweenTwoNodes(t *testing.T) {
	ha, hb := newChanHandler(), newChanHandler()
	a := openTransport(t, addrA, ha, 0)
	b := openTransport(t, addrB, hb, 0)
	a.AddNeighbor(addrB, b.ListenAddr())
	b.AddNeighbor(addrA, a.ListenAddr())

	if err := a.Broadcast([]byte("spray")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	got := testutil.Recv(t, hb.broadcast, "broadcast")
	if got.from != addrA || got.pkt != "spray" {
		t.Fatalf("unexpected broadcast %+v", got)
	}

	if err := b.Unicast(addrA, []byte("confirm")); err != nil {
		t.Fatalf("unicast: %v", err)
	}
	got = testutil.Recv(t, ha.unicast, "unicast")
	if got.from != addrB || got.pkt != "confirm" {
		t.Fatalf("unexpected unicast %+v", got)
	}

	seq, err := a.SendReliable(addrB, []byte("copies"), 3)
	if err != nil {
		t.Fatalf("send reliable: %v", err)
	}
	got = testutil.Recv(t, hb.reliable, "reliable")
	if got.from != addrA || got.pkt != "copies" || got.seq != seq {
		t.Fatalf("unexpected reliable %+v (seq %d)", got, seq)
	}
	if acked := testutil.Recv(t, ha.sent, "ack"); acked != seq {
		t.Fatalf("acked seq %d, want %d", acked, seq)
	}
}

func TestQUICReliableTimesOut(t *testing.T) {
	ha := newChanHandler()
	a := openTransport(t, addrA, ha, 150*time.Millisecond)
	a.AddNeighbor(addrC, "127.0.0.1:1")

	seq, err := a.SendReliable(addrC, []byte("lost"), 1)
	if err != nil {
		t.Fatalf("send reliable: %v", err)
	}
	if _, err := a.SendReliable(addrC, []byte("again"), 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if got := testutil.Recv(t, ha.timedOut, "timeout"); got != seq {
		t.Fatalf("timed out seq %d, want %d", got, seq)
	}
}

func TestQUICUnknownNeighbor(t *testing.T) {
	a := openTransport(t, addrA, newChanHandler(), 0)
	if err := a.Unicast(addrC, []byte("x")); !errors.Is(err, ErrUnknownNeighbor) {
		t.Fatalf("expected ErrUnknownNeighbor, got %v", err)
	}
	if _, err := a.SendReliable(addrC, []byte("x"), 1); !errors.Is(err, ErrUnknownNeighbor) {
		t.Fatalf("expected ErrUnknownNeighbor, got %v", err)
	}
}

func TestClosedTransportRejectsSends(t *testing.T) {
	a := openTransport(t, addrA, newChanHandler(), 0)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Broadcast([]byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestDatagramPrefixRoundTrip(t *testing.T) {
	ch, from, pkt, ok := decodeDatagram(encodeDatagram(129, addrB, []byte("hdr")))
	if !ok || ch != 129 || from != addrB || string(pkt) != "hdr" {
		t.Fatalf("datagram decode: %d %s %q %v", ch, from, pkt, ok)
	}
	if _, _, _, ok := decodeDatagram([]byte{0, 1, 2, 3}); ok {
		t.Fatalf("empty datagram accepted")
	}
	ch, from, seq, pkt, ok := decodeReliable(encodeReliable(130, addrA, 7, []byte("copies")))
	if !ok || ch != 130 || from != addrA || seq != 7 || string(pkt) != "copies" {
		t.Fatalf("reliable decode: %d %s %d %q %v", ch, from, seq, pkt, ok)
	}
}

func TestBackoffDelayCaps(t *testing.T) {
	if d := backoffDelay(1); d != clientBackoffBase {
		t.Fatalf("first backoff %s", d)
	}
	if d := backoffDelay(2); d != 2*clientBackoffBase {
		t.Fatalf("second backoff %s", d)
	}
	if d := backoffDelay(40); d != clientBackoffMax {
		t.Fatalf("backoff not capped: %s", d)
	}
}
