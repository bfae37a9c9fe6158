package dtn_test

import (
	"math/rand"
	"testing"
	"time"

	"spraydtn/internal/dtn"
	"spraydtn/internal/eventloop"
	"spraydtn/internal/network/inproc"
	"spraydtn/internal/proto"
)

var (
	nodeA = proto.AddrFromUint16(0x0A01)
	nodeB = proto.AddrFromUint16(0x0B01)
	nodeC = proto.AddrFromUint16(0x0C01)
)

type simNode struct {
	s         *dtn.Session
	delivered []string
	lastHop   []proto.Addr
}

func openNode(t *testing.T, m *inproc.Medium, clock *eventloop.Manual, self proto.Addr, seed int64, requestCopies bool) *simNode {
	t.Helper()
	n := &simNode{}
	opts := dtn.DefaultOptions()
	opts.Rand = rand.New(rand.NewSource(seed))
	opts.RequestCopies = requestCopies
	cb := dtn.Callbacks{Deliver: func(p proto.Packet, lastHop proto.Addr) {
		n.delivered = append(n.delivered, string(p.Payload))
		n.lastHop = append(n.lastHop, lastHop)
	}}
	s, err := dtn.Open(m.Port(self), clock, self, 128, cb, opts)
	if err != nil {
		t.Fatalf("open %s: %v", self, err)
	}
	n.s = s
	return n
}

func entryFor(t *testing.T, s *dtn.Session, origin proto.Addr, seq uint16) (copies uint16, delivered bool) {
	t.Helper()
	for _, e := range s.Entries() {
		if e.Key.Origin == origin && e.Key.Seq == seq {
			return e.Copies, e.Delivered
		}
	}
	t.Fatalf("%s has no entry for %s/%d", s.Self(), origin, seq)
	return 0, false
}

func TestHelloReachesDirectNeighborAndStopsSpraying(t *testing.T) {
	clock := eventloop.NewManual(time.Unix(0, 0))
	m := inproc.NewMedium(clock, 1)
	m.SetDelay(2 * time.Millisecond)
	m.ConnectAll(nodeA, nodeB, nodeC)
	a := openNode(t, m, clock, nodeA, 1, false)
	b := openNode(t, m, clock, nodeB, 2, false)
	c := openNode(t, m, clock, nodeC, 3, false)

	if err := a.s.Send(nodeC, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if copies, _ := entryFor(t, a.s, nodeA, 0); copies != 8 {
		t.Fatalf("origin stored %d copies", copies)
	}
	clock.Advance(time.Second)

	if len(c.delivered) != 1 || c.delivered[0] != "hello" || c.lastHop[0] != nodeA {
		t.Fatalf("C deliveries %v via %v", c.delivered, c.lastHop)
	}
	if copies, delivered := entryFor(t, c.s, nodeA, 0); copies != 0 || !delivered {
		t.Fatalf("C entry copies=%d delivered=%t", copies, delivered)
	}
	if copies, delivered := entryFor(t, b.s, nodeA, 0); copies != 0 || delivered {
		t.Fatalf("B relay entry copies=%d delivered=%t", copies, delivered)
	}
	if copies, delivered := entryFor(t, a.s, nodeA, 0); copies != 0 || !delivered {
		t.Fatalf("A not confirmed: copies=%d delivered=%t", copies, delivered)
	}

	// Several sweeps later nothing is re-sprayed and C still has one copy.
	clock.Advance(4 * dtn.DefaultSprayInterval)
	if len(c.delivered) != 1 || len(b.delivered) != 0 {
		t.Fatalf("deliveries after sweeps: C=%v B=%v", c.delivered, b.delivered)
	}
}

// With default options a relay never asks for copies, so a destination
// two hops from the origin is never reached.
func TestTwoHopDestinationUnreachableWithoutCopyRequests(t *testing.T) {
	clock := eventloop.NewManual(time.Unix(0, 0))
	m := inproc.NewMedium(clock, 1)
	m.Connect(nodeA, nodeB)
	m.Connect(nodeB, nodeC)
	a := openNode(t, m, clock, nodeA, 1, false)
	b := openNode(t, m, clock, nodeB, 2, false)
	c := openNode(t, m, clock, nodeC, 3, false)

	_ = a.s.Send(nodeC, []byte("hello"))
	clock.Advance(6 * dtn.DefaultSprayInterval)

	if len(c.delivered) != 0 {
		t.Fatalf("C should not be reached, got %v", c.delivered)
	}
	if copies, _ := entryFor(t, b.s, nodeA, 0); copies != 0 {
		t.Fatalf("B gained %d copies", copies)
	}
	if copies, _ := entryFor(t, a.s, nodeA, 0); copies != 8 {
		t.Fatalf("A budget changed to %d", copies)
	}
}

func TestTwoHopDeliveryWithCopyRequests(t *testing.T) {
	clock := eventloop.NewManual(time.Unix(0, 0))
	m := inproc.NewMedium(clock, 1)
	m.SetDelay(time.Millisecond)
	m.Connect(nodeA, nodeB)
	m.Connect(nodeB, nodeC)
	a := openNode(t, m, clock, nodeA, 1, true)
	b := openNode(t, m, clock, nodeB, 2, true)
	c := openNode(t, m, clock, nodeC, 3, true)

	_ = a.s.Send(nodeC, []byte("hello"))
	clock.Advance(time.Second)

	aCopies, _ := entryFor(t, a.s, nodeA, 0)
	bCopies, _ := entryFor(t, b.s, nodeA, 0)
	if aCopies != 4 || bCopies != 4 {
		t.Fatalf("after handoff A=%d B=%d, want 4/4", aCopies, bCopies)
	}

	clock.Advance(dtn.DefaultSprayInterval)
	if len(c.delivered) != 1 || c.delivered[0] != "hello" || c.lastHop[0] != nodeB {
		t.Fatalf("C deliveries %v via %v", c.delivered, c.lastHop)
	}
	if copies, delivered := entryFor(t, b.s, nodeA, 0); copies != 0 || !delivered {
		t.Fatalf("B not confirmed: copies=%d delivered=%t", copies, delivered)
	}
	// A is out of C's range and keeps its share.
	if copies, _ := entryFor(t, a.s, nodeA, 0); copies != 4 {
		t.Fatalf("A budget %d", copies)
	}

	clock.Advance(3 * dtn.DefaultSprayInterval)
	if len(c.delivered) != 1 {
		t.Fatalf("C delivered %d times", len(c.delivered))
	}
}
