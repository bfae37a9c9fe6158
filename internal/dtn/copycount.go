package dtn

import (
	"fmt"

	"spraydtn/internal/debuglog"
	"spraydtn/internal/proto"
)

// OnUnicast handles a header-only control packet. From the message's
// destination it is a delivery confirmation; from anyone else it asks for
// a share of the copy budget.
func (s *Session) OnUnicast(pkt []byte, from proto.Addr) {
	if s.closed {
		return
	}
	s.trace.Packet(debuglog.EventRecv, from, s.self, pkt)
	p, err := proto.ParsePacket(pkt)
	if err != nil {
		s.metrics.IncDropMalformed()
		s.trace.PacketReason(debuglog.EventDrop, "malformed", from, s.self, pkt)
		return
	}
	key := p.Key()
	ent, ok := s.store.Lookup(key)
	if !ok {
		debuglog.Debugf("dtn: unicast from %s for unknown %s", from, key)
		return
	}
	if p.Dest == from {
		s.store.MarkDelivered(key)
		s.metrics.IncConfirmRecv()
		debuglog.Logf("dtn: %s confirmed by %s", key, from)
		return
	}
	if ent.Delivered || ent.Copies <= 1 {
		return
	}
	s.after(s.jitter(), func() {
		if err := s.handoff(from, key); err != nil {
			debuglog.Logf("dtn: %v", err)
		}
	})
}

// handoff moves half of the budget for key to a neighbor over the reliable
// channel. The split is provisional: the sender keeps ceil(c/2) now and
// gets the rest back if the transport rejects or later times out.
func (s *Session) handoff(to proto.Addr, key proto.Key) error {
	ent, ok := s.store.Lookup(key)
	if !ok || ent.Delivered || ent.Copies <= 1 {
		return nil
	}
	give := ent.Copies / 2
	keep := ent.Copies - give
	s.store.SetCopies(key, keep)

	h := ent.Header()
	h.Copies = give
	pkt := s.stage(h, ent.Payload())
	s.trace.Packet(debuglog.EventHandoff, s.self, to, pkt)
	seq, err := s.t.SendReliable(to, pkt, s.opts.HandoffRetries)
	if err != nil {
		s.store.SetCopies(key, ent.Copies)
		s.metrics.IncHandoffRejected()
		s.trace.PacketReason(debuglog.EventRollback, "rejected", s.self, to, pkt)
		return fmt.Errorf("%w: %s to %s: %w", ErrHandoffRejected, key, to, err)
	}
	s.pending[pendingKey{to: to, seq: seq}] = handoff{key: key, copies: give, sent: s.sched.Now()}
	s.metrics.IncHandoffSent()
	debuglog.Debugf("dtn: handoff %s to %s give=%d keep=%d seq=%d", key, to, give, keep, seq)
	return nil
}

// OnReliable accepts copies handed over by a neighbor. Copies for messages
// not in the store, or already delivered, are discarded.
func (s *Session) OnReliable(pkt []byte, from proto.Addr, seq uint8) {
	if s.closed {
		return
	}
	s.trace.Packet(debuglog.EventRecv, from, s.self, pkt)
	p, err := proto.ParsePacket(pkt)
	if err != nil {
		s.metrics.IncDropMalformed()
		s.trace.PacketReason(debuglog.EventDrop, "malformed", from, s.self, pkt)
		return
	}
	if p.Copies == 0 {
		return
	}
	n, ok := s.store.AddCopies(p.Key(), p.Copies, proto.MaxCopies)
	if !ok {
		debuglog.Debugf("dtn: handoff seq=%d from %s for %s ignored", seq, from, p.Key())
		return
	}
	s.metrics.IncHandoffRecv()
	debuglog.Debugf("dtn: received %d copies of %s from %s, now %d", p.Copies, p.Key(), from, n)
}

func (s *Session) OnReliableSent(to proto.Addr, seq uint8) {
	k := pendingKey{to: to, seq: seq}
	ho, ok := s.pending[k]
	if !ok {
		return
	}
	delete(s.pending, k)
	s.metrics.ObserveHandoffCommitted(s.sched.Now().Sub(ho.sent))
	debuglog.Debugf("dtn: handoff %s to %s committed (%d copies)", ho.key, to, ho.copies)
}

// OnReliableTimedOut returns an unconfirmed share to the store unless the
// message was confirmed delivered in the meantime.
func (s *Session) OnReliableTimedOut(to proto.Addr, seq uint8) {
	k := pendingKey{to: to, seq: seq}
	ho, ok := s.pending[k]
	if !ok {
		return
	}
	delete(s.pending, k)
	s.metrics.IncHandoffRejected()
	n, restored := s.store.AddCopies(ho.key, ho.copies, proto.MaxCopies)
	if restored {
		debuglog.Logf("dtn: handoff %s to %s timed out, budget restored to %d", ho.key, to, n)
		return
	}
	debuglog.Logf("dtn: handoff %s to %s timed out, entry gone or delivered", ho.key, to)
}
