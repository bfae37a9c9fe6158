package dtn

import (
	"errors"
	"fmt"
	"time"

	"spraydtn/internal/debuglog"
	"spraydtn/internal/metrics"
	"spraydtn/internal/proto"
	"spraydtn/internal/store"
)

// Send originates a message to dest. It is stored with the full copy
// budget and broadcast once after jitter; the sweep re-sprays it after
// that.
func (s *Session) Send(dest proto.Addr, payload []byte) error {
	if s.closed {
		return ErrClosed
	}
	if len(payload) > proto.MaxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), proto.MaxPayload)
	}
	h := proto.NewHeader(s.self, dest, s.seqno, s.opts.Copies)
	pkt := proto.Encode(h, payload)
	evicted, err := s.store.Insert(store.Entry{
		Key:       h.Key(),
		Packet:    pkt,
		Copies:    h.Copies,
		ExpiresAt: s.expiry(),
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, h.Key())
	}
	s.seqno++
	s.noteEvicted(evicted)
	s.metrics.IncOriginated()
	s.metrics.SetStoreLen(s.store.Len())

	body := pkt[proto.HeaderSize:]
	s.after(s.jitter(), func() {
		s.broadcast(h, body)
	})
	return nil
}

func (s *Session) broadcast(h proto.Header, payload []byte) {
	pkt := s.stage(h, payload)
	s.trace.Packet(debuglog.EventSpray, s.self, proto.NullAddr, pkt)
	if err := s.t.Broadcast(pkt); err != nil {
		debuglog.RateLimitedf("broadcast", 5*time.Second, "dtn: broadcast failed: %v", err)
		return
	}
	s.metrics.IncSpraySent()
}

// runSweep schedules a re-broadcast of every entry that still holds a
// copy. Jitter accumulates across the sweep so sends leave in store order.
func (s *Session) runSweep() {
	if s.closed {
		return
	}
	var delay time.Duration
	for _, e := range s.store.All() {
		if e.Copies < 1 {
			continue
		}
		delay += s.jitter()
		key := e.Key
		s.after(delay, func() {
			// Budget may have changed since the sweep started.
			cur, ok := s.store.Lookup(key)
			if !ok || cur.Copies < 1 {
				return
			}
			s.broadcast(cur.Header(), cur.Payload())
		})
	}
	s.metrics.SetStoreLen(s.store.Len())
	if n := s.store.Expired(s.sched.Now()); n > 0 {
		debuglog.Debugf("dtn: %d stored entries past lifetime", n)
	}
	s.sweep = s.sched.AfterFunc(s.opts.SprayInterval, s.runSweep)
}

// OnBroadcast handles a spray from a neighbor.
func (s *Session) OnBroadcast(pkt []byte, from proto.Addr) {
	if s.closed {
		return
	}
	s.trace.Packet(debuglog.EventRecv, from, proto.NullAddr, pkt)
	s.metrics.IncSprayRecv()
	err := s.receiveSpray(pkt, from)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedPacket):
		s.metrics.IncDropMalformed()
		s.trace.PacketReason(debuglog.EventDrop, "malformed", from, proto.NullAddr, pkt)
		debuglog.RateLimitedf("malformed:"+from.String(), 5*time.Second, "dtn: drop from %s: %v", from, err)
	case errors.Is(err, ErrDuplicateMessage):
		s.metrics.IncDropDuplicate()
	case errors.Is(err, ErrStoreFull):
		s.metrics.IncDropQueueFull()
		s.trace.PacketReason(debuglog.EventDrop, "queue full", from, proto.NullAddr, pkt)
		debuglog.RateLimitedf("queuefull", 5*time.Second, "dtn: queue full, dropping spray from %s", from)
	default:
		debuglog.Warnf("dtn: spray from %s: %v", from, err)
	}
}

func (s *Session) receiveSpray(raw []byte, from proto.Addr) error {
	p, err := proto.ParsePacket(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}
	_, known := s.store.Lookup(p.Key())
	switch {
	case p.Dest == s.self:
		if known {
			return ErrDuplicateMessage
		}
		if p.Copies == 0 {
			return nil
		}
		s.deliver(p, from)
		return nil
	case p.Origin == s.self:
		return nil
	default:
		if known {
			return ErrDuplicateMessage
		}
		return s.record(p, from)
	}
}

// deliver hands a first-seen message to the application, stores it as
// delivered so repeats are suppressed, and confirms to the last hop.
func (s *Session) deliver(p proto.Packet, from proto.Addr) {
	if s.cb.Deliver != nil {
		s.cb.Deliver(p, from)
	}
	h := p.Header
	h.Copies = 0
	evicted, err := s.store.Insert(store.Entry{
		Key:       h.Key(),
		Packet:    proto.Encode(h, p.Payload),
		Delivered: true,
		ExpiresAt: s.expiry(),
	})
	if err != nil {
		// The callback sent a message with the same key; it is already stored.
		debuglog.Warnf("dtn: record delivered %s: %v", h.Key(), err)
	}
	s.noteEvicted(evicted)
	s.metrics.SetStoreLen(s.store.Len())
	s.metrics.ObserveDelivered(metrics.Delivery{
		Origin:  h.Origin,
		Seq:     h.Seq,
		LastHop: from,
		Bytes:   len(p.Payload),
		At:      s.sched.Now(),
	})
	s.trace.Packet(debuglog.EventDeliver, from, s.self, p.Bytes())
	debuglog.Logf("dtn: delivered %s from %s via %s (%d bytes)", h.Key(), h.Origin, from, len(p.Payload))

	s.sendUnicast(debuglog.EventConfirm, from, h)
}

// record stores a relayed message with no copies of its own. Relays never
// evict to make room.
func (s *Session) record(p proto.Packet, from proto.Addr) error {
	if s.store.Full() {
		return ErrStoreFull
	}
	incoming := p.Copies
	h := p.Header
	h.Copies = 0
	if _, err := s.store.Insert(store.Entry{
		Key:       h.Key(),
		Packet:    proto.Encode(h, p.Payload),
		ExpiresAt: s.expiry(),
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrDuplicateMessage, err)
	}
	s.metrics.IncRecorded()
	s.metrics.SetStoreLen(s.store.Len())
	debuglog.Debugf("dtn: recorded %s from %s (sprayer holds %d)", h.Key(), from, incoming)

	if s.opts.RequestCopies && incoming > 1 {
		s.sendUnicast(debuglog.EventRequest, from, h)
	}
	return nil
}
