// Package dtn implements Spray-and-Wait routing for delay-tolerant
// networks. A Session floods messages it originates with a bounded copy
// budget, records what neighbors spray, delivers messages addressed to the
// local node exactly once and moves halves of a budget to neighbors that
// ask for them over the reliable channel.
//
// Session methods and Handler callbacks must run on the session's
// scheduler. Nothing inside the package locks.
package dtn

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"spraydtn/internal/debuglog"
	"spraydtn/internal/eventloop"
	"spraydtn/internal/metrics"
	"spraydtn/internal/proto"
	"spraydtn/internal/store"
)

// Callbacks are invoked on the scheduler.
type Callbacks struct {
	// Deliver receives each message addressed to this node once. The
	// packet is owned by the callee.
	Deliver func(p proto.Packet, lastHop proto.Addr)
}

type pendingKey struct {
	to  proto.Addr
	seq uint8
}

// handoff is a budget share that left the store provisionally and is
// returned unless the reliable channel confirms it.
type handoff struct {
	key    proto.Key
	copies uint16
	sent   time.Time
}

type Session struct {
	self  proto.Addr
	t     Transport
	sched eventloop.Scheduler
	cb    Callbacks
	opts  Options

	store   *store.Store
	seqno   uint16
	txbuf   []byte
	rng     *rand.Rand
	trace   *debuglog.Trace
	metrics *metrics.Metrics

	sweep   eventloop.Timer
	pending map[pendingKey]handoff
	closed  bool
}

// Open attaches a session to t on channels channelBase..channelBase+2 and
// starts the periodic spray sweep.
func Open(t Transport, sched eventloop.Scheduler, self proto.Addr, channelBase uint16, cb Callbacks, opts Options) (*Session, error) {
	if t == nil {
		return nil, errors.New("dtn: nil transport")
	}
	if sched == nil {
		return nil, errors.New("dtn: nil scheduler")
	}
	if self.IsNull() {
		return nil, errors.New("dtn: null local address")
	}
	if channelBase > 0xffff-2 {
		return nil, fmt.Errorf("dtn: channel base %d leaves no room for unicast and reliable channels", channelBase)
	}
	opts = opts.withDefaults()
	s := &Session{
		self:    self,
		t:       t,
		sched:   sched,
		cb:      cb,
		opts:    opts,
		store:   store.New(opts.QueueCap),
		txbuf:   make([]byte, 0, proto.MaxPacketSize),
		rng:     opts.Rand,
		trace:   opts.Trace,
		metrics: opts.Metrics,
		pending: make(map[pendingKey]handoff),
	}
	if err := t.Open(channelBase, s); err != nil {
		return nil, fmt.Errorf("dtn: open transport: %w", err)
	}
	s.sweep = sched.AfterFunc(opts.SprayInterval, s.runSweep)
	debuglog.Logf("dtn: session open self=%s channels=%d-%d copies=%d queue=%d", self, channelBase, channelBase+2, opts.Copies, opts.QueueCap)
	return s, nil
}

func (s *Session) Self() proto.Addr { return s.self }

// Entries returns the stored messages oldest first.
func (s *Session) Entries() []store.Entry { return s.store.All() }

// Close stops the sweep and closes the transport. Scheduled sends that
// fire afterwards are discarded.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.sweep != nil {
		s.sweep.Stop()
	}
	for k := range s.pending {
		delete(s.pending, k)
	}
	debuglog.Logf("dtn: session closed self=%s", s.self)
	return s.t.Close()
}

// stage encodes h and payload into the staging buffer. Every outgoing
// packet goes through here immediately before the transport call.
func (s *Session) stage(h proto.Header, payload []byte) []byte {
	s.txbuf = proto.AppendPacket(s.txbuf[:0], h, payload)
	return s.txbuf
}

func (s *Session) jitter() time.Duration {
	span := s.opts.JitterMax - s.opts.JitterMin
	if span <= 0 {
		return s.opts.JitterMin
	}
	return s.opts.JitterMin + time.Duration(s.rng.Int63n(int64(span)+1))
}

func (s *Session) after(d time.Duration, fn func()) {
	s.sched.AfterFunc(d, func() {
		if s.closed {
			return
		}
		fn()
	})
}

func (s *Session) expiry() time.Time {
	return s.sched.Now().Add(s.opts.Lifetime)
}

func (s *Session) noteEvicted(e *store.Entry) {
	if e == nil {
		return
	}
	s.metrics.IncEvicted()
	debuglog.Debugf("dtn: evicted %s copies=%d delivered=%t", e.Key, e.Copies, e.Delivered)
}

// sendUnicast transmits a header-only packet to a neighbor after jitter.
func (s *Session) sendUnicast(event string, to proto.Addr, h proto.Header) {
	s.after(s.jitter(), func() {
		pkt := s.stage(h, nil)
		s.trace.Packet(event, s.self, to, pkt)
		if err := s.t.Unicast(to, pkt); err != nil {
			debuglog.RateLimitedf("unicast:"+to.String(), 5*time.Second, "dtn: %s unicast to %s failed: %v", event, to, err)
			return
		}
		switch event {
		case debuglog.EventConfirm:
			s.metrics.IncConfirmSent()
		case debuglog.EventRequest:
			s.metrics.IncRequestSent()
		}
	})
}
