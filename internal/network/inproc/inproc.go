// Package inproc is a simulated radio medium for running several DTN
// sessions in one process. Links are explicit and symmetric; delay and
// loss are injected per transmission from a seeded source so runs are
// reproducible under a virtual clock.
//
// All delivery happens through the medium's scheduler. Sessions attached
// to a medium must share that scheduler.
package inproc

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"spraydtn/internal/dtn"
	"spraydtn/internal/eventloop"
	"spraydtn/internal/proto"
)

const DefaultAckTimeout = 250 * time.Millisecond

var (
	ErrBusy     = errors.New("reliable send already outstanding")
	ErrNotOpen  = errors.New("port not open")
	ErrAttached = errors.New("address already attached")
)

type link struct {
	a, b proto.Addr
}

func linkKey(a, b proto.Addr) link {
	if a.Uint16() > b.Uint16() {
		a, b = b, a
	}
	return link{a: a, b: b}
}

type Medium struct {
	sched eventloop.Scheduler

	mu         sync.Mutex
	ports      map[proto.Addr]*Port
	links      map[link]struct{}
	delay      time.Duration
	dropRate   float64
	ackTimeout time.Duration
	rng        *rand.Rand
}

func NewMedium(sched eventloop.Scheduler, seed int64) *Medium {
	return &Medium{
		sched:      sched,
		ports:      make(map[proto.Addr]*Port),
		links:      make(map[link]struct{}),
		ackTimeout: DefaultAckTimeout,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (m *Medium) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *Medium) SetDropRate(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropRate = p
}

func (m *Medium) SetAckTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultAckTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackTimeout = d
}

// Connect puts a and b in radio range of each other.
func (m *Medium) Connect(a, b proto.Addr) {
	if a == b {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[linkKey(a, b)] = struct{}{}
}

func (m *Medium) Disconnect(a, b proto.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, linkKey(a, b))
}

// ConnectAll links every pair of addrs.
func (m *Medium) ConnectAll(addrs ...proto.Addr) {
	for i := range addrs {
		for j := i + 1; j < len(addrs); j++ {
			m.Connect(addrs[i], addrs[j])
		}
	}
}

func (m *Medium) Linked(a, b proto.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[linkKey(a, b)]
	return ok
}

// Port returns a transport for self. It joins the medium on Open.
func (m *Medium) Port(self proto.Addr) *Port {
	return &Port{
		m:           m,
		self:        self,
		outstanding: make(map[proto.Addr]*inflight),
		lastRecv:    make(map[proto.Addr]uint8),
	}
}

func (m *Medium) attach(p *Port) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ports[p.self]; ok {
		return ErrAttached
	}
	m.ports[p.self] = p
	return nil
}

func (m *Medium) detach(p *Port) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ports[p.self] == p {
		delete(m.ports, p.self)
	}
}

// neighbors lists open ports in range of from on the same channels.
func (m *Medium) neighbors(from *Port) []*Port {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Port, 0, len(m.ports))
	for addr, p := range m.ports {
		if addr == from.self || p.base != from.base {
			continue
		}
		if _, ok := m.links[linkKey(from.self, addr)]; ok {
			out = append(out, p)
		}
	}
	// Fixed order keeps loss draws and same-instant deliveries reproducible.
	sort.Slice(out, func(i, j int) bool { return out[i].self.Uint16() < out[j].self.Uint16() })
	return out
}

func (m *Medium) neighbor(from *Port, to proto.Addr) (*Port, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[to]
	if !ok || p.base != from.base {
		return nil, false
	}
	if _, linked := m.links[linkKey(from.self, to)]; !linked {
		return nil, false
	}
	return p, true
}

// transmit schedules fn after the medium delay unless the frame is lost.
func (m *Medium) transmit(fn func()) {
	m.mu.Lock()
	lost := m.dropRate > 0 && m.rng.Float64() < m.dropRate
	delay := m.delay
	m.mu.Unlock()
	if lost {
		return
	}
	m.sched.AfterFunc(delay, fn)
}

func (m *Medium) timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ackTimeout
}

type inflight struct {
	seq     uint8
	pkt     []byte
	retries int
	max     int
	timer   eventloop.Timer
}

// Port is one node's attachment to a Medium. It implements dtn.Transport.
// Its state is only touched on the medium's scheduler.
type Port struct {
	m    *Medium
	self proto.Addr
	base uint16
	h    dtn.Handler
	open bool

	nextSeq     uint8
	outstanding map[proto.Addr]*inflight
	lastRecv    map[proto.Addr]uint8
}

var _ dtn.Transport = (*Port)(nil)

func (p *Port) Open(channelBase uint16, h dtn.Handler) error {
	if p.open {
		return errors.New("inproc: port already open")
	}
	p.base = channelBase
	p.h = h
	if err := p.m.attach(p); err != nil {
		return err
	}
	p.open = true
	return nil
}

func (p *Port) Broadcast(pkt []byte) error {
	if !p.open {
		return ErrNotOpen
	}
	for _, dst := range p.m.neighbors(p) {
		dst := dst
		cp := append([]byte(nil), pkt...)
		p.m.transmit(func() {
			if dst.open {
				dst.h.OnBroadcast(cp, p.self)
			}
		})
	}
	return nil
}

// Unicast sends one best-effort frame. Frames to nodes out of range are
// lost like any other radio frame.
func (p *Port) Unicast(to proto.Addr, pkt []byte) error {
	if !p.open {
		return ErrNotOpen
	}
	dst, ok := p.m.neighbor(p, to)
	if !ok {
		return nil
	}
	cp := append([]byte(nil), pkt...)
	p.m.transmit(func() {
		if dst.open {
			dst.h.OnUnicast(cp, p.self)
		}
	})
	return nil
}

// SendReliable transmits pkt and retransmits on ack timeout up to
// maxRetries times. Only one transmission per neighbor may be in flight.
func (p *Port) SendReliable(to proto.Addr, pkt []byte, maxRetries int) (uint8, error) {
	if !p.open {
		return 0, ErrNotOpen
	}
	if _, busy := p.outstanding[to]; busy {
		return 0, ErrBusy
	}
	p.nextSeq++
	fl := &inflight{
		seq: p.nextSeq,
		pkt: append([]byte(nil), pkt...),
		max: maxRetries,
	}
	p.outstanding[to] = fl
	p.attempt(to, fl)
	return fl.seq, nil
}

func (p *Port) attempt(to proto.Addr, fl *inflight) {
	if dst, ok := p.m.neighbor(p, to); ok {
		data := append([]byte(nil), fl.pkt...)
		seq := fl.seq
		p.m.transmit(func() {
			if dst.open {
				dst.receiveReliable(p, data, seq)
			}
		})
	}
	fl.timer = p.m.sched.AfterFunc(p.m.timeout(), func() {
		p.retransmit(to, fl)
	})
}

func (p *Port) retransmit(to proto.Addr, fl *inflight) {
	if !p.open || p.outstanding[to] != fl {
		return
	}
	if fl.retries >= fl.max {
		delete(p.outstanding, to)
		p.h.OnReliableTimedOut(to, fl.seq)
		return
	}
	fl.retries++
	p.attempt(to, fl)
}

// receiveReliable passes a frame up once per sequence number and acks
// every copy, including retransmissions whose ack was lost.
func (p *Port) receiveReliable(from *Port, pkt []byte, seq uint8) {
	last, seen := p.lastRecv[from.self]
	if !seen || last != seq {
		p.lastRecv[from.self] = seq
		p.h.OnReliable(pkt, from.self, seq)
	}
	self := p.self
	p.m.transmit(func() {
		if from.open {
			from.ack(self, seq)
		}
	})
}

func (p *Port) ack(from proto.Addr, seq uint8) {
	fl, ok := p.outstanding[from]
	if !ok || fl.seq != seq {
		return
	}
	fl.timer.Stop()
	delete(p.outstanding, from)
	p.h.OnReliableSent(from, seq)
}

func (p *Port) Close() error {
	if !p.open {
		return nil
	}
	p.open = false
	for to, fl := range p.outstanding {
		if fl.timer != nil {
			fl.timer.Stop()
		}
		delete(p.outstanding, to)
	}
	p.m.detach(p)
	return nil
}
