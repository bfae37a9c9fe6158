// Package network carries the three DTN channels over QUIC. Broadcast and
// unicast ride unreliable datagrams; broadcast is a fan-out to every
// configured neighbor since QUIC has no multicast. The reliable channel
// opens one stream per transmission and waits for a single ack byte.
//
// Network goroutines never call the session directly. Every inbound
// packet and every reliable outcome is handed to the post function, which
// must run it on the session's scheduler.
package network

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"spraydtn/internal/debuglog"
	"spraydtn/internal/dtn"
	"spraydtn/internal/proto"
)

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 5 * time.Second

	DefaultAckTimeout      = 2 * time.Second
	DefaultMaxConnsPerIP   = 8
	DefaultMaxStreamsPerIP = 32
	DefaultDatagramRate    = 200
	DefaultDatagramBurst   = 64

	sendQueue = 256
	ackByte   = 0x06

	datagramPrefix = 4 // channel u16 + sender addr
	reliablePrefix = 5 // channel u16 + sender addr + seq
)

var (
	ErrUnknownNeighbor = errors.New("unknown neighbor")
	ErrBusy            = errors.New("reliable send already outstanding")
	ErrQueueFull       = errors.New("send queue full")
	ErrNotOpen         = errors.New("transport not open")
)

type Neighbor struct {
	Addr proto.Addr
	Host string
}

type Config struct {
	Self      proto.Addr
	Listen    string
	Neighbors []Neighbor

	Insecure bool
	CAPath   string

	MaxConnsPerIP   int
	MaxStreamsPerIP int
	DatagramRate    float64
	DatagramBurst   int
	AckTimeout      time.Duration
}

type outbound struct {
	host string
	data []byte
}

// Transport implements dtn.Transport over QUIC.
type Transport struct {
	cfg       Config
	post      func(func())
	tlsServer *tls.Config
	quicConf  *quic.Config
	pool      *clientPool
	lim       *ipLimiter

	ctx    context.Context
	cancel context.CancelFunc
	sendq  chan outbound

	// set by Open before any goroutine starts
	h    dtn.Handler
	base uint16
	ln   *quic.Listener

	mu        sync.Mutex
	open      bool
	neighbors map[proto.Addr]string
	busy      map[proto.Addr]struct{}
	nextSeq   uint8
	lastRecv  map[proto.Addr]uint8
}

var _ dtn.Transport = (*Transport)(nil)

func New(cfg Config, post func(func())) (*Transport, error) {
	if post == nil {
		return nil, errors.New("network: nil post func")
	}
	if cfg.Self.IsNull() {
		return nil, errors.New("network: null local address")
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("network: server tls: %w", err)
	}
	clientTLS, err := clientTLSConfig(cfg.Insecure, cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("network: client tls: %w", err)
	}
	quicConf := &quic.Config{
		EnableDatagrams:      true,
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:       cfg,
		post:      post,
		tlsServer: serverTLS,
		quicConf:  quicConf,
		pool:      newClientPool(clientConnIdle, clientTLS, quicConf),
		lim:       newIPLimiter(cfg.MaxConnsPerIP, cfg.MaxStreamsPerIP, cfg.DatagramRate, cfg.DatagramBurst),
		ctx:       ctx,
		cancel:    cancel,
		sendq:     make(chan outbound, sendQueue),
		neighbors: make(map[proto.Addr]string),
		busy:      make(map[proto.Addr]struct{}),
		lastRecv:  make(map[proto.Addr]uint8),
	}
	for _, n := range cfg.Neighbors {
		t.neighbors[n.Addr] = n.Host
	}
	return t, nil
}

func (t *Transport) AddNeighbor(addr proto.Addr, host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.neighbors[addr] = host
}

// ListenAddr is the bound address once Open has returned.
func (t *Transport) ListenAddr() string {
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

func (t *Transport) Open(channelBase uint16, h dtn.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return errors.New("network: already open")
	}
	ln, err := quic.ListenAddr(t.cfg.Listen, t.tlsServer, t.quicConf)
	if err != nil {
		return fmt.Errorf("network: listen %s: %w", t.cfg.Listen, err)
	}
	t.h = h
	t.base = channelBase
	t.ln = ln
	t.open = true
	debuglog.Logf("quic listen ready: %s self=%s channels=%d-%d", ln.Addr(), t.cfg.Self, channelBase, channelBase+2)
	go t.acceptLoop()
	go t.sendLoop()
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil
	}
	t.open = false
	t.mu.Unlock()
	t.cancel()
	err := t.ln.Close()
	t.pool.closeAll()
	return err
}

func (t *Transport) isOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Transport) host(to proto.Addr) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.neighbors[to]
	return h, ok
}

func (t *Transport) hosts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.neighbors))
	for _, h := range t.neighbors {
		out = append(out, h)
	}
	return out
}

func (t *Transport) Broadcast(pkt []byte) error {
	if !t.isOpen() {
		return ErrNotOpen
	}
	data := encodeDatagram(t.base, t.cfg.Self, pkt)
	var firstErr error
	for _, host := range t.hosts() {
		if err := t.enqueue(host, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) Unicast(to proto.Addr, pkt []byte) error {
	if !t.isOpen() {
		return ErrNotOpen
	}
	host, ok := t.host(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNeighbor, to)
	}
	return t.enqueue(host, encodeDatagram(t.base+1, t.cfg.Self, pkt))
}

func (t *Transport) enqueue(host string, data []byte) error {
	select {
	case t.sendq <- outbound{host: host, data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *Transport) sendLoop() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case ob := <-t.sendq:
			t.sendDatagram(ob)
		}
	}
}

func (t *Transport) sendDatagram(ob outbound) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.AckTimeout)
	defer cancel()
	conn, err := t.pool.get(ctx, ob.host)
	if err != nil {
		t.pool.recordFailure(ob.host)
		debuglog.RateLimitedf("dial:"+ob.host, 5*time.Second, "quic dial %s: %v", ob.host, err)
		return
	}
	if err := conn.SendDatagram(ob.data); err != nil {
		t.pool.drop(ob.host, conn, "datagram failed")
		debuglog.RateLimitedf("datagram:"+ob.host, 5*time.Second, "quic datagram to %s: %v", ob.host, err)
	}
}

// SendReliable starts a transmission in the background. The outcome is
// posted as OnReliableSent or OnReliableTimedOut.
func (t *Transport) SendReliable(to proto.Addr, pkt []byte, maxRetries int) (uint8, error) {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return 0, ErrNotOpen
	}
	host, ok := t.neighbors[to]
	if !ok {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownNeighbor, to)
	}
	if _, busy := t.busy[to]; busy {
		t.mu.Unlock()
		return 0, ErrBusy
	}
	t.nextSeq++
	seq := t.nextSeq
	t.busy[to] = struct{}{}
	t.mu.Unlock()

	frame := encodeReliable(t.base+2, t.cfg.Self, seq, pkt)
	go t.deliverReliable(to, host, seq, frame, maxRetries)
	return seq, nil
}

func (t *Transport) deliverReliable(to proto.Addr, host string, seq uint8, frame []byte, maxRetries int) {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = t.reliableOnce(host, frame); err == nil {
			break
		}
		debuglog.Debugf("reliable seq=%d to %s attempt %d: %v", seq, to, attempt+1, err)
		if attempt == maxRetries || !backoffRetry(t.ctx, t.pool.recordFailure(host)) {
			break
		}
	}
	t.mu.Lock()
	delete(t.busy, to)
	t.mu.Unlock()
	h := t.h
	if err == nil {
		t.pool.resetFailures(host)
		t.post(func() { h.OnReliableSent(to, seq) })
		return
	}
	t.post(func() { h.OnReliableTimedOut(to, seq) })
}

func (t *Transport) reliableOnce(host string, frame []byte) error {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.AckTimeout)
	defer cancel()
	conn, err := t.pool.get(ctx, host)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.pool.drop(host, conn, "open stream failed")
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}
	if err := proto.WriteFrame(stream, frame); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return err
	}
	if err := stream.Close(); err != nil {
		return err
	}
	var ack [1]byte
	if _, err := io.ReadFull(stream, ack[:]); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if ack[0] != ackByte {
		return fmt.Errorf("unexpected ack byte %#x", ack[0])
	}
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				debuglog.Warnf("quic accept error: %v", err)
			}
			return
		}
		ip := remoteIP(conn.RemoteAddr())
		if !t.lim.acquireConn(ip) {
			debuglog.RateLimitedf("conncap:"+ip, 5*time.Second, "quic conn cap reached for %s", ip)
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		go t.serveStreams(conn, ip)
		go func() {
			defer t.lim.releaseConn(ip)
			t.serveDatagrams(conn, ip)
		}()
	}
}

func (t *Transport) serveDatagrams(conn *quic.Conn, ip string) {
	for {
		data, err := conn.ReceiveDatagram(t.ctx)
		if err != nil {
			return
		}
		if !t.lim.allowDatagram(ip) {
			debuglog.RateLimitedf("rate:"+ip, 5*time.Second, "datagram rate exceeded for %s", ip)
			continue
		}
		ch, from, pkt, ok := decodeDatagram(data)
		if !ok {
			continue
		}
		h := t.h
		switch ch {
		case t.base:
			t.post(func() { h.OnBroadcast(pkt, from) })
		case t.base + 1:
			t.post(func() { h.OnUnicast(pkt, from) })
		default:
			debuglog.Debugf("datagram on channel %d from %s ignored", ch, from)
		}
	}
}

func (t *Transport) serveStreams(conn *quic.Conn, ip string) {
	for {
		stream, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}
		if !t.lim.acquireStream(ip) {
			stream.CancelRead(1)
			_ = stream.Close()
			continue
		}
		go func(s *quic.Stream) {
			defer t.lim.releaseStream(ip)
			t.serveStream(s)
		}(stream)
	}
}

func (t *Transport) serveStream(s *quic.Stream) {
	defer s.Close()
	_ = s.SetDeadline(time.Now().Add(streamRWTimeout))
	data, err := proto.ReadFrame(s)
	if err != nil {
		debuglog.Debugf("reliable read: %v", err)
		return
	}
	ch, from, seq, pkt, ok := decodeReliable(data)
	if !ok || ch != t.base+2 {
		return
	}
	t.mu.Lock()
	last, seen := t.lastRecv[from]
	fresh := !seen || last != seq
	t.lastRecv[from] = seq
	t.mu.Unlock()
	if fresh {
		h := t.h
		t.post(func() { h.OnReliable(pkt, from, seq) })
	}
	if _, err := s.Write([]byte{ackByte}); err != nil {
		debuglog.Debugf("reliable ack to %s: %v", from, err)
	}
}

func remoteIP(a net.Addr) string {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

func encodeDatagram(ch uint16, from proto.Addr, pkt []byte) []byte {
	out := make([]byte, datagramPrefix+len(pkt))
	binary.BigEndian.PutUint16(out[0:2], ch)
	copy(out[2:4], from[:])
	copy(out[datagramPrefix:], pkt)
	return out
}

func decodeDatagram(b []byte) (ch uint16, from proto.Addr, pkt []byte, ok bool) {
	if len(b) <= datagramPrefix {
		return 0, proto.NullAddr, nil, false
	}
	ch = binary.BigEndian.Uint16(b[0:2])
	copy(from[:], b[2:4])
	return ch, from, b[datagramPrefix:], true
}

func encodeReliable(ch uint16, from proto.Addr, seq uint8, pkt []byte) []byte {
	out := make([]byte, reliablePrefix+len(pkt))
	binary.BigEndian.PutUint16(out[0:2], ch)
	copy(out[2:4], from[:])
	out[4] = seq
	copy(out[reliablePrefix:], pkt)
	return out
}

func decodeReliable(b []byte) (ch uint16, from proto.Addr, seq uint8, pkt []byte, ok bool) {
	if len(b) <= reliablePrefix {
		return 0, proto.NullAddr, 0, nil, false
	}
	ch = binary.BigEndian.Uint16(b[0:2])
	copy(from[:], b[2:4])
	return ch, from, b[4], b[reliablePrefix:], true
}
