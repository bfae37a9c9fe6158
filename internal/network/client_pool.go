package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"spraydtn/internal/debuglog"
)

const (
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientConnIdle    = 30 * time.Second
)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

type addrFailure struct {
	count int
	last  time.Time
}

// clientPool keeps one outbound connection per neighbor host.
type clientPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	failures  map[string]*addrFailure
	idleAfter time.Duration
	tlsConf   *tls.Config
	quicConf  *quic.Config
}

func newClientPool(idleAfter time.Duration, tlsConf *tls.Config, quicConf *quic.Config) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[string]*pooledConn),
		failures:  make(map[string]*addrFailure),
		idleAfter: idleAfter,
		tlsConf:   tlsConf,
		quicConf:  quicConf,
	}
}

func (p *clientPool) get(ctx context.Context, host string) (*quic.Conn, error) {
	if host == "" {
		return nil, errors.New("missing host")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[host]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, host)
		conn := ent.conn
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	debuglog.Debugf("quic dial to %s", host)
	conn, err := quic.DialAddr(ctx, host, p.tlsConf, p.quicConf)
	if err != nil {
		return nil, err
	}
	debuglog.Debugf("quic conn established to %s", host)
	p.mu.Lock()
	if ent, ok := p.conns[host]; ok && ent.conn.Context().Err() == nil {
		// Lost a dial race; keep the existing connection.
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "duplicate")
		return ent.conn, nil
	}
	p.conns[host] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *clientPool) drop(host string, conn *quic.Conn, reason string) {
	if host == "" || conn == nil {
		return
	}
	p.mu.Lock()
	if ent, ok := p.conns[host]; ok && ent.conn == conn {
		delete(p.conns, host)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *clientPool) recordFailure(host string) int {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	ent := p.failures[host]
	if ent == nil {
		ent = &addrFailure{}
		p.failures[host] = ent
	}
	ent.count++
	ent.last = now
	return ent.count
}

func (p *clientPool) resetFailures(host string) {
	p.mu.Lock()
	delete(p.failures, host)
	p.mu.Unlock()
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	conns := make([]*quic.Conn, 0, len(p.conns))
	for host, ent := range p.conns {
		conns = append(conns, ent.conn)
		delete(p.conns, host)
	}
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseWithError(0, "shutdown")
	}
}

func backoffDelay(failures int) time.Duration {
	if failures > 16 {
		failures = 16
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	return d
}

// backoffRetry sleeps for the backoff owed after failures and reports
// whether the caller should try again.
func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	t := time.NewTimer(backoffDelay(failures))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
