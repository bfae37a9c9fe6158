package network

import (
	"sync"

	"golang.org/x/time/rate"
)

// ipLimiter caps inbound connections and streams per remote IP and
// rate-limits datagrams from it.
type ipLimiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[string]int
	streamCounts map[string]int

	rate   rate.Limit
	burst  int
	meters map[string]*rate.Limiter
}

func newIPLimiter(maxConns, maxStreams int, perSec float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.Inf
	if perSec > 0 {
		lim = rate.Limit(perSec)
	}
	return &ipLimiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
		rate:         lim,
		burst:        burst,
		meters:       make(map[string]*rate.Limiter),
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	if l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] >= l.maxConns {
		return false
	}
	l.connCounts[ip]++
	return true
}

func (l *ipLimiter) releaseConn(ip string) {
	if l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] <= 1 {
		delete(l.connCounts, ip)
		delete(l.meters, ip)
		return
	}
	l.connCounts[ip]--
}

func (l *ipLimiter) acquireStream(ip string) bool {
	if l.maxStreams <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamCounts[ip] >= l.maxStreams {
		return false
	}
	l.streamCounts[ip]++
	return true
}

func (l *ipLimiter) releaseStream(ip string) {
	if l.maxStreams <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamCounts[ip] <= 1 {
		delete(l.streamCounts, ip)
		return
	}
	l.streamCounts[ip]--
}

func (l *ipLimiter) allowDatagram(ip string) bool {
	if l.rate == rate.Inf {
		return true
	}
	l.mu.Lock()
	m, ok := l.meters[ip]
	if !ok {
		m = rate.NewLimiter(l.rate, l.burst)
		l.meters[ip] = m
	}
	l.mu.Unlock()
	return m.Allow()
}
