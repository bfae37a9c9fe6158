package network

import "testing"

func TestIPLimiterConnCap(t *testing.T) {
	lim := newIPLimiter(1, 0, 0, 0)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn acquire")
	}
	if lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected conn cap")
	}
	lim.releaseConn("1.2.3.4")
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterStreamCap(t *testing.T) {
	lim := newIPLimiter(0, 2, 0, 0)
	if !lim.acquireStream("1.2.3.4") || !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream cap")
	}
	lim.releaseStream("1.2.3.4")
	if !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1, 1, 0, 0)
	if !lim.acquireConn("1.2.3.4") {
		t.Fatalf("expected first conn")
	}
	if !lim.acquireConn("2.3.4.5") {
		t.Fatalf("expected separate ip conn")
	}
	if !lim.acquireStream("1.2.3.4") {
		t.Fatalf("expected stream acquire")
	}
	if !lim.acquireStream("2.3.4.5") {
		t.Fatalf("expected separate ip stream")
	}
}

func TestIPLimiterDatagramBurst(t *testing.T) {
	lim := newIPLimiter(0, 0, 0.001, 3)
	for i := 0; i < 3; i++ {
		if !lim.allowDatagram("1.2.3.4") {
			t.Fatalf("datagram %d within burst rejected", i)
		}
	}
	if lim.allowDatagram("1.2.3.4") {
		t.Fatalf("expected burst exhausted")
	}
	if !lim.allowDatagram("2.3.4.5") {
		t.Fatalf("separate ip should have its own budget")
	}
}

func TestIPLimiterUnlimitedDatagrams(t *testing.T) {
	lim := newIPLimiter(0, 0, 0, 0)
	for i := 0; i < 1000; i++ {
		if !lim.allowDatagram("1.2.3.4") {
			t.Fatalf("unlimited limiter rejected datagram %d", i)
		}
	}
}
