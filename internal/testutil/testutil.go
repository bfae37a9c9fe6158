// Package testutil holds helpers shared by package tests: fuzz input caps
// and bounded waits for code that runs on real goroutines.
package testutil

import (
	"testing"
	"time"
)

const (
	// MaxFuzzBytes comfortably exceeds any frame the decoders accept.
	MaxFuzzBytes = 1 << 13
	FuzzTimeout  = 100 * time.Millisecond

	// WaitTimeout bounds waits on loopback networking.
	WaitTimeout = 10 * time.Second
)

func CapBytes(b []byte, max int) []byte {
	if max > 0 && len(b) > max {
		return b[:max]
	}
	return b
}

// WithTimeout fails t if fn has not returned within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = FuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// Recv returns the next value from ch or fails t after WaitTimeout.
func Recv[T any](t testing.TB, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(WaitTimeout):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

// Eventually polls cond until it holds or WaitTimeout passes.
func Eventually(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
