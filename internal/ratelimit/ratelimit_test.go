package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	// Initial tokens should be at capacity.
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)

	// Should have 2 tokens available now.
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestLimiterPerHost(t *testing.T) {
	l := NewLimiter(0, 2, 3) // global disabled; 2 conn/s per host, burst 3

	host := "192.0.2.1"
	for i := 0; i < 3; i++ {
		if !l.Allow(host) {
			t.Errorf("Expected connection %d to be allowed for %s", i, host)
		}
	}
	if l.Allow(host) {
		t.Error("Expected connection to be denied over per-host burst")
	}

	// A different host has its own bucket.
	if !l.Allow("192.0.2.2") {
		t.Error("Expected connection from a different host to be allowed")
	}
}

func TestLimiterGlobal(t *testing.T) {
	l := NewLimiter(2, 0, 2) // global 2 conn/s, per-host disabled, burst 2

	if !l.Allow("192.0.2.1") {
		t.Error("Expected first global connection to be allowed")
	}
	if !l.Allow("192.0.2.2") {
		t.Error("Expected second global connection to be allowed")
	}
	if l.Allow("192.0.2.3") {
		t.Error("Expected connection to be denied over global burst")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 0, 5)
	for i := 0; i < 100; i++ {
		if !l.Allow("192.0.2.1") {
			t.Errorf("Expected connection %d to be allowed when limits disabled", i)
		}
	}
}

func TestLimiterPrune(t *testing.T) {
	l := NewLimiter(0, 1, 1)
	l.Allow("192.0.2.1")
	l.Allow("192.0.2.2")
	if len(l.perHost) != 2 {
		t.Fatalf("Expected 2 host buckets, got %d", len(l.perHost))
	}
	l.Prune(0)
	if len(l.perHost) != 0 {
		t.Errorf("Expected all idle host buckets pruned, got %d", len(l.perHost))
	}
}
