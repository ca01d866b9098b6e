package ratelimit

import (
	"testing"
	"time"
)

func TestSlidingWindowBurst(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	w := NewSlidingWindow(3, 3*time.Second)
	w.nowFn = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !w.Allow() {
			t.Fatalf("request %d inside burst should be allowed", i)
		}
	}
	if w.Allow() {
		t.Fatal("fourth request should be rejected")
	}
}

func TestSlidingWindowSlides(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	w := NewSlidingWindow(2, 2*time.Second)
	w.nowFn = func() time.Time { return now }

	if !w.Allow() || !w.Allow() {
		t.Fatal("initial burst should be allowed")
	}
	if w.Allow() {
		t.Fatal("over-burst request should be rejected")
	}

	// First event ages out once the window has moved past it.
	now = now.Add(2100 * time.Millisecond)
	if !w.Allow() {
		t.Fatal("request should be allowed after window slides")
	}
	if w.Allow() {
		t.Fatal("window should be full again")
	}
}

func TestDeviceLimiterIsolatesDevices(t *testing.T) {
	l := NewDeviceLimiter(Config{RatePerSec: 1, Burst: 1, Enabled: true})

	if !l.Allow("dev-1") {
		t.Fatal("first call for dev-1 should be allowed")
	}
	if l.Allow("dev-1") {
		t.Fatal("second call for dev-1 should be rejected")
	}
	if !l.Allow("dev-2") {
		t.Fatal("dev-2 has its own window")
	}
}

func TestDeviceLimiterDisabled(t *testing.T) {
	l := NewDeviceLimiter(Config{RatePerSec: 1, Burst: 1, Enabled: false})
	for i := 0; i < 10; i++ {
		if !l.Allow("dev-1") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestDeviceLimiterDefaults(t *testing.T) {
	// Zero config must not divide by zero or admit nothing.
	l := NewDeviceLimiter(Config{Enabled: true})
	if !l.Allow("dev-1") {
		t.Fatal("defaulted limiter should admit one request")
	}
}
