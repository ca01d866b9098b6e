// Package ratelimit implements sliding-window rate limiting for device sync
// calls.
//
// Each device gets its own window, created lazily on first access. Unlike a
// token bucket, the sliding window counts actual request timestamps, so a
// device cannot bank idle time into a large burst.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow allows at most limit events per window duration.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	// events holds the timestamps still inside the window, oldest first.
	events []time.Time
	nowFn  func() time.Time
}

// NewSlidingWindow creates a window limiter.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		nowFn:  time.Now,
	}
}

// Allow records one event if the window has room.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFn()
	cutoff := now.Add(-w.window)
	keep := 0
	for _, t := range w.events {
		if t.After(cutoff) {
			break
		}
		keep++
	}
	if keep > 0 {
		w.events = w.events[keep:]
	}

	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// DeviceLimiter manages one sliding window per device.
type DeviceLimiter struct {
	mu      sync.RWMutex
	windows map[string]*SlidingWindow
	config  Config
}

// Config holds the limiter tunables. RatePerSec and Burst combine into a
// window admitting Burst requests per Burst/RatePerSec seconds.
type Config struct {
	RatePerSec float64
	Burst      int
	Enabled    bool
}

// NewDeviceLimiter creates a per-device limiter.
func NewDeviceLimiter(config Config) *DeviceLimiter {
	if config.RatePerSec <= 0 {
		config.RatePerSec = 1
	}
	if config.Burst < 1 {
		config.Burst = 1
	}
	return &DeviceLimiter{
		windows: make(map[string]*SlidingWindow),
		config:  config,
	}
}

// Allow reports whether the device may make another sync call now. Always
// true when limiting is disabled.
func (l *DeviceLimiter) Allow(deviceID string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.RLock()
	w, exists := l.windows[deviceID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		w, exists = l.windows[deviceID]
		if !exists {
			window := time.Duration(float64(l.config.Burst) / l.config.RatePerSec * float64(time.Second))
			w = NewSlidingWindow(l.config.Burst, window)
			l.windows[deviceID] = w
		}
		l.mu.Unlock()
	}
	return w.Allow()
}
