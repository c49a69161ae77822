package websocket

import (
	"sync"
	"time"
)

const (
	// defaultEventLimit caps inbound events per connection per window. The
	// realtime protocol is low-traffic (joins, signals, lifecycle commands),
	// so a legitimate client stays far below this.
	defaultEventLimit  = 100
	defaultEventWindow = time.Minute
)

// connWindow tracks one connection's event count inside the current window.
type connWindow struct {
	count       int
	windowStart time.Time
}

// RateLimiter throttles inbound events per connection with a fixed window
// that resets when it elapses. Entries are removed when the connection's
// read pump exits.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*connWindow
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if window <= 0 {
		window = defaultEventWindow
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*connWindow),
	}
}

// Allow records one event for connID and reports whether it is within the
// limit. The first event of a window always passes.
func (rl *RateLimiter) Allow(connID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.clients[connID]
	if !ok {
		rl.clients[connID] = &connWindow{count: 1, windowStart: now}
		return true
	}

	if now.Sub(w.windowStart) >= rl.window {
		w.count = 1
		w.windowStart = now
		return true
	}

	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Forget drops the tracking entry for a disconnected connection.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, connID)
}
