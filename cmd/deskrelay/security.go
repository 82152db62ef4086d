package main

import (
	"sync"
	"time"
)

// Webhook ingress rate limiting, applied per client IP. Vendors deliver
// callbacks from shared egress ranges, so the window must tolerate
// legitimate bursts.
const (
	webhookRateLimit  = 120
	webhookRateWindow = time.Minute
)

// RateLimiter is a sliding window request counter keyed by client IP.
type RateLimiter struct {
	mu        sync.RWMutex
	requests  map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests:  make(map[string][]time.Time),
		limit:     limit,
		window:    window,
		lastSweep: time.Now(),
	}
}

// Allow records a request for ip and reports whether it stays within the
// limit. Stale entries for other ips are swept at most once per window so
// the map cannot grow without bound.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit <= 0 {
		return false
	}

	now := time.Now()
	cutoff := now.Add(-rl.window)

	if now.Sub(rl.lastSweep) > rl.window {
		rl.sweep(cutoff)
		rl.lastSweep = now
	}

	kept := pruneBefore(rl.requests[ip], cutoff)
	if len(kept) >= rl.limit {
		rl.requests[ip] = kept
		return false
	}
	rl.requests[ip] = append(kept, now)
	return true
}

// sweep drops ips whose every recorded request fell out of the window.
// Caller holds the lock.
func (rl *RateLimiter) sweep(cutoff time.Time) {
	for ip, times := range rl.requests {
		kept := pruneBefore(times, cutoff)
		if len(kept) == 0 {
			delete(rl.requests, ip)
		} else {
			rl.requests[ip] = kept
		}
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
