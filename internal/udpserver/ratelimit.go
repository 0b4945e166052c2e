package udpserver

import (
	"encoding/binary"
	"net"
	"sync"
	"time"
)

// rateLimiter is a per-source-address fixed-window limiter guarding the
// UDP connect handshake against amplification abuse. It sits only in front
// of connection-id issuance; announce and scrape traffic is never
// rate-limited here.
type rateLimiter struct {
	window time.Duration
	burst  int

	mu        sync.Mutex
	entries   map[string]*rateLimitEntry
	lastSweep time.Time
}

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

func newRateLimiter(window time.Duration, burst int) *rateLimiter {
	return &rateLimiter{window: window, burst: burst, entries: make(map[string]*rateLimitEntry)}
}

// allow reports whether a connect request from addr may proceed, and if
// not, how long the caller must wait before retrying.
func (rl *rateLimiter) allow(addr *net.UDPAddr) (bool, time.Duration) {
	key := rateLimitKey(addr)
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.maybeSweep(now)

	e, ok := rl.entries[key]
	if !ok {
		rl.entries[key] = &rateLimitEntry{count: 1, windowStart: now}
		return true, 0
	}

	elapsed := now.Sub(e.windowStart)
	if elapsed >= rl.window {
		e.count = 1
		e.windowStart = now
		return true, 0
	}

	if e.count < rl.burst {
		e.count++
		return true, 0
	}
	return false, rl.window - elapsed
}

// maybeSweep drops entries whose window has fully elapsed. Called with
// rl.mu held, at most once per window, so a flood of spoofed source
// addresses can only grow the map for one window's worth of traffic
// before it is purged.
func (rl *rateLimiter) maybeSweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	for key, e := range rl.entries {
		if now.Sub(e.windowStart) >= rl.window {
			delete(rl.entries, key)
		}
	}
}

// rateLimitKey builds an allocation-light key from a UDP address: 16 bytes
// of IP (v4-mapped to v6) plus 2 bytes of port.
func rateLimitKey(addr *net.UDPAddr) string {
	ip := addr.IP.To16()
	if ip == nil {
		ip = net.IPv6zero
	}
	var key [18]byte
	copy(key[:16], ip)
	binary.BigEndian.PutUint16(key[16:18], uint16(addr.Port))
	return string(key[:])
}
