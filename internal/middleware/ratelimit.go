package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultFailuresPerMinute = 10
	maxTrackedClients        = 10000

	sweepInterval = time.Minute
	idleEviction  = 5 * time.Minute
)

type failureWindow struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter throttles repeated failed API key authentications per client IP,
// so that guessing key secrets against the question-set API stays slow.
// Clients that authenticate successfully are never tracked.
type RateLimiter struct {
	mu           sync.Mutex
	byIP         map[string]*failureWindow
	maxPerMinute int
	maxTracked   int
	cancel       context.CancelFunc
}

// NewRateLimiter returns a limiter allowing maxPerMinute failed attempts per
// IP (0 selects the default of 10) and starts a background sweep that drops
// IPs idle for more than five minutes.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = defaultFailuresPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		byIP:         make(map[string]*failureWindow),
		maxPerMinute: maxPerMinute,
		maxTracked:   maxTrackedClients,
		cancel:       cancel,
	}
	go rl.sweep(ctx)
	return rl
}

// RecordFailureAndAllow counts a failed authentication from ip and reports
// whether the client is still under its limit. A false return means the
// request should be rejected with 429 rather than 401.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.byIP[ip]
	if !ok {
		if len(rl.byIP) >= rl.maxTracked {
			rl.evictIdlestLocked()
		}
		w = &failureWindow{
			lim: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.byIP[ip] = w
	}
	w.seen = now
	return w.lim.Allow()
}

// Stop ends the background sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.dropIdle()
		}
	}
}

func (rl *RateLimiter) dropIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	for ip, w := range rl.byIP {
		if now.Sub(w.seen) > idleEviction {
			delete(rl.byIP, ip)
		}
	}
}

func (rl *RateLimiter) evictIdlestLocked() {
	var idlest string
	var seen time.Time
	for ip, w := range rl.byIP {
		if idlest == "" || w.seen.Before(seen) {
			idlest = ip
			seen = w.seen
		}
	}
	if idlest != "" {
		delete(rl.byIP, idlest)
	}
}

// clientIP strips the port from an http.Request RemoteAddr. Bare IPs (no
// port) pass through unchanged.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
