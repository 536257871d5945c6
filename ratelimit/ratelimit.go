// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxfed/config"
	"golang.org/x/time/rate"
)

// keyedLimiter holds one token bucket per key and forgets idle keys.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(r float64, burst int, cleanupInterval time.Duration) *keyedLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &keyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *keyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *keyedLimiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.cleanup * 2)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

func (l *keyedLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *keyedLimiter) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// IPRateLimiter limits inbox requests per client IP.
type IPRateLimiter struct {
	*keyedLimiter
}

// NewIPRateLimiter creates a per-IP limiter allowing r requests per second
// with the given burst.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	return &IPRateLimiter{newKeyedLimiter(r, burst, cleanupInterval)}
}

// Allow reports whether a request from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}
	return l.allow(ip)
}

// AllowIP reports whether a request from the given IP may proceed.
func (l *IPRateLimiter) AllowIP(ip string) bool {
	if ip == "" {
		return true
	}
	return l.allow(ip)
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stop()
}

// DomainRateLimiter limits inbox activities per sending instance, so one
// noisy peer behind many addresses cannot starve the others.
type DomainRateLimiter struct {
	*keyedLimiter
}

// NewDomainRateLimiter creates a per-domain limiter.
func NewDomainRateLimiter(r float64, burst int, cleanupInterval time.Duration) *DomainRateLimiter {
	return &DomainRateLimiter{newKeyedLimiter(r, burst, cleanupInterval)}
}

// Allow reports whether another activity from domain may be processed.
// Domains are compared case-insensitively.
func (l *DomainRateLimiter) Allow(domain string) bool {
	if domain == "" {
		return true
	}
	return l.allow(strings.ToLower(domain))
}

// Stop stops the cleanup goroutine.
func (l *DomainRateLimiter) Stop() {
	l.stop()
}

// Manager coordinates the inbox rate limiters. A disabled manager allows
// everything.
type Manager struct {
	ip     *IPRateLimiter
	domain *DomainRateLimiter
}

// NewManager creates a manager from the inbox rate limit configuration.
func NewManager(cfg config.RateLimitConfig) *Manager {
	if !cfg.Enabled {
		return &Manager{}
	}

	m := &Manager{
		ip: NewIPRateLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval),
	}
	if cfg.DomainRate > 0 && cfg.DomainBurst > 0 {
		m.domain = NewDomainRateLimiter(cfg.DomainRate, cfg.DomainBurst, cfg.CleanupInterval)
	}
	return m
}

// AllowRequest checks the per-IP limit for an inbound HTTP request.
func (m *Manager) AllowRequest(r *http.Request) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.AllowIP(RequestIP(r))
}

// AllowDomain checks the per-domain limit for a verified sender.
func (m *Manager) AllowDomain(domain string) bool {
	if m == nil || m.domain == nil {
		return true
	}
	return m.domain.Allow(domain)
}

// Stop stops the rate limiters and cleans up resources.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	if m.ip != nil {
		m.ip.Stop()
	}
	if m.domain != nil {
		m.domain.Stop()
	}
}

// RequestIP returns the client IP of r. The first X-Forwarded-For hop is
// trusted when present, since the inbox usually runs behind a proxy.
func RequestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
