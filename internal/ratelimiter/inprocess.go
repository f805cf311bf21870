package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InProcess is a single-process rate limiter keyed by (endpoint,
// identifier), built from golang.org/x/time/rate.Limiter instances kept
// in a map with a background janitor — the same shape as a per-IP
// limiter, generalized to an arbitrary identifier. Used as the default in
// single-instance/dev deployments where a shared store isn't configured;
// Limiter (backed by ephemeral.Store) is preferred once replicas exist.
type InProcess struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	rules    map[string]Rule
	done     chan struct{}
}

type bucket struct {
	limiter    *rate.Limiter
	lastSeen   time.Time
}

// NewInProcess starts an InProcess limiter with a background cleanup loop
// that evicts buckets unused for longer than 10 minutes.
func NewInProcess(rules map[string]Rule) *InProcess {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	ip := &InProcess{
		limiters: make(map[string]*bucket),
		rules:    rules,
		done:     make(chan struct{}),
	}
	go ip.cleanupLoop()
	return ip
}

func (ip *InProcess) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			ip.mu.Lock()
			for k, b := range ip.limiters {
				if b.lastSeen.Before(cutoff) {
					delete(ip.limiters, k)
				}
			}
			ip.mu.Unlock()
		case <-ip.done:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (ip *InProcess) Close() {
	close(ip.done)
}

// Allow matches Limiter's signature so the two are interchangeable behind
// a shared interface, even though this implementation ignores ctx.
func (ip *InProcess) Allow(_ context.Context, endpoint, identifier string) (bool, error) {
	rule, ok := ip.rules[endpoint]
	if !ok {
		return true, nil
	}

	key := endpoint + ":" + identifier
	ip.mu.Lock()
	b, exists := ip.limiters[key]
	if !exists {
		// rate.Limit expresses events/sec; a window-based rule converts
		// to an average rate with burst equal to the window's full
		// allowance. This is a token bucket, not a window counter: once
		// the bucket refills, one window can admit more than rule.Limit.
		perSecond := rate.Limit(float64(rule.Limit) / rule.Window.Seconds())
		b = &bucket{limiter: rate.NewLimiter(perSecond, rule.Limit)}
		ip.limiters[key] = b
	}
	b.lastSeen = time.Now()
	limiter := b.limiter
	ip.mu.Unlock()

	return limiter.Allow(), nil
}
