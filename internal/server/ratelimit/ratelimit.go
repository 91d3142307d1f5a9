// Package ratelimit throttles control-surface requests per client and
// endpoint with token buckets.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket pairs a token bucket with the shape it was created for.
type bucket struct {
	lim        *rate.Limiter
	capacity   int
	refillRate float64 // tokens per second
}

func newBucket(limit int, window time.Duration, burst int) *bucket {
	capacity := burst
	if capacity <= 0 {
		capacity = limit
	}
	perSecond := float64(limit) / window.Seconds()
	return &bucket{
		lim:        rate.NewLimiter(rate.Limit(perSecond), capacity),
		capacity:   capacity,
		refillRate: perSecond,
	}
}

// take consumes a token if one is available and reports the bucket state
// after the attempt.
func (b *bucket) take(now time.Time) (allowed bool, remaining int, reset time.Time, retryAfter time.Duration) {
	allowed = b.lim.AllowN(now, 1)
	tokens := b.lim.TokensAt(now)
	if tokens > 0 {
		remaining = int(math.Floor(tokens))
	}

	reset = now
	if missing := float64(b.capacity) - tokens; missing > 0 {
		reset = now.Add(seconds(missing / b.refillRate))
	}
	if !allowed {
		retryAfter = seconds((1 - tokens) / b.refillRate)
	}
	return allowed, remaining, reset, retryAfter
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	Whitelist       map[string]bool
	Blacklist       map[string]bool
	EndpointConfigs []EndpointConfig
}

// Limiter manages rate limiting for multiple clients.
type Limiter struct {
	config *Config
	now    func() time.Time

	mu         sync.Mutex
	buckets    map[string]*bucket
	lastAccess map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLimiter creates a new rate limiter. A nil config allows 1000 requests
// per minute per client.
func NewLimiter(config *Config) *Limiter {
	if config == nil {
		config = &Config{
			Enabled:         true,
			DefaultLimit:    1000,
			DefaultWindow:   time.Minute,
			CleanupInterval: 5 * time.Minute,
			Whitelist:       make(map[string]bool),
			Blacklist:       make(map[string]bool),
		}
	}

	l := &Limiter{
		config:     config,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
		lastAccess: make(map[string]time.Time),
		stop:       make(chan struct{}),
	}
	if config.Enabled && config.CleanupInterval > 0 {
		l.wg.Add(1)
		go l.cleanup(config.CleanupInterval)
	}
	return l
}

// Allow checks if a request from clientID to path is allowed.
func (l *Limiter) Allow(clientID, path, method string) (bool, Info) {
	if !l.config.Enabled || l.config.Whitelist[clientID] {
		return true, Info{Allowed: true}
	}
	if l.config.Blacklist[clientID] {
		return false, Info{}
	}

	ep := MatchEndpoint(path, method, l.config.EndpointConfigs)
	if ep == nil {
		ep = &EndpointConfig{
			Path:   "*",
			Method: method,
			Limit:  l.config.DefaultLimit,
			Window: l.config.DefaultWindow,
			Burst:  l.config.DefaultLimit,
		}
	}
	if ep.Limit <= 0 || ep.Window <= 0 {
		return true, Info{Allowed: true}
	}

	// Buckets are shared by every path an endpoint pattern covers, so
	// /runs/{a}/cancel and /runs/{b}/cancel draw from the same budget.
	key := clientID + ":" + ep.Method + ":" + ep.Path
	now := l.now()
	b := l.bucketFor(key, ep, now)

	allowed, remaining, reset, retryAfter := b.take(now)
	return allowed, Info{
		Allowed:    allowed,
		Limit:      ep.Limit,
		Remaining:  remaining,
		ResetTime:  reset,
		RetryAfter: retryAfter,
	}
}

func (l *Limiter) bucketFor(key string, ep *EndpointConfig, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastAccess[key] = now
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(ep.Limit, ep.Window, ep.Burst)
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) cleanup(every time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(l.now().Add(-time.Hour))
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets not used since cutoff.
func (l *Limiter) evictIdle(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, last := range l.lastAccess {
		if last.Before(cutoff) {
			delete(l.buckets, key)
			delete(l.lastAccess, key)
			n++
		}
	}
	return n
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}
