package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg *Config) (*Limiter, *fakeClock) {
	t.Helper()
	l := NewLimiter(cfg)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestBucket_BurstThenDeny(t *testing.T) {
	now := time.Now()
	b := newBucket(10, 10*time.Second, 0) // 10 tokens, 1 token per second

	for i := 0; i < 10; i++ {
		if ok, _, _, _ := b.take(now); !ok {
			t.Fatalf("Expected request %d to be allowed", i+1)
		}
	}
	ok, remaining, reset, retryAfter := b.take(now)
	if ok {
		t.Error("Expected 11th request to be denied")
	}
	if remaining != 0 {
		t.Errorf("Expected 0 remaining, got %d", remaining)
	}
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Errorf("Expected retry within a second, got %v", retryAfter)
	}
	if !reset.After(now) {
		t.Error("Expected reset time in the future")
	}
}

func TestBucket_Refill(t *testing.T) {
	now := time.Now()
	b := newBucket(2, 2*time.Second, 0)
	b.take(now)
	b.take(now)
	if ok, _, _, _ := b.take(now); ok {
		t.Fatal("Expected bucket to be empty")
	}
	if ok, _, _, _ := b.take(now.Add(1100 * time.Millisecond)); !ok {
		t.Error("Expected a token after one refill interval")
	}
}

func TestLimiter_Allow(t *testing.T) {
	l, _ := newTestLimiter(t, &Config{
		Enabled:       true,
		DefaultLimit:  5,
		DefaultWindow: time.Minute,
	})

	for i := 0; i < 5; i++ {
		allowed, info := l.Allow("10.0.0.1", "/runs", "GET")
		if !allowed {
			t.Fatalf("Expected request %d to be allowed", i+1)
		}
		if info.Limit != 5 {
			t.Errorf("Expected limit 5, got %d", info.Limit)
		}
		if info.Remaining != 4-i {
			t.Errorf("Expected %d remaining, got %d", 4-i, info.Remaining)
		}
	}

	allowed, info := l.Allow("10.0.0.1", "/runs", "GET")
	if allowed {
		t.Error("Expected 6th request to be rate limited")
	}
	if info.RetryAfter <= 0 {
		t.Error("Expected a positive RetryAfter when limited")
	}

	// Other clients have their own budget.
	if allowed, _ := l.Allow("10.0.0.2", "/runs", "GET"); !allowed {
		t.Error("Expected a different client to be allowed")
	}
}

func TestLimiter_Whitelist(t *testing.T) {
	l, _ := newTestLimiter(t, &Config{
		Enabled:       true,
		DefaultLimit:  1,
		DefaultWindow: time.Minute,
		Whitelist:     map[string]bool{"127.0.0.1": true},
	})
	for i := 0; i < 10; i++ {
		if allowed, _ := l.Allow("127.0.0.1", "/runs", "GET"); !allowed {
			t.Fatalf("Expected whitelisted request %d to be allowed", i+1)
		}
	}
}

func TestLimiter_Blacklist(t *testing.T) {
	l, _ := newTestLimiter(t, &Config{
		Enabled:       true,
		DefaultLimit:  100,
		DefaultWindow: time.Minute,
		Blacklist:     map[string]bool{"6.6.6.6": true},
	})
	if allowed, _ := l.Allow("6.6.6.6", "/health", "GET"); allowed {
		t.Error("Expected blacklisted client to be denied")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l, _ := newTestLimiter(t, &Config{Enabled: false})
	for i := 0; i < 100; i++ {
		if allowed, _ := l.Allow("10.0.0.1", "/runs", "POST"); !allowed {
			t.Fatal("Expected all requests to be allowed when disabled")
		}
	}
}

func TestLimiter_EndpointSpecific(t *testing.T) {
	l, _ := newTestLimiter(t, &Config{
		Enabled:         true,
		DefaultLimit:    1000,
		DefaultWindow:   time.Minute,
		EndpointConfigs: DefaultEndpointConfigs(),
	})

	// Starting runs allows a burst of 2.
	for i := 0; i < 2; i++ {
		if allowed, _ := l.Allow("10.0.0.1", "/runs", "POST"); !allowed {
			t.Fatalf("Expected run start %d to be allowed", i+1)
		}
	}
	allowed, info := l.Allow("10.0.0.1", "/runs", "POST")
	if allowed {
		t.Error("Expected third run start to be limited")
	}
	if info.Limit != 10 {
		t.Errorf("Expected limit 10, got %d", info.Limit)
	}

	// Listing runs falls back to the default limit.
	if allowed, info := l.Allow("10.0.0.1", "/runs", "GET"); !allowed || info.Limit != 1000 {
		t.Errorf("Expected GET /runs under the default limit, got allowed=%v limit=%d", allowed, info.Limit)
	}

	// Health checks are unlimited.
	if _, info := l.Allow("10.0.0.1", "/health", "GET"); info.Limit != 0 {
		t.Errorf("Expected unlimited health check, got limit %d", info.Limit)
	}
}

func TestLimiter_PrefixSharesBudget(t *testing.T) {
	l, _ := newTestLimiter(t, &Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		EndpointConfigs: []EndpointConfig{
			{Path: "/runs/", Method: "POST", Limit: 2, Window: time.Minute, Burst: 2},
		},
	})
	l.Allow("10.0.0.1", "/runs/a/cancel", "POST")
	l.Allow("10.0.0.1", "/runs/b/cancel", "POST")
	if allowed, _ := l.Allow("10.0.0.1", "/runs/c/resume", "POST"); allowed {
		t.Error("Expected paths under one prefix to share a bucket")
	}
}

func TestLimiter_RefillOverTime(t *testing.T) {
	l, clock := newTestLimiter(t, &Config{
		Enabled:       true,
		DefaultLimit:  60,
		DefaultWindow: time.Minute,
	})
	for i := 0; i < 60; i++ {
		l.Allow("10.0.0.1", "/runs", "GET")
	}
	if allowed, _ := l.Allow("10.0.0.1", "/runs", "GET"); allowed {
		t.Fatal("Expected budget to be exhausted")
	}
	clock.Advance(2 * time.Second)
	if allowed, _ := l.Allow("10.0.0.1", "/runs", "GET"); !allowed {
		t.Error("Expected a refilled token after two seconds")
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(t, &Config{
		Enabled:       true,
		DefaultLimit:  100,
		DefaultWindow: time.Hour,
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if ok, _ := l.Allow("10.0.0.1", "/runs", "GET"); ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("Expected exactly 100 allowed requests, got %d", allowed)
	}
}

func TestLimiter_EvictIdle(t *testing.T) {
	l, clock := newTestLimiter(t, &Config{
		Enabled:       true,
		DefaultLimit:  10,
		DefaultWindow: time.Minute,
	})
	for i := 0; i < 3; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d", i), "/runs", "GET")
	}
	clock.Advance(2 * time.Hour)
	l.Allow("10.0.0.9", "/runs", "GET")

	if n := l.evictIdle(clock.Now().Add(-time.Hour)); n != 3 {
		t.Errorf("Expected 3 evicted buckets, got %d", n)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) != 1 {
		t.Errorf("Expected 1 remaining bucket, got %d", len(l.buckets))
	}
}

func TestNewLimiter_NilConfig(t *testing.T) {
	l := NewLimiter(nil)
	defer l.Stop()
	if !l.config.Enabled || l.config.DefaultLimit != 1000 {
		t.Errorf("Unexpected default config: %+v", l.config)
	}
	l.Stop()
}

func TestMatchEndpoint(t *testing.T) {
	configs := DefaultEndpointConfigs()
	tests := []struct {
		path, method string
		want         string
	}{
		{"/runs", "POST", "/runs"},
		{"/runs/123/cancel", "POST", "/runs/"},
		{"/runs/123/events", "GET", "/runs/{id}/events"},
		{"/runs/123/entities", "GET", ""},
		{"/runs//events", "GET", ""},
		{"/webhooks/email", "POST", "/webhooks/"},
		{"/campaigns/abc/send", "POST", "/campaigns/"},
		{"/runs", "GET", ""},
		{"/health", "HEAD", "/health"},
	}
	for _, tt := range tests {
		got := MatchEndpoint(tt.path, tt.method, configs)
		switch {
		case tt.want == "" && got != nil:
			t.Errorf("%s %s: expected no match, got %s", tt.method, tt.path, got.Path)
		case tt.want != "" && (got == nil || got.Path != tt.want):
			t.Errorf("%s %s: expected %s, got %v", tt.method, tt.path, tt.want, got)
		}
	}
}

func TestMatchEndpoint_Precedence(t *testing.T) {
	configs := []EndpointConfig{
		{Path: "/runs/", Method: "POST", Limit: 1},
		{Path: "/runs/{id}/cancel", Method: "POST", Limit: 2},
		{Path: "/runs/abc/cancel", Method: "POST", Limit: 3},
		{Path: "/runs/abc/", Method: "POST", Limit: 4},
	}
	tests := []struct {
		path string
		want int
	}{
		{"/runs/abc/cancel", 3},
		{"/runs/xyz/cancel", 2},
		{"/runs/abc/resume", 4},
		{"/runs/xyz/resume", 1},
	}
	for _, tt := range tests {
		got := MatchEndpoint(tt.path, "POST", configs)
		if got == nil || got.Limit != tt.want {
			t.Errorf("POST %s: expected limit %d, got %v", tt.path, tt.want, got)
		}
	}
}
