package worker

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_New(t *testing.T) {
	limiter := NewLimiter(10, 5)
	if limiter.defaultBurst != 5 {
		t.Errorf("expected burst 5, got %d", limiter.defaultBurst)
	}

	l2 := NewLimiter(10, -1)
	if l2.defaultBurst != 5 {
		t.Errorf("expected default burst 5 for negative input, got %d", l2.defaultBurst)
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(100, 1) // 100 rps, burst 1
	ctx := context.Background()

	url := "http://example.com/foo"
	if err := limiter.Wait(ctx, url); err != nil {
		t.Errorf("wait failed: %v", err)
	}

	// Different host should also work
	if err := limiter.Wait(ctx, "https://archive-api.open-meteo.com/v1/archive"); err != nil {
		t.Errorf("wait failed: %v", err)
	}
}

func TestLimiter_WaitWithDelay(t *testing.T) {
	limiter := NewLimiter(100, 1)
	ctx := context.Background()

	start := time.Now()
	err := limiter.WaitWithDelay(ctx, "http://example.com", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitWithDelay failed: %v", err)
	}

	duration := time.Since(start)
	if duration < 50*time.Millisecond {
		t.Errorf("expected delay >= 50ms, got %v", duration)
	}
}

func TestLimiter_RateLimit(t *testing.T) {
	// 1 rps, burst 1
	limiter := NewLimiter(1, 1)
	ctx := context.Background()
	url := "http://example.com"

	// First request ok
	if err := limiter.Wait(ctx, url); err != nil {
		t.Errorf("first wait failed: %v", err)
	}

	// Burst 1 is consumed; Allow does not wait
	if limiter.Allow(url) {
		t.Errorf("expected allow to fail (exhausted tokens)")
	}

	// Different domain should be allowed
	if !limiter.Allow("http://other.com") {
		t.Errorf("expected allow for other domain")
	}
}

func TestLimiter_SetHostRate(t *testing.T) {
	limiter := NewLimiter(10, 10) // fast default
	domain := "api.tavily.com"

	// Metered API gets a strict limit
	limiter.SetHostRate(domain, 0.1, 1)

	// First request passes (burst 1)
	if !limiter.Allow("http://" + domain) {
		t.Errorf("first request should pass")
	}

	// Second request fails
	if limiter.Allow("http://" + domain) {
		t.Errorf("second request should fail")
	}

	// Other domain still fast
	if !limiter.Allow("http://fast.com") {
		t.Errorf("other domain should pass")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("http://example.com") {
			t.Fatalf("request %d rejected with limiting disabled", i)
		}
	}
}

func TestLimiter_HostsShareLimiterAcrossPorts(t *testing.T) {
	limiter := NewLimiter(1, 1)
	if !limiter.Allow("http://Example.com:8080/a") {
		t.Fatal("first request should pass")
	}
	if limiter.Allow("http://example.com/b") {
		t.Error("same host on another port should share the limiter")
	}
	if limiter.Hosts() != 1 {
		t.Errorf("expected 1 host, got %d", limiter.Hosts())
	}
}

func TestHostOf(t *testing.T) {
	host, err := hostOf("http://Example.com:443/foo")
	if err != nil {
		t.Fatalf("hostOf failed: %v", err)
	}
	if host != "example.com" {
		t.Errorf("expected example.com, got %s", host)
	}

	if _, err := hostOf("::invalid"); err == nil {
		t.Errorf("expected error for invalid URL")
	}
	if _, err := hostOf("/relative/path"); err == nil {
		t.Errorf("expected error for URL without host")
	}
}
