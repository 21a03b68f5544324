package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := New(cfg)
	l.now = clock.now
	return l, clock
}

func TestAllowConsumesBurst(t *testing.T) {
	l, _ := newTestLimiter(Config{PerSecond: 1, Burst: 3, Enabled: true})

	for i := 0; i < 3; i++ {
		if !l.Allow("client") {
			t.Fatalf("request %d should be allowed within burst", i+1)
		}
	}
	if l.Allow("client") {
		t.Error("request beyond burst should be denied")
	}
}

func TestRefillOverTime(t *testing.T) {
	l, clock := newTestLimiter(Config{PerSecond: 2, Burst: 2, Enabled: true})

	l.Allow("k")
	l.Allow("k")
	if l.Allow("k") {
		t.Fatal("bucket should be empty")
	}

	clock.advance(500 * time.Millisecond)
	if !l.Allow("k") {
		t.Error("500ms at 2/s should refill one token")
	}
	if l.Allow("k") {
		t.Error("only one token should have refilled")
	}
}

func TestRefillClampsToBurst(t *testing.T) {
	l, clock := newTestLimiter(Config{PerSecond: 10, Burst: 2, Enabled: true})

	l.Allow("k")
	clock.advance(time.Hour)

	for i := 0; i < 2; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d should be allowed after long idle", i+1)
		}
	}
	if l.Allow("k") {
		t.Error("refill must clamp at burst capacity")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{PerSecond: 1, Burst: 1, Enabled: true})

	if !l.Allow("alice") {
		t.Fatal("first request for alice denied")
	}
	if !l.Allow("bob") {
		t.Error("bob should not share alice's bucket")
	}
	if l.Allow("alice") {
		t.Error("alice's bucket should be empty")
	}
}

func TestDisabledAllowsEverything(t *testing.T) {
	l, _ := newTestLimiter(Config{PerSecond: 1, Burst: 1, Enabled: false})

	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatal("disabled limiter must allow all requests")
		}
	}
}

func TestRetryAfter(t *testing.T) {
	l, clock := newTestLimiter(Config{PerSecond: 2, Burst: 1, Enabled: true})

	if got := l.RetryAfter("k"); got != 0 {
		t.Errorf("RetryAfter on fresh key = %v, want 0", got)
	}
	l.Allow("k")
	if got := l.RetryAfter("k"); got != 500*time.Millisecond {
		t.Errorf("RetryAfter after drain = %v, want 500ms", got)
	}
	clock.advance(250 * time.Millisecond)
	if got := l.RetryAfter("k"); got != 250*time.Millisecond {
		t.Errorf("RetryAfter mid-refill = %v, want 250ms", got)
	}
}

func TestPruneDropsIdleKeys(t *testing.T) {
	l, clock := newTestLimiter(Config{PerSecond: 1, Burst: 1, Enabled: true})
	l.maxKeys = 5

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("old-%d", i))
	}
	clock.advance(l.idleTTL + time.Minute)
	l.Allow("fresh")

	if got := l.Len(); got != 1 {
		t.Errorf("tracked keys after prune = %d, want 1", got)
	}
}

func TestPerMinute(t *testing.T) {
	cfg := PerMinute(30, 10)
	if cfg.PerSecond != 0.5 {
		t.Errorf("PerSecond = %v, want 0.5", cfg.PerSecond)
	}
	if cfg.Burst != 10 || !cfg.Enabled {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestCompositeKey(t *testing.T) {
	if got := CompositeKey("connect", "127.0.0.1"); got != "connect:127.0.0.1" {
		t.Errorf("CompositeKey = %q", got)
	}
}
