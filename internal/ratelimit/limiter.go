// Package ratelimit provides keyed token-bucket limiting for connection
// attempts and RPC traffic.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Config configures a limiter.
type Config struct {
	// PerSecond is the sustained refill rate in tokens per second.
	PerSecond float64 `yaml:"perSecond"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst"`
	// Enabled toggles enforcement; a disabled limiter allows everything.
	Enabled bool `yaml:"enabled"`
}

// PerMinute builds a config from an events-per-minute rate.
func PerMinute(n float64, burst int) Config {
	return Config{PerSecond: n / 60.0, Burst: burst, Enabled: true}
}

func (c Config) normalized() Config {
	if c.PerSecond <= 0 {
		c.PerSecond = 10.0
	}
	if c.Burst <= 0 {
		c.Burst = int(c.PerSecond * 2)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	return c
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastUse    time.Time
}

// Limiter tracks one token bucket per key. Keys are arbitrary strings;
// callers compose them with CompositeKey.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config
	maxKeys int
	idleTTL time.Duration
	now     func() time.Time
}

// New creates a limiter. Buckets start full.
func New(cfg Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg.normalized(),
		maxKeys: 10000,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

// Allow consumes one token for key if available.
func (l *Limiter) Allow(key string) bool {
	if !l.cfg.Enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RetryAfter reports how long until one token becomes available for key.
// Zero means a request would be allowed now.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.cfg.Enabled {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	if b.tokens >= 1 {
		return 0
	}
	seconds := (1 - b.tokens) / l.cfg.PerSecond
	return time.Duration(seconds * float64(time.Second))
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// bucketLocked fetches or creates the bucket for key and refills it.
func (l *Limiter) bucketLocked(key string) *bucket {
	now := l.now()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.pruneLocked(now)
		}
		b = &bucket{tokens: float64(l.cfg.Burst), lastRefill: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.lastRefill = now
		b.tokens += elapsed * l.cfg.PerSecond
		if max := float64(l.cfg.Burst); b.tokens > max {
			b.tokens = max
		}
	}
	b.lastUse = now
	return b
}

// pruneLocked drops buckets idle past the TTL.
func (l *Limiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastUse) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
}

// CompositeKey joins key parts with ":".
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
