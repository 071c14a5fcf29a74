package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// tokenBucket implements a token bucket rate limiter. lastRefill also
// serves as the bucket's last-activity timestamp for eviction.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens < 0 {
		return 0
	}
	return int(b.tokens)
}

func (b *tokenBucket) retryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refillRate <= 0 {
		return 1
	}
	return int((1-b.tokens)/b.refillRate) + 1
}

// rateLimiterStore holds per-key token buckets and evicts buckets that
// have sat idle past idleTTL.
type rateLimiterStore struct {
	buckets    map[string]*tokenBucket
	mu         sync.RWMutex
	config     RateLimitConfig
	idleTTL    time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time
}

func newRateLimiterStore(cfg RateLimitConfig) *rateLimiterStore {
	// A bucket idle long enough to refill completely is
	// indistinguishable from a fresh one, so evicting it never loosens
	// the limit. The TTL therefore covers at least one full refill.
	ttl := 15 * time.Minute
	if cfg.RequestsPerSecond > 0 {
		refill := time.Duration(float64(cfg.BurstSize) / cfg.RequestsPerSecond * float64(time.Second))
		if refill > ttl {
			ttl = refill
		}
	}
	return &rateLimiterStore{
		buckets:    make(map[string]*tokenBucket),
		config:     cfg,
		idleTTL:    ttl,
		sweepEvery: time.Minute,
		lastSweep:  time.Now(),
	}
}

func (s *rateLimiterStore) getBucket(key string) *tokenBucket {
	now := time.Now()
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	due := now.Sub(s.lastSweep) > s.sweepEvery
	s.mu.RUnlock()
	if ok && !due {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) > s.sweepEvery {
		s.sweepLocked(now)
		s.lastSweep = now
	}
	// Re-check after acquiring the write lock; the sweep may also have
	// removed the bucket found above.
	if bucket, ok := s.buckets[key]; ok {
		return bucket
	}
	bucket = newTokenBucket(s.config.RequestsPerSecond, s.config.BurstSize)
	s.buckets[key] = bucket
	return bucket
}

// sweepLocked removes buckets idle past idleTTL. Callers hold the
// store's write lock; the per-bucket lock still guards lastRefill
// against a caller that fetched the bucket pointer earlier.
func (s *rateLimiterStore) sweepLocked(now time.Time) {
	for key, b := range s.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastRefill)
		b.mu.Unlock()
		if idle > s.idleTTL {
			delete(s.buckets, key)
		}
	}
}

// RateLimit returns a rate limiting middleware. Authenticated traffic
// shares one bucket per tenant, so a tenant's quota does not multiply
// with the number of egress addresses its clients sit behind. Anonymous
// traffic is keyed by client address.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newRateLimiterStore(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
				key = "tenant:" + tenantID
			}

			bucket := store.getBucket(key)
			if !bucket.allow() {
				retryAfter := bucket.retryAfter()
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				c.Response().Header().Set("X-RateLimit-Limit", strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}

			c.Response().Header().Set("X-RateLimit-Limit", strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(bucket.remaining()))
			return next(c)
		}
	}
}
