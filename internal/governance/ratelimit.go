package governance

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines per-caller rate limit settings.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts buckets for callers that have been quiet this long.
	IdleTTL time.Duration
}

// KeyFunc extracts the caller key a request is limited under.
type KeyFunc func(r *http.Request) string

// RateLimiter implements token bucket rate limiting per caller.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  RateLimiterConfig
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter. A non-positive rate disables limiting.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	rl.Configure(config)
	return rl
}

// Configure updates the limits. Existing buckets keep their tokens but adopt
// the new rate and burst.
func (rl *RateLimiter) Configure(config RateLimiterConfig) {
	if config.RequestsPerSecond > 0 && config.BurstSize <= 0 {
		config.BurstSize = max(1, int(math.Ceil(config.RequestsPerSecond)))
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.config = config
	for _, b := range rl.buckets {
		b.limiter.SetLimit(rate.Limit(config.RequestsPerSecond))
		b.limiter.SetBurst(config.BurstSize)
	}
}

// Enabled reports whether a positive rate is configured.
func (rl *RateLimiter) Enabled() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.config.RequestsPerSecond > 0
}

// Allow checks if a request for the given caller should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	if rl.config.RequestsPerSecond <= 0 {
		rl.mu.Unlock()
		return true
	}

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		rl.evictIdleLocked(now)
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Stats returns current rate limit statistics for all callers.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, b := range rl.buckets {
		stats[key] = RateLimitStats{
			Limit:     rl.config.RequestsPerSecond,
			BurstSize: rl.config.BurstSize,
			Available: b.limiter.TokensAt(now),
			LastSeen:  b.lastSeen.Format(time.RFC3339),
		}
	}
	return stats
}

// RateLimitStats exposes current state of a caller's bucket.
type RateLimitStats struct {
	Limit     float64 `json:"limit"`
	BurstSize int     `json:"burstSize"`
	Available float64 `json:"available"`
	LastSeen  string  `json:"lastSeen"`
}

func (rl *RateLimiter) evictIdleLocked(now time.Time) {
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.config.IdleTTL {
			delete(rl.buckets, key)
		}
	}
}

// Middleware rejects requests over the caller's limit with 429. onLimited,
// when set, writes the rejection body instead of the default plain text.
func (rl *RateLimiter) Middleware(key KeyFunc, onLimited http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.Allow(key(r)) {
				next.ServeHTTP(w, r)
				return
			}

			rl.mu.Lock()
			limit := rl.config.RequestsPerSecond
			rl.mu.Unlock()

			WriteRateLimitHeaders(w, limit, 0, rl.now().Add(time.Second))
			if onLimited != nil {
				onLimited(w, r)
				return
			}
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		})
	}
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit float64, remaining int, resetTime time.Time) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(limit, 'f', -1, 64))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
	w.Header().Set("Retry-After", "1")
}
