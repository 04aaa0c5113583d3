package resilience

import (
	"sync"
	"time"
)

// RateLimiterConfig configures an in-process token-bucket limiter.
// RatePerSecond tokens are added continuously, capped at BurstSize; a call
// that needs more tokens than are currently available is refused rather
// than queued.
type RateLimiterConfig struct {
	RatePerSecond float64
	BurstSize     int
}

// RateLimiter is a token-bucket limiter guarding a resource against bursts.
// It is a local, best-effort first line of defense in front of a
// Redis-backed check (see pkg/tier's burst path): it has no shared state
// across processes and resets on restart.
type RateLimiter struct {
	name   string
	config RateLimiterConfig

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter with a full bucket.
func NewRateLimiter(name string, config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		name:       name,
		config:     config,
		tokens:     float64(config.BurstSize),
		lastRefill: time.Now(),
	}
}

// Allow reports whether one unit may proceed now.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(time.Now(), 1)
}

// AllowN reports whether n units may proceed at now, consuming them from
// the bucket if so. now is taken as a parameter so tests can drive refill
// deterministically.
func (r *RateLimiter) AllowN(now time.Time, n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.lastRefill); elapsed > 0 {
		r.tokens += elapsed.Seconds() * r.config.RatePerSecond
		if capacity := float64(r.config.BurstSize); r.tokens > capacity {
			r.tokens = capacity
		}
		r.lastRefill = now
	}

	need := float64(n)
	if r.tokens >= need {
		r.tokens -= need
		return true
	}
	return false
}

// RateLimiterManager lazily creates and caches named RateLimiters, so
// independent call sites that share a key (the same tier/resource pair)
// throttle against one shared bucket instead of one each.
type RateLimiterManager struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// NewRateLimiterManager returns an empty manager.
func NewRateLimiterManager() *RateLimiterManager {
	return &RateLimiterManager{limiters: make(map[string]*RateLimiter)}
}

// GetOrCreate returns the named limiter, constructing it with config on
// first use. config is ignored on subsequent calls for an already-created
// name: the first caller to register a key owns its shape.
func (m *RateLimiterManager) GetOrCreate(name string, config RateLimiterConfig) *RateLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[name]; ok {
		return l
	}
	l := NewRateLimiter(name, config)
	m.limiters[name] = l
	return l
}
