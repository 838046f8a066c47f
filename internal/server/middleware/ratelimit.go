package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/nimbusgate/internal/errors"
	"github.com/3leaps/nimbusgate/internal/observability"
)

const (
	limiterTTL      = 10 * time.Minute
	cleanupInterval = 2 * time.Minute
)

// RateLimiter applies a token bucket per client IP. Idle buckets are
// dropped after limiterTTL.
type RateLimiter struct {
	rate  rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu       sync.RWMutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess atomic.Int64
}

// NewRateLimiter returns a limiter allowing rps requests per second with the
// given burst. The cleanup loop runs until ctx is done.
func NewRateLimiter(ctx context.Context, rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		rate:     rate.Limit(rps),
		burst:    burst,
		ttl:      limiterTTL,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
	go rl.cleanupLoop(ctx)
	return rl
}

func (rl *RateLimiter) limiter(ip string) *rate.Limiter {
	now := rl.now().Unix()

	rl.mu.RLock()
	entry, ok := rl.limiters[ip]
	rl.mu.RUnlock()
	if ok {
		entry.lastAccess.Store(now)
		return entry.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if entry, ok := rl.limiters[ip]; ok {
		entry.lastAccess.Store(now)
		return entry.limiter
	}
	entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
	entry.lastAccess.Store(now)
	rl.limiters[ip] = entry
	return entry.limiter
}

func (rl *RateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	cutoff := rl.now().Add(-rl.ttl).Unix()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, entry := range rl.limiters {
		if entry.lastAccess.Load() < cutoff {
			delete(rl.limiters, ip)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// Middleware rejects requests over the limit with 429 RATE_LIMITED and a
// Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limiter(clientIP(r)).Allow() {
			next.ServeHTTP(w, r)
			return
		}
		observability.RecordRateLimitHit()
		w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
		envelope := apperrors.NewEnvelope(apperrors.CodeRateLimited, "Too many requests. Please try again later.", nil).
			WithCorrelationID(GetRequestID(r.Context()))
		writeErrorResponse(w, envelope, http.StatusTooManyRequests)
	})
}

func (rl *RateLimiter) retryAfter() int {
	if rl.rate <= 0 {
		return 60
	}
	return int(math.Max(1, math.Ceil(1/float64(rl.rate))))
}

// clientIP uses the connection address. Forwarding headers are ignored so
// clients cannot pick their own bucket.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
