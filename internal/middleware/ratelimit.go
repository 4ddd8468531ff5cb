package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdle = 30 * time.Minute

// IPRateLimiter hands out one token bucket per client IP. It throttles credential guessing
// before the lockout guard ever sees it.
type IPRateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	seen     map[string]time.Time
}

func NewIPRateLimiter(perSecond float64, burst int) *IPRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IPRateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		seen:     make(map[string]time.Time),
	}
}

func (l *IPRateLimiter) get(ip string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[ip]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		l.seen[ip] = time.Now()
		l.mu.Unlock()
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[ip]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(l.limit, l.burst)
	l.limiters[ip] = limiter
	l.seen[ip] = time.Now()
	return limiter
}

// Prune drops limiters unused for a while.
func (l *IPRateLimiter) Prune() {
	cutoff := time.Now().Add(-limiterIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, at := range l.seen {
		if at.Before(cutoff) {
			delete(l.seen, ip)
			delete(l.limiters, ip)
		}
	}
}

func (l *IPRateLimiter) Allow(ip string) bool {
	return l.get(ip).Allow()
}

func RateLimit(l *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l != nil && !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
