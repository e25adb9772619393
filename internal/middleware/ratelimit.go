package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/metrics"
)

// IPRateLimiter hands out one token bucket per client IP. Idle buckets are
// evicted after ten minutes.
type IPRateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *gocache.Cache
}

func NewIPRateLimiter(limit rate.Limit, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: gocache.New(10*time.Minute, 5*time.Minute),
	}
}

// PerMinute builds a limiter that allows n requests per minute with bursts of n.
func PerMinute(n int) *IPRateLimiter {
	if n < 1 {
		n = 1
	}
	return NewIPRateLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}

func (l *IPRateLimiter) limiter(ip string) *rate.Limiter {
	if v, ok := l.limiters.Get(ip); ok {
		lim := v.(*rate.Limiter)
		l.limiters.SetDefault(ip, lim)
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	// Add fails if another request created the bucket first; use theirs.
	if err := l.limiters.Add(ip, lim, gocache.DefaultExpiration); err != nil {
		if v, ok := l.limiters.Get(ip); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

// Allow reports whether ip may make a request now.
func (l *IPRateLimiter) Allow(ip string) bool {
	return l.limiter(ip).Allow()
}

// RateLimit rejects requests over the per-IP budget with 429.
func RateLimit(l *IPRateLimiter, scope string, m *metrics.Collector) gin.HandlerFunc {
	retryAfter := "1"
	if l.limit > 0 && float64(l.limit) < 1 {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / float64(l.limit))))
	}
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			m.RateLimitedTotal.WithLabelValues(scope).Inc()
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
				"code":  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
