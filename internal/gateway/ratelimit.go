package gateway

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// lifecyclePaths get the stricter rate-limit bucket, per
// original_source/src/security.py's LIFECYCLE_ENDPOINTS.
var lifecyclePaths = map[string]bool{
	"/agent/start":   true,
	"/agent/stop":    true,
	"/agent/restart": true,
	"/stream/start":  true,
	"/stream/stop":   true,
	"/model/switch":  true,
	"/auth/rotate":   true,
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter is a token-bucket limiter keyed by client identity, with
// separate general and lifecycle buckets, adapted from the teacher's
// middleware_rate_limit.go keying scheme.
type rateLimiter struct {
	generalRPM   int
	lifecycleRPM int
	burst        int
	trustLoopback bool

	mu      sync.Mutex
	general map[string]*rateLimitEntry
	life    map[string]*rateLimitEntry

	ttl time.Duration
}

func newRateLimiter(generalRPM, lifecycleRPM, burst int, trustLoopback bool) *rateLimiter {
	return &rateLimiter{
		generalRPM:    generalRPM,
		lifecycleRPM:  lifecycleRPM,
		burst:         burst,
		trustLoopback: trustLoopback,
		general:       make(map[string]*rateLimitEntry),
		life:          make(map[string]*rateLimitEntry),
		ttl:           10 * time.Minute,
	}
}

func (rl *rateLimiter) allow(key string, lifecycle bool) bool {
	if rl.generalRPM <= 0 && rl.lifecycleRPM <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket := rl.general
	rpm := rl.generalRPM
	if lifecycle {
		bucket = rl.life
		rpm = rl.lifecycleRPM
	}
	if rpm <= 0 {
		return true
	}

	entry, ok := bucket[key]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rl.burst)}
		bucket[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.cleanupLocked()
	return entry.limiter.Allow()
}

// cleanupLocked drops entries that have gone quiet past the TTL, called
// with rl.mu held. Opportunistic rather than ticker-driven, matching the
// teacher's per-request sweep.
func (rl *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-rl.ttl)
	for _, bucket := range []map[string]*rateLimitEntry{rl.general, rl.life} {
		for k, e := range bucket {
			if e.lastSeen.Before(cutoff) {
				delete(bucket, k)
			}
		}
	}
}

// rateLimitMiddleware applies the per-identity (falling back to per-IP)
// token-bucket limit, exempting /health and, if configured, loopback
// clients.
func rateLimitMiddleware(rl *rateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := strings.TrimRight(c.Request.URL.Path, "/")
		if path == "" {
			path = "/"
		}
		if publicPaths[path] {
			c.Next()
			return
		}
		if rl.trustLoopback && isLoopback(c.Request) {
			c.Next()
			return
		}

		key := rateLimitKey(c.Request)
		if !rl.allow(key, lifecyclePaths[path]) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":  "error",
				"message": "rate limit exceeded, try again later",
			})
			return
		}
		c.Next()
	}
}

func rateLimitKey(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return "key:" + token
	}
	return "ip:" + clientIP(r)
}
