package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	cleanupInterval = 5 * time.Minute
	clientIdleTTL   = 10 * time.Minute
)

// RateLimiter is a per-client-IP token bucket.
type RateLimiter struct {
	clients    map[string]*ClientBucket
	mutex      sync.Mutex
	logger     *zap.Logger
	defaultRPS int
	burst      int
	now        func() time.Time
}

type ClientBucket struct {
	tokens     float64
	lastUpdate time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		clients:    make(map[string]*ClientBucket),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
		now:        time.Now,
	}
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

// RateLimitWithConfig limits a route group with its own rate. Buckets are
// keyed by client and route group, so a tight limit on one group does not
// consume another group's tokens.
func (rl *RateLimiter) RateLimitWithConfig(rps int, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		key := clientIP + "|" + c.FullPath()
		if rps == rl.defaultRPS && burst == rl.burst {
			key = clientIP
		}

		if !rl.allowRequest(key, rps, burst) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
				zap.Int("rps", rps))

			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allowRequest(key string, rps, burst int) bool {
	now := rl.now()

	rl.mutex.Lock()
	bucket, exists := rl.clients[key]
	if !exists {
		bucket = &ClientBucket{
			tokens:     float64(burst),
			lastUpdate: now,
		}
		rl.clients[key] = bucket
	}
	rl.mutex.Unlock()

	return bucket.allowRequest(now, rps, burst)
}

func (cb *ClientBucket) allowRequest(now time.Time, rps, burst int) bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	elapsed := now.Sub(cb.lastUpdate)
	cb.tokens = min(float64(burst), cb.tokens+elapsed.Seconds()*float64(rps))
	cb.lastUpdate = now

	if cb.tokens >= 1 {
		cb.tokens--
		return true
	}

	return false
}

// Run forgets idle clients until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanupExpiredClients()
		}
	}
}

func (rl *RateLimiter) cleanupExpiredClients() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	for key, bucket := range rl.clients {
		bucket.mutex.Lock()
		if now.Sub(bucket.lastUpdate) > clientIdleTTL {
			delete(rl.clients, key)
		}
		bucket.mutex.Unlock()
	}
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	return map[string]interface{}{
		"active_clients": len(rl.clients),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
	}
}
