// Package ratelimit enforces per-caller HTTP request limits using Redis or
// local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/metrics"
	"github.com/agentmesh-dev/agentmesh/internal/v1/middleware"
)

// RateLimiter enforces the HTTP request budget, keyed per project when the
// request carries one and per client IP otherwise.
type RateLimiter struct {
	http  *limiter.Limiter
	store limiter.Store
}

// New creates a rate limiter. rate uses the limiter format, e.g. "300-M" for
// 300 requests per minute. A nil redisClient falls back to a memory store.
func New(rate string, redisClient *redis.Client) (*RateLimiter, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store")
	}

	return &RateLimiter{
		http:  limiter.New(store, parsed),
		store: store,
	}, nil
}

// Middleware enforces the per-minute budget and sets the X-RateLimit headers.
// A failing limiter store fails open: availability over strictness.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, scope := c.ClientIP(), "ip"
		if pid := middleware.ProjectID(c); pid != "" {
			key, scope = "project:"+pid, "project"
		}

		ctx := c.Request.Context()
		lctx, err := rl.http.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("http", scope).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}
		c.Next()
	}
}
