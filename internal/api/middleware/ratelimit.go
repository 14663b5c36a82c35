package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/poolride/pkg/cache"
	apperrors "github.com/gocomet/poolride/pkg/errors"
	"github.com/gocomet/poolride/pkg/logger"
)

// Limiter is satisfied by cache.RateLimiter
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

var _ Limiter = (*cache.RateLimiter)(nil)

// RateLimit allows limit requests per caller and route in each window. Limits
// with different scopes count separately. A failing limiter lets requests
// through.
func RateLimit(limiter Limiter, scope string, limit int, window time.Duration, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		key := scope + ":" + UserID(c) + ":" + c.FullPath()

		ok, remaining, err := limiter.Allow(c.Request.Context(), key, limit, window)
		if err != nil {
			log.Warn("Rate limiter unavailable", logger.Err(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			Abort(c, apperrors.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
