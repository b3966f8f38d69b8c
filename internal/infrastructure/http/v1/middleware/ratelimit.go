package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"stockpile/internal/core/apperror"
	appctx "stockpile/internal/core/context"
	"stockpile/internal/ratelimit"
	"stockpile/pkg/logger"
)

// RateLimit admits or rejects the request before the handler runs. Rejected
// requests get 429 with Retry-After and never reach the store or the broker.
// stats may be nil.
func RateLimit(limiter *ratelimit.Limiter, stats ratelimit.StatsStore, log *logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("ratelimit")

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		identity := appctx.GetIdentity(ctx)
		if identity == "" {
			identity = ratelimit.DefaultKeyFunc("", false)(c.Request)
		}

		d := limiter.Admit(identity)

		if stats != nil {
			ev := ratelimit.StatsEvent{
				Identity: identity,
				Allowed:  d.Allowed,
				Method:   c.Request.Method,
				Route:    c.FullPath(),
				At:       time.Now(),
			}
			if err := stats.Record(ctx, ev); err != nil {
				log.WithContext(ctx).Debugw("rate-limit stats not recorded", "error", err)
			}
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Config().MaxAttempts))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if d.Allowed {
			c.Next()
			return
		}

		log.WithContext(ctx).Infow("request throttled",
			"identity", identity,
			"attempt", d.Count,
			"retry_after", d.RetryAfter,
		)
		c.Header("Retry-After", strconv.Itoa(apperror.RetryAfterSeconds(d.RetryAfter)))
		_ = c.Error(apperror.NewTooManyAttempts(identity, d.RetryAfter))
		c.Abort()
	}
}
