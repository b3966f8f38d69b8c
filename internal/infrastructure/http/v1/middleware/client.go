package middleware

import (
	"github.com/gin-gonic/gin"

	appctx "stockpile/internal/core/context"
	"stockpile/internal/ratelimit"
)

// Client resolves the caller identity once per request and stores it in the
// request context for the limiter and the logger.
func Client(keyFunc ratelimit.KeyFunc) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = ratelimit.DefaultKeyFunc("", false)
	}
	return func(c *gin.Context) {
		client := &appctx.ClientContext{
			Identity:  keyFunc(c.Request),
			UserAgent: c.Request.UserAgent(),
		}
		c.Request = c.Request.WithContext(appctx.WithClient(c.Request.Context(), client))
		c.Next()
	}
}
