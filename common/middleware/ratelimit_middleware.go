package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/nodeflow/common/config"
	"github.com/lyzr/nodeflow/common/ratelimit"
)

// UserRateLimit caps how often one user may hit the wrapped routes. The
// counter key is the user profile id placed in context by the identity
// middleware; anonymous requests pass through, the handlers reject them
// anyway. Limiter errors fail open: an unavailable counter must not
// take the API down with it.
func UserRateLimit(limiter *ratelimit.RateLimiter, cfg config.RateLimitConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.Enabled {
				return next(c)
			}
			userID, _ := c.Get("user_profile_id").(string)
			if userID == "" {
				return next(c)
			}

			result, err := limiter.CheckUserLimit(c.Request().Context(), userID, cfg.PerUser, cfg.WindowSec)
			if err != nil {
				return next(c)
			}
			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":               "rate limit exceeded",
					"limit":               result.Limit,
					"window_seconds":      cfg.WindowSec,
					"retry_after_seconds": result.RetryAfterSeconds,
				})
			}
			return next(c)
		}
	}
}
