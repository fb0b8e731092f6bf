package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/jmehdipour/servicing-events/internal/ratelimit"
	echo "github.com/labstack/echo/v4"
)

// RateLimitConfig configures RateLimitMiddleware.
type RateLimitConfig struct {
	Limiter        *ratelimit.Limiter
	RetryAfterHint bool // set Retry-After header when limited
}

// RateLimitMiddleware applies the injected limiter per client. It expects
// client_id in echo.Context (set by APIKeyMiddleware) and falls back to the
// remote address.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Limiter == nil {
				return next(c)
			}
			subject, ok := ClientIDFromCtx(c)
			if !ok || subject == AnonymousClient {
				subject = "ip:" + c.RealIP()
			}

			d, err := cfg.Limiter.Allow(c.Request().Context(), subject)
			if err != nil {
				// redis unavailable: fail open
				c.Logger().Warnf("rate limiter unavailable: %v", err)
				return next(c)
			}
			if !d.Allowed {
				if cfg.RetryAfterHint && d.RetryAfter > 0 {
					secs := int(math.Ceil(d.RetryAfter.Seconds()))
					c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				}
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			}
			return next(c)
		}
	}
}
