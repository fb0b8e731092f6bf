package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const (
	ctxClientID = "client_id"

	// AnonymousClient is used when no API keys are configured (dev).
	AnonymousClient = "anonymous"
)

// ClientIDFromCtx extracts the caller identity set by APIKeyMiddleware.
func ClientIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxClientID).(string)
	return id, ok && id != ""
}

// ClientID derives a stable, loggable identity from an API key.
func ClientID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}

// APIKeyMiddleware authenticates requests using the X-API-Key header against
// a static key set. With no keys configured every request passes as
// AnonymousClient.
func APIKeyMiddleware(keys []string) echo.MiddlewareFunc {
	var valid [][]byte
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			valid = append(valid, []byte(k))
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(valid) == 0 {
				c.Set(ctxClientID, AnonymousClient)
				return next(c)
			}
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			match := 0
			for _, v := range valid {
				match |= subtle.ConstantTimeCompare([]byte(key), v)
			}
			if match != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxClientID, ClientID(key))
			return next(c)
		}
	}
}
