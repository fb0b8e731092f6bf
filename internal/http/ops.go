package http

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func limitParam(c echo.Context, def, max int) int {
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= max {
			return n
		}
	}
	return def
}

func notConfigured(c echo.Context) error {
	return c.JSON(http.StatusNotImplemented, map[string]string{"error": "not configured"})
}

func inspectDLQHandler(tool DeadLetters, domains []string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if tool == nil {
			return notConfigured(c)
		}
		domain := c.Param("domain")
		if !slices.Contains(domains, domain) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown domain"})
		}

		items, err := tool.Inspect(c.Request().Context(), domain, limitParam(c, 50, 1000))
		if err != nil {
			c.Logger().Errorf("inspect dlq %s: %v", domain, err)
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "broker error"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"domain":       domain,
			"count":        len(items),
			"dead_letters": items,
		})
	}
}

func replayDLQHandler(tool DeadLetters, domains []string, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if tool == nil {
			return notConfigured(c)
		}
		domain := c.Param("domain")
		if !slices.Contains(domains, domain) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown domain"})
		}

		n, err := tool.Replay(c.Request().Context(), domain, limitParam(c, 10, 1000))
		if err != nil {
			log.Error("dlq replay failed", zap.String("domain", domain), zap.Int("replayed", n), zap.Error(err))
			return c.JSON(http.StatusBadGateway, map[string]any{"error": "broker error", "replayed": n})
		}
		log.Info("dlq replayed by operator", zap.String("domain", domain), zap.Int("replayed", n))
		return c.JSON(http.StatusOK, map[string]any{"domain": domain, "replayed": n})
	}
}

func topologyCheckHandler(check TopologyChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		if check == nil {
			return notConfigured(c)
		}
		rep, err := check(c.Request().Context())
		if err != nil {
			c.Logger().Errorf("topology check: %v", err)
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "broker error"})
		}
		status := http.StatusOK
		body := map[string]any{"clean": rep.Clean(), "findings": rep.Findings}
		if err := rep.Err(); err != nil {
			status = http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
		return c.JSON(status, body)
	}
}

func sloHandler(r SLOReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		if r == nil {
			return notConfigured(c)
		}
		window := time.Hour
		if v := c.QueryParam("since"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "since must be a positive duration"})
			}
			window = d
		}

		rows, err := r.SLO(c.Request().Context(), time.Now().Add(-window))
		if err != nil {
			c.Logger().Errorf("clickhouse slo failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{"since": window.String(), "consumers": rows})
	}
}
