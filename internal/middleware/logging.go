// Package middleware provides Echo middleware for logging, metrics, rate
// limiting and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/target"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors are logged at warn level. The proxied target URL is only
// included when debug logging is enabled.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			defer func() {
				r := recover()

				req := c.Request()
				res := c.Response()

				level := slog.LevelInfo
				if res.Status >= 500 || r != nil {
					level = slog.LevelWarn
				}
				attrs := []any{
					"method", req.Method,
					"path", req.URL.Path,
					"status", res.Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
				}
				if r != nil {
					attrs = append(attrs, "aborted", true)
				}
				if logger.Enabled(req.Context(), slog.LevelDebug) {
					if t := c.QueryParam(target.Param); t != "" {
						attrs = append(attrs, "target", t)
					}
				}
				logger.Log(req.Context(), level, "request", attrs...)

				if r != nil {
					panic(r)
				}
			}()

			return next(c)
		}
	}
}
