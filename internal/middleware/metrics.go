package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests aborted mid-stream are still counted
// with the status that was already sent.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()

			defer func() {
				m.RequestsInFlight.Dec()

				// A returned *echo.HTTPError has not been written yet; Echo's
				// error handler writes it after this middleware returns.
				statusCode := c.Response().Status
				var he *echo.HTTPError
				if err != nil && errors.As(err, &he) {
					statusCode = he.Code
				}

				status := strconv.Itoa(statusCode)
				method := metrics.NormalizeMethod(c.Request().Method)
				path := m.NormalizePath(c.Request().URL.Path)

				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}()

			return next(c)
		}
	}
}
