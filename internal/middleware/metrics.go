package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"markproxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests to skipPaths (typically the scrape
// endpoint itself) are not recorded.
func MetricsMiddleware(m *metrics.Metrics, skipPaths ...string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if skip[req.URL.Path] {
				return next(c)
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			// A returned *echo.HTTPError has not been written yet; Echo's
			// error handler writes it after the middleware chain unwinds.
			statusCode := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				statusCode = he.Code
			}

			path := m.NormalizePath(req.URL.Path)
			if path == metrics.PathOther && c.Get(TargetKey) != nil {
				path = metrics.PathPrimary
			}
			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(req.Method)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
