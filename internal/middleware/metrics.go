package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each admin request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.AdminInFlight.Inc()
			defer m.AdminInFlight.Dec()

			start := time.Now()
			err := next(c)

			// An *echo.HTTPError has not been written yet when it reaches us.
			statusCode := c.Response().Status
			var he *echo.HTTPError
			if err != nil && errors.As(err, &he) {
				statusCode = he.Code
			}

			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(statusCode),
				metrics.NormalizePath(c.Request().URL.Path),
			}
			m.AdminRequestsTotal.WithLabelValues(labels...).Inc()
			m.AdminRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
