package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"markproxy/internal/config"
	"markproxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
//
// Local routes are matched first. Every other path reaches the catch-all,
// whose handler is Echo's 404 wrapped by the proxy: a request the proxy does
// not serve ends there.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", echo.NotFoundHandler, proxy.Middleware)
}
