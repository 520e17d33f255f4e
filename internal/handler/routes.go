package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devproxy-go/internal/config"
	"devproxy-go/internal/metrics"
	"devproxy-go/internal/middleware"
	"devproxy-go/internal/rule"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// m may be nil when metrics are disabled.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, rules rule.Set, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	secure := middleware.SecurityHeaders()
	e.GET("/healthz", health.Healthz, secure)
	e.GET("/__devproxy/status", health.Status, secure)

	if m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), secure)
	}

	for _, r := range rules {
		h := proxy.Handle(r)
		e.Any(r.Prefix(), h)
		e.Any(r.Prefix()+"*", h)
	}
}
