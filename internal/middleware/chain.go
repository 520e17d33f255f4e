package middleware

import (
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"devproxy-go/internal/config"
	"devproxy-go/internal/metrics"
)

// Install adds the server-wide middleware chain to e in order: recovery,
// request ID, access log, metrics (when m is non-nil), body limit, hop-by-hop
// stripping, then CORS and rate limiting when enabled in cfg.
func Install(e *echo.Echo, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(RequestLogger(logger))
	if m != nil {
		e.Use(MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(StripHopByHop())

	if cfg.Server.CORS.Enabled {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: cfg.Server.CORS.AllowOrigins,
		}))
		logger.Info("cors enabled", "origins", cfg.Server.CORS.AllowOrigins)
	}

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}
}
