package middleware

import (
	"github.com/labstack/echo/v4"

	"devproxy-go/internal/sanitize"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers,
// and any header named in Connection, from the incoming request.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sanitize.HopByHop(c.Request().Header)
			return next(c)
		}
	}
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// the proxy's own endpoints. Proxied responses are left untouched.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			return next(c)
		}
	}
}
