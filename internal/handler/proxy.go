package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"devproxy-go/internal/client"
	"devproxy-go/internal/model"
	"devproxy-go/internal/rule"
	"devproxy-go/internal/sanitize"
	"devproxy-go/internal/service"
)

// ProxyHandler forwards requests matched by a rule to the resolved upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle returns an echo handler that proxies requests under r and streams
// the upstream response back.
func (h *ProxyHandler) Handle(r *rule.Rule) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		pr := &model.ProxyRequest{
			Ctx:           req.Context(),
			RequestURI:    req.URL.RequestURI(),
			Method:        req.Method,
			Host:          req.Host,
			Header:        req.Header,
			Body:          req.Body,
			ContentLength: req.ContentLength,
		}

		resp, err := h.service.Forward(r, pr)
		if err != nil {
			return h.mapError(c, err)
		}
		defer func() { _ = resp.Body.Close() }()

		// Upstream values replace anything middleware already set, so CORS
		// headers from the upstream are not duplicated.
		for key, vals := range resp.Header {
			c.Response().Header()[key] = vals
		}

		c.Response().WriteHeader(resp.StatusCode)

		// Stream the upstream body directly to the client. If io.Copy fails
		// mid-stream (e.g. client disconnect, network error), the HTTP status
		// code has already been sent, so the client receives a truncated
		// response with the original status. We log the error for observability.
		if _, err := io.Copy(c.Response(), resp.Body); err != nil {
			h.logger.Error("streaming response body",
				"err", sanitizeError(err),
				"rule", r.Prefix(),
			)
		}

		return nil
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, rule.ErrInvalidTargetURL) {
		h.logger.Warn("rejected proxy target",
			"err", sanitizeError(err),
			"path", sanitize.Credentials(c.Request().URL.Path),
		)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid target URL: expected a percent-encoded absolute http(s) URL after the rule prefix",
		})
	}

	if errors.Is(err, rule.ErrTargetNotAllowed) {
		h.logger.Warn("rejected proxy target",
			"err", sanitizeError(err),
			"path", sanitize.Credentials(c.Request().URL.Path),
		)
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "target host not allowed",
		})
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", sanitize.Credentials(c.Request().URL.Path),
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	if errors.Is(err, client.ErrCircuitOpen) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream circuit open",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts userinfo passwords from URLs in error messages.
func sanitizeError(err error) string {
	return sanitize.Credentials(err.Error())
}
