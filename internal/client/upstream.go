// Package client provides the upstream HTTP client shared by all proxy rules.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"devproxy-go/internal/config"
	"devproxy-go/internal/metrics"
	"devproxy-go/internal/model"
)

// UpstreamClient sends requests to whichever upstream a rule resolved.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	breakers   *breakers // nil when circuit breaking is disabled
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return NewUpstreamClientWithTransport(cfg, logger, m, transport)
}

// NewUpstreamClientWithTransport is NewUpstreamClient with a caller-supplied
// RoundTripper.
func NewUpstreamClientWithTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, rt http.RoundTripper) *UpstreamClient {
	logger = logger.With("component", "upstream_client")
	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: rt,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are returned to the caller unfollowed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:   logger,
		metrics:  m,
		breakers: newBreakers(cfg.Upstream.CircuitBreaker, logger),
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	var resp *http.Response
	var err error
	if c.breakers != nil {
		resp, err = c.breakers.execute(req.URL.Host, func() (*http.Response, error) {
			return c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
		})
	} else {
		resp, err = c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	}
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(method).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream builds the outbound request from ur and executes it.
// The caller is responsible for closing the returned body.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, ur *model.UpstreamRequest) (*model.ProxyResponse, error) {
	body := ur.Body
	if ur.ContentLength == 0 {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, ur.Method, ur.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if ur.Header != nil {
		req.Header = ur.Header
	}
	if ur.Host != "" {
		req.Host = ur.Host
	}
	if ur.ContentLength > 0 {
		req.ContentLength = ur.ContentLength
	}

	return c.Do(req)
}
