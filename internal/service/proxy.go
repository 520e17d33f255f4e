// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"devproxy-go/internal/client"
	"devproxy-go/internal/model"
	"devproxy-go/internal/rule"
	"devproxy-go/internal/sanitize"
)

// ErrUpstreamUnreachable wraps every failure to obtain a response from the
// resolved upstream (DNS, connect, TLS, timeout, cancellation).
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward resolves the outbound target for pr under r and sends the request
// there. The caller is responsible for closing the response body.
//
// Target resolution errors (rule.ErrInvalidTargetURL, rule.ErrTargetNotAllowed)
// are returned before any network I/O. Transport failures wrap
// ErrUpstreamUnreachable. Any HTTP status from the upstream is a successful
// forward.
func (s *ProxyService) Forward(r *rule.Rule, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := r.Resolve(pr.RequestURI)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", r.Prefix(), err)
	}

	ur := &model.UpstreamRequest{
		Method:        pr.Method,
		URL:           target.String(),
		Host:          r.OutboundHost(target, pr.Host),
		Header:        r.OutboundHeader(pr.Header),
		Body:          pr.Body,
		ContentLength: pr.ContentLength,
	}

	s.logger.Debug("forwarding request",
		"rule", r.Prefix(),
		"kind", r.Kind().String(),
		"method", pr.Method,
		"target", target.Redacted(),
	)

	resp, err := s.client.DoStream(pr.Ctx, ur)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// filterResponseHeaders drops hop-by-hop headers, including any named by the
// upstream's Connection header, and passes everything else through.
func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	sanitize.HopByHop(dst)
	return dst
}
