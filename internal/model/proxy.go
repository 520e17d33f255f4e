// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest describes one inbound request matched by a proxy rule.
// It lives only for the duration of the request.
type ProxyRequest struct {
	Ctx context.Context
	// RequestURI is the raw, still-escaped path and query of the inbound
	// request, e.g. "/proxy/https%3A%2F%2Fexample.com%2Fv1%2Fping".
	RequestURI    string
	Method        string
	Host          string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// UpstreamRequest is the outbound request built from a ProxyRequest.
type UpstreamRequest struct {
	Method        string
	URL           string
	Host          string
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
